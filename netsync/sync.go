// Copyright 2025 The go-aitbc Authors
// This file is part of the go-aitbc library.
//
// The go-aitbc library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-aitbc library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-aitbc library. If not, see <http://www.gnu.org/licenses/>.

// Package netsync keeps sites of one chain loosely converged. Each site polls
// its configured peers on a fixed interval: a peer that is ahead is caught up
// to by importing its blocks through the regular validation path, a peer that
// is behind or level gets a slice of the local mempool forwarded. There is no
// fork resolution; a conflicting block at an occupied height is refused and
// flagged for the operator.
package netsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aitbc/go-aitbc/core"
	"github.com/aitbc/go-aitbc/core/mempool"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
	"github.com/aitbc/go-aitbc/params"
)

const (
	// clientTimeout bounds every peer request; a slow peer must not hold up
	// the whole poll cycle.
	clientTimeout = 5 * time.Second

	// forwardLimit caps how many pending transactions are pushed to a peer
	// that is not ahead of us in one cycle.
	forwardLimit = 32
)

// PeerStatus is the last observed state of one configured peer.
type PeerStatus struct {
	Endpoint  string    `json:"endpoint"`
	Height    uint64    `json:"height"`
	LastSeen  time.Time `json:"lastSeen"`
	LastError string    `json:"lastError,omitempty"`
}

// Syncer runs the cross-site poll loop of one node.
type Syncer struct {
	config params.ChainConfig
	chain  *core.BlockChain
	pool   mempool.Pool
	client *Client

	mu    sync.Mutex
	peers map[string]PeerStatus

	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// NewSyncer creates a syncer over the configured remote endpoints. It does
// not start polling until Start is called.
func NewSyncer(config params.ChainConfig, chain *core.BlockChain, pool mempool.Pool) *Syncer {
	s := &Syncer{
		config: config,
		chain:  chain,
		pool:   pool,
		client: NewClient(clientTimeout),
		peers:  make(map[string]PeerStatus),
		log:    log.New("module", "netsync"),
	}
	for _, endpoint := range config.CrossSiteRemoteEndpoints {
		s.peers[endpoint] = PeerStatus{Endpoint: endpoint}
	}
	return s
}

// Start launches the poll loop. With no peers configured it is a no-op.
func (s *Syncer) Start() {
	if len(s.config.CrossSiteRemoteEndpoints) == 0 {
		s.log.Info("Cross-site sync disabled, no peers configured")
		return
	}
	if s.quit != nil {
		return
	}
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	s.log.Info("Cross-site sync started", "peers", len(s.config.CrossSiteRemoteEndpoints), "interval", s.config.PollInterval())
}

// Stop halts the poll loop and waits for in-flight peer requests to finish.
func (s *Syncer) Stop() {
	if s.quit == nil {
		return
	}
	close(s.quit)
	s.wg.Wait()
	s.quit = nil
	s.log.Info("Cross-site sync stopped")
}

// Peers returns a snapshot of the last observed peer states.
func (s *Syncer) Peers() []PeerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerStatus, 0, len(s.peers))
	for _, endpoint := range s.config.CrossSiteRemoteEndpoints {
		out = append(out, s.peers[endpoint])
	}
	return out
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SyncOnce(context.Background())
		case <-s.quit:
			return
		}
	}
}

// SyncOnce runs one poll cycle over all peers concurrently. Failures are
// recorded per peer and retried on the next cycle, never within it.
func (s *Syncer) SyncOnce(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, endpoint := range s.config.CrossSiteRemoteEndpoints {
		endpoint := endpoint
		g.Go(func() error {
			s.syncPeer(ctx, endpoint)
			return nil
		})
	}
	g.Wait()
}

func (s *Syncer) syncPeer(ctx context.Context, endpoint string) {
	peerHead, err := s.client.Head(ctx, endpoint)
	if err != nil {
		metrics.CrossSiteImports.WithLabelValues("fetch_error").Inc()
		s.setPeerError(endpoint, err)
		s.log.Warn("Peer head fetch failed", "peer", endpoint, "err", err)
		return
	}
	s.setPeerHeight(endpoint, peerHead.Height())

	local := s.chain.Head().Height()
	switch {
	case peerHead.Height() > local:
		s.catchUp(ctx, endpoint, peerHead.Height())
	default:
		s.forwardMempool(ctx, endpoint)
	}
}

// catchUp imports peer blocks sequentially from just above the local head.
// The fetch window is bounded so a badly diverged peer cannot make one cycle
// unbounded; the rest is picked up on later cycles.
func (s *Syncer) catchUp(ctx context.Context, endpoint string, peerHeight uint64) {
	from := s.chain.Head().Height() + 1
	to := peerHeight
	if max := s.chain.Head().Height() + s.config.MaxReorgDepth; to > max {
		to = max
	}

	// Before importing anything, make sure the peer agrees on our head.
	// A mismatch means the sites diverged at or below the local head; that
	// is never repaired automatically.
	if anchor := from - 1; anchor > 0 {
		peerBlock, err := s.client.BlockByHeight(ctx, endpoint, anchor)
		if err != nil {
			metrics.CrossSiteImports.WithLabelValues("fetch_error").Inc()
			s.setPeerError(endpoint, err)
			return
		}
		if peerBlock.Hash() != s.chain.Head().Hash() {
			metrics.CrossSiteImports.WithLabelValues("conflict").Inc()
			s.setPeerError(endpoint, fmt.Errorf("%w: divergent block at height %d", core.ErrConflict, anchor))
			s.log.Error("Cross-site conflict, local history kept; operator attention required",
				"peer", endpoint, "height", anchor, "local", s.chain.Head().Hash(), "foreign", peerBlock.Hash())
			return
		}
	}

	for height := from; height <= to; height++ {
		block, err := s.client.BlockByHeight(ctx, endpoint, height)
		if err != nil {
			metrics.CrossSiteImports.WithLabelValues("fetch_error").Inc()
			s.setPeerError(endpoint, err)
			s.log.Warn("Peer block fetch failed", "peer", endpoint, "height", height, "err", err)
			return
		}
		switch err := s.chain.InsertBlock(block); {
		case err == nil:
			metrics.CrossSiteImports.WithLabelValues("imported").Inc()
		case errors.Is(err, core.ErrKnownBlock):
			// Raced with the local proposer or another peer; keep going.
			continue
		case errors.Is(err, core.ErrConflict):
			metrics.CrossSiteImports.WithLabelValues("conflict").Inc()
			s.setPeerError(endpoint, err)
			s.log.Error("Cross-site conflict, local history kept; operator attention required",
				"peer", endpoint, "height", height, "foreign", block.Hash())
			return
		default:
			metrics.CrossSiteImports.WithLabelValues("invalid").Inc()
			s.setPeerError(endpoint, err)
			s.log.Warn("Peer block refused", "peer", endpoint, "height", height, "err", err)
			return
		}
	}
	s.log.Info("Imported peer blocks", "peer", endpoint, "from", from, "to", to)
}

// forwardMempool pushes a slice of pending transactions to a peer that is not
// ahead of us, so transactions submitted at this site reach the proposer of
// another. Best effort: a refusal is logged and forwarding moves on.
func (s *Syncer) forwardMempool(ctx context.Context, endpoint string) {
	txs := s.pool.Content(forwardLimit)
	for _, tx := range txs {
		if err := s.client.SendTransaction(ctx, endpoint, tx); err != nil {
			s.log.Debug("Mempool forward refused", "peer", endpoint, "tx", tx.Hash().TerminalString(), "err", err)
			return
		}
	}
	if len(txs) > 0 {
		s.log.Debug("Forwarded mempool slice", "peer", endpoint, "txs", len(txs))
	}
}

func (s *Syncer) setPeerHeight(endpoint string, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[endpoint] = PeerStatus{
		Endpoint: endpoint,
		Height:   height,
		LastSeen: time.Now(),
	}
}

func (s *Syncer) setPeerError(endpoint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.peers[endpoint]
	status.Endpoint = endpoint
	status.LastError = err.Error()
	s.peers[endpoint] = status
}
