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

// Package node assembles a blockchain node from its subsystems and manages
// their lifecycle.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aitbc/go-aitbc/core"
	"github.com/aitbc/go-aitbc/core/mempool"
	"github.com/aitbc/go-aitbc/core/rawdb"
	"github.com/aitbc/go-aitbc/internal/rpcapi"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/miner"
	"github.com/aitbc/go-aitbc/netsync"
	"github.com/aitbc/go-aitbc/params"
)

// shutdownTimeout bounds how long Close waits for in-flight RPC requests.
const shutdownTimeout = 10 * time.Second

// Node wires the database, ledger, mempool, proposer, cross-site syncer and
// RPC server of one site together.
type Node struct {
	config params.ChainConfig

	db     *rawdb.Database
	chain  *core.BlockChain
	pool   mempool.Pool
	miner  *miner.Miner
	syncer *netsync.Syncer
	http   *httpServer

	log log.Logger
}

// New opens the database and constructs every subsystem without starting any
// of them. Opening the database takes the datadir lock, so a second node (or
// proposer) over the same datadir fails here.
func New(config params.ChainConfig) (*Node, error) {
	db, err := rawdb.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	chain, err := core.NewBlockChain(config, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	poolConfig := mempool.Config{
		ChainID:    config.ChainID,
		MinFee:     config.MinFee,
		MaxSize:    int(config.MempoolMaxSize),
		MaxTxBytes: int(config.MaxBlockSizeBytes),
	}
	var pool mempool.Pool
	if config.MempoolBackend == "durable" {
		pool, err = mempool.NewDurablePool(poolConfig, filepath.Join(config.DBPath, "mempool"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening durable mempool: %w", err)
		}
	} else {
		pool = mempool.NewMemoryPool(poolConfig)
	}

	n := &Node{
		config: config,
		db:     db,
		chain:  chain,
		pool:   pool,
		log:    log.New("module", "node"),
	}
	n.miner = miner.New(config, chain, pool)
	n.syncer = netsync.NewSyncer(config, chain, pool)
	n.http = newHTTPServer(config.HTTPHost, config.HTTPPort,
		config.CorsOrigins, config.RateLimit, config.RateBurst,
		rpcapi.New(n).Router())
	return n, nil
}

// Start brings the RPC surface up first so readiness probes work, then the
// proposer and the cross-site syncer.
func (n *Node) Start() error {
	if err := n.http.start(); err != nil {
		return err
	}
	n.miner.Start()
	n.syncer.Start()
	n.log.Info("Node started", "chainid", n.config.ChainID, "proposer", n.config.ProposerID)
	return nil
}

// Close shuts the node down in dependency order: stop taking requests, stop
// producing blocks, stop syncing, flush the mempool journal, release the
// database and its lock.
func (n *Node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.http.stop(ctx); err != nil {
		n.log.Warn("HTTP shutdown incomplete", "err", err)
	}
	n.miner.Stop()
	n.syncer.Stop()
	if err := n.pool.Close(); err != nil {
		n.log.Warn("Mempool close failed", "err", err)
	}
	err := n.db.Close()
	n.log.Info("Node stopped")
	return err
}

// HTTPEndpoint returns the bound RPC address, valid after Start.
func (n *Node) HTTPEndpoint() string {
	if n.http.listener == nil {
		return ""
	}
	return n.http.listener.Addr().String()
}

// Chain implements rpcapi.Backend.
func (n *Node) Chain() *core.BlockChain { return n.chain }

// TxPool implements rpcapi.Backend.
func (n *Node) TxPool() mempool.Pool { return n.pool }

// Mining implements rpcapi.Backend.
func (n *Node) Mining() bool { return n.miner.Mining() }

// BreakerState implements rpcapi.Backend.
func (n *Node) BreakerState() string { return n.miner.BreakerState().String() }

// SyncPeers implements rpcapi.Backend.
func (n *Node) SyncPeers() []netsync.PeerStatus { return n.syncer.Peers() }
