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

// Package miner implements the PoA block proposer: a single sealing loop
// that drains the mempool at a fixed cadence and appends blocks to the
// ledger, wrapped by a circuit breaker.
package miner

import (
	"fmt"
	"sync"
	"time"

	"github.com/aitbc/go-aitbc/core"
	"github.com/aitbc/go-aitbc/core/mempool"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
	"github.com/aitbc/go-aitbc/params"
)

// worker is the sealing loop. Exactly one worker may run against a ledger;
// the datadir lock taken in rawdb enforces this across processes and the
// running flag within one.
type worker struct {
	config params.ChainConfig
	chain  *core.BlockChain
	pool   mempool.Pool

	breaker *Breaker

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup

	log log.Logger
}

func newWorker(config params.ChainConfig, chain *core.BlockChain, pool mempool.Pool) *worker {
	return &worker{
		config:  config,
		chain:   chain,
		pool:    pool,
		breaker: NewBreaker(config.CircuitBreakerThreshold, config.BreakerTimeout()),
		log:     log.New("proposer", config.ProposerID),
	}
}

func (w *worker) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.quit = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	metrics.ProposerRunning.Set(1)
	w.log.Info("Proposer started", "blocktime", w.config.BlockTime())
}

// stop halts the loop at the next tick boundary and waits for it to exit.
func (w *worker) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.quit)
	w.mu.Unlock()

	w.wg.Wait()
	metrics.ProposerRunning.Set(0)
	w.log.Info("Proposer stopped")
}

func (w *worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.BlockTime())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.breaker.Call(w.commitNewWork); err != nil && err != ErrCircuitOpen {
				// The breaker has counted the failure; the tick is simply
				// skipped and the cadence preserved.
				w.log.Error("Block production failed", "err", err)
			}
		case <-w.quit:
			return
		}
	}
}

// commitNewWork seals one block from the current mempool contents. Empty
// blocks are sealed too: the steady cadence is what cross-site peers use to
// detect a live proposer.
func (w *worker) commitNewWork() error {
	parent := w.chain.Head()

	txs := w.pool.Drain(int(w.config.MaxBlockSizeBytes), int(w.config.MaxTxsPerBlock))

	// Mempool admission is stateless, so a drained candidate can still be
	// unsealable against the ledger (stale nonce, unfunded sender, receipt
	// already minted). Those are discarded one by one instead of letting a
	// single bad transaction fail the whole block.
	txs, discarded := w.chain.FilterCandidates(txs)
	if len(discarded) > 0 {
		metrics.TxsDiscarded.Add(float64(len(discarded)))
		w.log.Warn("Discarded unsealable transactions", "count", len(discarded))
	}

	// Wall clock, clamped to strictly after the parent.
	timestamp := uint64(time.Now().Unix())
	if timestamp <= parent.Time() {
		timestamp = parent.Time() + 1
	}
	block := types.NewBlock(parent.Height()+1, parent.Hash(), timestamp, w.config.ProposerID, txs)

	if err := w.chain.InsertBlock(block); err != nil {
		return fmt.Errorf("sealing block %d: %w", block.Height(), err)
	}
	metrics.BlocksProposed.Inc()
	w.log.Info("Sealed block", "height", block.Height(), "txs", len(txs), "hash", block.Hash().TerminalString())
	return nil
}

// Miner is the public handle of the proposer loop.
type Miner struct {
	worker *worker
}

// New creates the proposer for this site.
func New(config params.ChainConfig, chain *core.BlockChain, pool mempool.Pool) *Miner {
	return &Miner{worker: newWorker(config, chain, pool)}
}

// Start launches the sealing loop.
func (m *Miner) Start() { m.worker.start() }

// Stop halts the sealing loop at a tick boundary.
func (m *Miner) Stop() { m.worker.stop() }

// Mining reports whether the sealing loop is running.
func (m *Miner) Mining() bool { return m.worker.isRunning() }

// BreakerState exposes the circuit breaker state for the sync status RPC.
func (m *Miner) BreakerState() BreakerState { return m.worker.breaker.State() }
