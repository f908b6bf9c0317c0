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

package mempool

import (
	"sort"
	"sync"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/metrics"
)

type entry struct {
	tx  *types.Transaction
	seq uint64
}

// MemoryPool is the in-memory mempool backend. Contents are lost on restart.
type MemoryPool struct {
	config Config

	mu      sync.Mutex
	pending map[common.Hash]*entry
	nextSeq uint64
	closed  bool

	// onAdmit/onRemove let the durable backend hook journal writes into the
	// admission path while sharing all policy logic.
	onAdmit  func(tx *types.Transaction) error
	onRemove func(hash common.Hash)
}

// NewMemoryPool creates an in-memory pool with the given admission config.
func NewMemoryPool(config Config) *MemoryPool {
	return &MemoryPool{
		config:  config,
		pending: make(map[common.Hash]*entry),
	}
}

// Add implements Pool.
func (p *MemoryPool) Add(tx *types.Transaction) error {
	if err := p.validate(tx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	hash := tx.Hash()
	if _, ok := p.pending[hash]; ok {
		return ErrDuplicate
	}
	if len(p.pending) >= p.config.MaxSize {
		victim := p.lowestPriority()
		// Evict only if the incoming tx strictly outranks the worst pending.
		if victim == nil || !priorityLess(tx, p.nextSeq, victim.tx, victim.seq) {
			return ErrPoolFull
		}
		p.remove(victim.tx.Hash())
		metrics.MempoolEvictions.Inc()
	}
	if p.onAdmit != nil {
		if err := p.onAdmit(tx); err != nil {
			return err
		}
	}
	p.pending[hash] = &entry{tx: tx, seq: p.nextSeq}
	p.nextSeq++
	metrics.MempoolTxAdded.Inc()
	metrics.MempoolSize.Set(float64(len(p.pending)))
	return nil
}

func (p *MemoryPool) validate(tx *types.Transaction) error {
	if err := tx.SanityCheck(p.config.ChainID); err != nil {
		return err
	}
	if tx.Size() > p.config.MaxTxBytes {
		return ErrOversized
	}
	if tx.Fee < p.config.MinFee {
		return ErrFeeTooLow
	}
	return nil
}

// Drain implements Pool.
func (p *MemoryPool) Drain(maxBytes, maxCount int) types.Transactions {
	p.mu.Lock()
	defer p.mu.Unlock()

	sorted := p.sortedLocked()
	var (
		picked types.Transactions
		bytes  int
	)
	for _, e := range sorted {
		if len(picked) >= maxCount {
			break
		}
		size := e.tx.Size()
		if bytes+size > maxBytes {
			// Skip, not stop: a smaller lower-priority tx may still fit.
			continue
		}
		picked = append(picked, e.tx)
		bytes += size
	}
	for _, tx := range picked {
		p.remove(tx.Hash())
	}
	metrics.MempoolTxDrained.Add(float64(len(picked)))
	metrics.MempoolSize.Set(float64(len(p.pending)))
	return picked
}

// Size implements Pool.
func (p *MemoryPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// EvictBelow implements Pool.
func (p *MemoryPool) EvictBelow(feeFloor uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted int
	for hash, e := range p.pending {
		if e.tx.Fee < feeFloor {
			p.remove(hash)
			evicted++
		}
	}
	metrics.MempoolEvictions.Add(float64(evicted))
	metrics.MempoolSize.Set(float64(len(p.pending)))
	return evicted
}

// Content implements Pool.
func (p *MemoryPool) Content(max int) types.Transactions {
	p.mu.Lock()
	defer p.mu.Unlock()

	sorted := p.sortedLocked()
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	txs := make(types.Transactions, len(sorted))
	for i, e := range sorted {
		txs[i] = e.tx
	}
	return txs
}

// Close implements Pool.
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// sortedLocked returns all entries in priority order. Callers hold p.mu.
func (p *MemoryPool) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(p.pending))
	for _, e := range p.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return priorityLess(entries[i].tx, entries[i].seq, entries[j].tx, entries[j].seq)
	})
	return entries
}

// lowestPriority returns the worst-ranked entry, or nil on an empty pool.
// Callers hold p.mu.
func (p *MemoryPool) lowestPriority() *entry {
	var worst *entry
	for _, e := range p.pending {
		if worst == nil || priorityLess(worst.tx, worst.seq, e.tx, e.seq) {
			worst = e
		}
	}
	return worst
}

// remove deletes an entry and fires the removal hook. Callers hold p.mu.
func (p *MemoryPool) remove(hash common.Hash) {
	delete(p.pending, hash)
	if p.onRemove != nil {
		p.onRemove(hash)
	}
}
