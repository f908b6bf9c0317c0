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

// Package mempool implements the pending transaction pool the proposer
// drains block contents from. Two backends share one contract: a plain
// in-memory pool and a durable pool that journals admissions to disk and
// replays them on restart. The backend is chosen at construction and never
// swapped during a run.
package mempool

import (
	"errors"

	"github.com/aitbc/go-aitbc/core/types"
)

var (
	// ErrFeeTooLow is returned when a transaction's fee is below the
	// configured admission floor.
	ErrFeeTooLow = errors.New("transaction fee below minimum")
	// ErrDuplicate is returned when the pool already holds the tx hash.
	ErrDuplicate = errors.New("transaction already known")
	// ErrPoolFull is returned when the pool is at capacity and the incoming
	// transaction does not outrank the lowest-priority pending one.
	ErrPoolFull = errors.New("mempool full")
	// ErrOversized is returned when a single transaction exceeds the block
	// size cap and could therefore never be included.
	ErrOversized = errors.New("transaction exceeds block size limit")
	// ErrClosed is returned when the pool has been shut down.
	ErrClosed = errors.New("mempool closed")
)

// Config are the admission parameters of a pool.
type Config struct {
	ChainID    string
	MinFee     uint64
	MaxSize    int // max pending transactions
	MaxTxBytes int // single transaction byte cap (= max block size)
}

// Pool is the contract shared by the mempool backends.
type Pool interface {
	// Add admits a transaction or returns a taxonomy error. When the pool is
	// full, the lowest-priority pending transaction is evicted iff the
	// incoming one has strictly higher priority.
	Add(tx *types.Transaction) error

	// Drain removes and returns the highest-priority transactions that fit
	// within the given byte and count budgets, in priority order.
	Drain(maxBytes, maxCount int) types.Transactions

	// Size returns the number of pending transactions.
	Size() int

	// EvictBelow removes every pending transaction with fee < feeFloor and
	// returns the number removed.
	EvictBelow(feeFloor uint64) int

	// Content returns a snapshot of pending transactions in priority order,
	// without removing them. Used by cross-site mempool forwarding.
	Content(max int) types.Transactions

	// Close shuts the pool down, flushing the journal for durable backends.
	Close() error
}

// priorityLess reports whether a outranks b: higher fee first, then smaller
// size, then earlier arrival. Arrival order makes the ordering total, so
// drains are stable.
func priorityLess(aTx *types.Transaction, aSeq uint64, bTx *types.Transaction, bSeq uint64) bool {
	if aTx.Fee != bTx.Fee {
		return aTx.Fee > bTx.Fee
	}
	if as, bs := aTx.Size(), bTx.Size(); as != bs {
		return as < bs
	}
	return aSeq < bSeq
}
