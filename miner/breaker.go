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

package miner

import (
	"errors"
	"sync"
	"time"

	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
)

// ErrCircuitOpen is returned by Call while the breaker is open and the tick
// is skipped.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the state of the circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps the proposer tick: after threshold consecutive failures it
// opens and skips ticks until the cooldown elapses, then lets a single probe
// tick through. A probe success closes the breaker; a probe failure reopens
// it and restarts the cooldown. This keeps a persistently failing ledger
// store from turning the proposer loop into a retry storm while preserving
// eventual recovery.
type Breaker struct {
	threshold uint64
	timeout   time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures uint64
	openedAt time.Time

	now func() time.Time // injectable for tests
	log log.Logger
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold uint64, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		log:       log.New("module", "breaker"),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn under the breaker. While open, fn is not invoked and
// ErrCircuitOpen is returned; the skip is counted.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		metrics.BlocksSkipped.Inc()
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.log.Info("Circuit breaker half-open, probing")
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.log.Info("Circuit breaker closed", "after_failures", b.failures)
		}
		b.state = StateClosed
		b.failures = 0
		metrics.BreakerState.Set(0)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.trip()
	}
}

// trip opens the breaker. Callers hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	metrics.BreakerState.Set(1)
	metrics.BreakerTrips.Inc()
	b.log.Warn("Circuit breaker opened", "failures", b.failures, "cooldown", b.timeout)
}
