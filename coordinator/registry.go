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

package coordinator

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/params"
)

// MinerState is the availability state of a miner.
type MinerState string

const (
	MinerAvailable   MinerState = "AVAILABLE"
	MinerBusy        MinerState = "BUSY"
	MinerMaintenance MinerState = "MAINTENANCE"
	MinerOffline     MinerState = "OFFLINE"
)

// ErrUnknownMiner is returned for operations on unregistered miner ids.
var ErrUnknownMiner = errors.New("unknown miner")

// scoreEpsilon keeps the score defined for miners with no history.
const scoreEpsilon = 0.001

// Miner is a registered compute provider. Address receives on-chain rewards;
// PubKeyHex is the Ed25519 key its receipts are verified against.
type Miner struct {
	ID        string         `json:"id"`
	Address   common.Address `json:"address"`
	PubKeyHex string         `json:"pubKey"`

	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"maxConcurrentJobs"`
	CurrentJobs   int      `json:"currentJobs"`

	State         MinerState `json:"state"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Score is the miner's reliability in [0, 100], snapshotted from its
// completion counters.
func (m *Miner) Score() float64 {
	return 100 * float64(m.Completed) / (float64(m.Completed+m.Failed) + scoreEpsilon)
}

// PubKey decodes the miner's registered verification key.
func (m *Miner) PubKey() (ed25519.PublicKey, error) {
	raw, err := common.ParseHexBytes(m.PubKeyHex, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("miner %s: bad public key: %w", m.ID, err)
	}
	return ed25519.PublicKey(raw), nil
}

// HasSlot reports whether the miner can take another job.
func (m *Miner) HasSlot() bool {
	return m.State == MinerAvailable && m.CurrentJobs < m.MaxConcurrent
}

// Registry tracks miners and runs the heartbeat sweep. All mutations go
// through the registry mutex and land in the store immediately.
type Registry struct {
	config params.CoordinatorConfig
	store  *Store

	mu  sync.Mutex
	log log.Logger
}

// NewRegistry creates a registry over the store.
func NewRegistry(config params.CoordinatorConfig, store *Store) *Registry {
	return &Registry{config: config, store: store, log: log.New("module", "registry")}
}

// Register creates or refreshes a miner record. Re-registration resets
// availability but keeps the historical counters.
func (r *Registry) Register(m *Miner) error {
	if m.ID == "" {
		return errors.New("missing miner id")
	}
	pub, err := m.PubKey()
	if err != nil {
		return err
	}
	if m.Address.IsZero() {
		m.Address = crypto.PubkeyToAddress(pub)
	}
	if m.MaxConcurrent < 1 {
		m.MaxConcurrent = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, err := r.store.GetMiner(m.ID); err == nil {
		m.Completed = prev.Completed
		m.Failed = prev.Failed
		m.CurrentJobs = prev.CurrentJobs
	}
	m.State = MinerAvailable
	m.LastHeartbeat = time.Now()
	if err := r.store.PutMiner(m); err != nil {
		return err
	}
	r.log.Info("Miner registered", "miner", m.ID, "capabilities", m.Capabilities, "slots", m.MaxConcurrent)
	return nil
}

// Heartbeat refreshes a miner's liveness and lets it flip between AVAILABLE
// and MAINTENANCE. An OFFLINE miner comes back through a heartbeat too.
func (r *Registry) Heartbeat(minerID string, state MinerState) (*Miner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.store.GetMiner(minerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	m.LastHeartbeat = time.Now()
	switch state {
	case MinerMaintenance:
		m.State = MinerMaintenance
	case "", MinerAvailable:
		if m.CurrentJobs >= m.MaxConcurrent {
			m.State = MinerBusy
		} else {
			m.State = MinerAvailable
		}
	default:
		return nil, fmt.Errorf("illegal heartbeat state %q", state)
	}
	return m, r.store.PutMiner(m)
}

// Acquire reserves one slot on the miner for a job assignment.
func (r *Registry) Acquire(minerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.store.GetMiner(minerID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	if !m.HasSlot() {
		return fmt.Errorf("miner %s has no free slot", minerID)
	}
	m.CurrentJobs++
	if m.CurrentJobs >= m.MaxConcurrent {
		m.State = MinerBusy
	}
	return r.store.PutMiner(m)
}

// Release frees a slot and records the job outcome in the miner's counters.
// The caller commits the returned record itself when it needs the release to
// be part of a larger atomic write.
func (r *Registry) Release(minerID string, completed bool) (*Miner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.store.GetMiner(minerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	if m.CurrentJobs > 0 {
		m.CurrentJobs--
	}
	if completed {
		m.Completed++
	} else {
		m.Failed++
	}
	if m.State == MinerBusy && m.CurrentJobs < m.MaxConcurrent {
		m.State = MinerAvailable
	}
	return m, nil
}

// ReleaseSlot frees a slot without touching the outcome counters, used when
// a job is cancelled through no fault of the miner.
func (r *Registry) ReleaseSlot(minerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.store.GetMiner(minerID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownMiner, minerID)
	}
	if m.CurrentJobs > 0 {
		m.CurrentJobs--
	}
	if m.State == MinerBusy && m.CurrentJobs < m.MaxConcurrent {
		m.State = MinerAvailable
	}
	return r.store.PutMiner(m)
}

// Available returns every miner that could take a job right now.
func (r *Registry) Available() ([]*Miner, error) {
	miners, err := r.store.Miners()
	if err != nil {
		return nil, err
	}
	out := miners[:0]
	for _, m := range miners {
		if m.HasSlot() {
			out = append(out, m)
		}
	}
	return out, nil
}

// TrustSet builds the receipt verification key set from the registered
// miners, plus the coordinator's own attestation key when configured.
func (r *Registry) TrustSet(extra map[string]ed25519.PublicKey) (map[string]ed25519.PublicKey, error) {
	miners, err := r.store.Miners()
	if err != nil {
		return nil, err
	}
	set := make(map[string]ed25519.PublicKey, len(miners)+len(extra))
	for _, m := range miners {
		pub, err := m.PubKey()
		if err != nil {
			r.log.Warn("Skipping miner with bad key", "miner", m.ID, "err", err)
			continue
		}
		set[m.ID] = pub
	}
	for id, pub := range extra {
		set[id] = pub
	}
	return set, nil
}

// SweepOffline flips miners without a recent heartbeat to OFFLINE and returns
// them so the caller can requeue their unacknowledged jobs.
func (r *Registry) SweepOffline(now time.Time) ([]*Miner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	miners, err := r.store.Miners()
	if err != nil {
		return nil, err
	}
	var stale []*Miner
	cutoff := now.Add(-r.config.HeartbeatTimeout())
	for _, m := range miners {
		if m.State == MinerOffline || !m.LastHeartbeat.Before(cutoff) {
			continue
		}
		m.State = MinerOffline
		m.CurrentJobs = 0
		if err := r.store.PutMiner(m); err != nil {
			return stale, err
		}
		r.log.Warn("Miner went offline", "miner", m.ID, "lastHeartbeat", m.LastHeartbeat)
		stale = append(stale, m)
	}
	return stale, nil
}
