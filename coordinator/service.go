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

	"github.com/google/uuid"

	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
	"github.com/aitbc/go-aitbc/params"
)

// coordinatorSigner is the signer identity the coordinator uses on
// attestations and the trust set.
const coordinatorSigner = "coordinator"

// Coordinator runs the marketplace: job admission and lifecycle, the miner
// registry, the matcher loop, the timeout sweeps, and the receipt pipeline.
// Job lifecycle mutations are serialized by one mutex; with two concurrent
// completion reports for the same job, the first to commit wins and the
// second sees a duplicate.
type Coordinator struct {
	config   params.CoordinatorConfig
	store    *Store
	registry *Registry
	matcher  Matcher
	chain    ChainClient

	// signingKey is the coordinator's chain identity; attestKey countersigns
	// receipts. Either may be nil when unconfigured.
	signingKey ed25519.PrivateKey
	attestKey  ed25519.PrivateKey

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// New assembles a coordinator over its store and chain client.
func New(config params.CoordinatorConfig, store *Store, chain ChainClient) (*Coordinator, error) {
	c := &Coordinator{
		config:   config,
		store:    store,
		registry: NewRegistry(config, store),
		chain:    chain,
		log:      log.New("module", "coordinator"),
	}
	var err error
	if config.ReceiptSigningKeyHex != "" {
		if c.signingKey, err = crypto.HexToPrivateKey(config.ReceiptSigningKeyHex); err != nil {
			return nil, fmt.Errorf("receipt signing key: %w", err)
		}
	} else {
		c.log.Warn("No receipt signing key configured, chain submission disabled")
	}
	if config.ReceiptAttestationKeyHex != "" {
		if c.attestKey, err = crypto.HexToPrivateKey(config.ReceiptAttestationKeyHex); err != nil {
			return nil, fmt.Errorf("receipt attestation key: %w", err)
		}
	}
	return c, nil
}

// Registry exposes the miner registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Start launches the matcher, sweep and submission-retry loops.
func (c *Coordinator) Start() {
	if c.quit != nil {
		return
	}
	c.quit = make(chan struct{})
	c.runLoop(c.config.MatchInterval(), func() { c.MatchOnce() })
	c.runLoop(c.config.SweepInterval(), func() { c.SweepOnce(time.Now()) })
	c.runLoop(c.config.SweepInterval(), func() { c.RetrySubmissions() })
	c.log.Info("Coordinator started", "matchInterval", c.config.MatchInterval(), "sweepInterval", c.config.SweepInterval())
}

// Stop halts the background loops.
func (c *Coordinator) Stop() {
	if c.quit == nil {
		return
	}
	close(c.quit)
	c.wg.Wait()
	c.quit = nil
	c.log.Info("Coordinator stopped")
}

func (c *Coordinator) runLoop(interval time.Duration, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-c.quit:
				return
			}
		}
	}()
}

// SubmitJob admits a new job into the queue.
func (c *Coordinator) SubmitJob(clientID, model, prompt string, requirements []string, priority int) (*Job, error) {
	if model == "" {
		return nil, errors.New("missing model")
	}
	job := &Job{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		Model:        model,
		Prompt:       prompt,
		Requirements: requirements,
		Priority:     priority,
		State:        JobQueued,
		SubmittedAt:  time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}
	if err := c.store.AppendEvent(&JobEvent{JobID: job.ID, From: "", To: JobQueued, Time: job.SubmittedAt}); err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.Inc()
	c.log.Info("Job submitted", "job", job.ID, "client", clientID, "model", model)
	return job, nil
}

// GetJob returns a job by id.
func (c *Coordinator) GetJob(id string) (*Job, error) { return c.store.GetJob(id) }

// JobEvents returns a job's audit trail.
func (c *Coordinator) JobEvents(id string) ([]*JobEvent, error) { return c.store.JobEvents(id) }

// ReceiptHistory returns every receipt stored for a job, oldest first.
func (c *Coordinator) ReceiptHistory(id string) ([]*StoredReceipt, error) {
	return c.store.ReceiptHistory(id)
}

// CancelJob cancels a non-terminal job and releases its miner if one was
// assigned.
func (c *Coordinator) CancelJob(id string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	from := job.State
	if err := job.transition(JobCancelled); err != nil {
		return nil, err
	}
	job.FinishedAt = time.Now()
	if job.MinerID != "" {
		// Cancellation is not the miner's failure: free the slot only.
		if err := c.registry.ReleaseSlot(job.MinerID); err != nil {
			c.log.Warn("Slot release failed on cancel", "job", job.ID, "miner", job.MinerID, "err", err)
		}
	}
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}
	if err := c.store.AppendEvent(&JobEvent{JobID: job.ID, From: from, To: JobCancelled, Time: job.FinishedAt}); err != nil {
		return nil, err
	}
	c.log.Info("Job cancelled", "job", job.ID, "from", from)
	return job, nil
}

// MatchOnce runs one matcher pass over the queue, assigning jobs to miners
// in (priority, submit time) order. Jobs without an eligible miner stay
// QUEUED for the next tick.
func (c *Coordinator) MatchOnce() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued, err := c.store.JobsInState(JobQueued)
	if err != nil {
		c.log.Error("Queue scan failed", "err", err)
		return 0
	}
	assigned := 0
	for _, job := range queued {
		miners, err := c.registry.Available()
		if err != nil {
			c.log.Error("Miner scan failed", "err", err)
			return assigned
		}
		candidates := c.matcher.Match(job, miners)
		if len(candidates) == 0 {
			continue
		}
		if err := c.assign(job, candidates[0]); err != nil {
			c.log.Error("Assignment failed", "job", job.ID, "miner", candidates[0].ID, "err", err)
			continue
		}
		assigned++
	}
	return assigned
}

// assign moves a job to ASSIGNED on the given miner. Callers hold c.mu.
func (c *Coordinator) assign(job *Job, m *Miner) error {
	if err := c.registry.Acquire(m.ID); err != nil {
		return err
	}
	from := job.State
	if err := job.transition(JobAssigned); err != nil {
		return err
	}
	job.MinerID = m.ID
	job.AssignedAt = time.Now()
	if err := c.store.PutJob(job); err != nil {
		return err
	}
	if err := c.store.AppendEvent(&JobEvent{JobID: job.ID, From: from, To: JobAssigned, Note: m.ID, Time: job.AssignedAt}); err != nil {
		return err
	}
	c.log.Info("Job assigned", "job", job.ID, "miner", m.ID)
	return nil
}

// AssignedJobs returns the jobs currently assigned to a miner, for its poll
// endpoint.
func (c *Coordinator) AssignedJobs(minerID string) ([]*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assigned, err := c.store.JobsInState(JobAssigned)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(assigned))
	for _, job := range assigned {
		if job.MinerID == minerID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// StartJobs marks the given assigned jobs RUNNING, triggered by a miner
// heartbeat acknowledging them. Unknown or foreign job ids are skipped.
func (c *Coordinator) StartJobs(minerID string, jobIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range jobIDs {
		job, err := c.store.GetJob(id)
		if err != nil || job.MinerID != minerID || job.State != JobAssigned {
			continue
		}
		job.StartedAt = time.Now()
		if err := job.transition(JobRunning); err != nil {
			continue
		}
		if err := c.store.PutJob(job); err != nil {
			c.log.Error("Job start persist failed", "job", id, "err", err)
			continue
		}
		c.store.AppendEvent(&JobEvent{JobID: id, From: JobAssigned, To: JobRunning, Time: job.StartedAt})
		c.log.Info("Job running", "job", id, "miner", minerID)
	}
}

// FailJob records a miner-reported failure.
func (c *Coordinator) FailJob(minerID, jobID, note string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(jobID, minerID, note)
}

// failLocked moves a job to FAILED and releases its miner. Callers hold c.mu.
func (c *Coordinator) failLocked(jobID, minerID, note string) (*Job, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if minerID != "" && job.MinerID != minerID {
		return nil, fmt.Errorf("job %s is not assigned to miner %s", jobID, minerID)
	}
	from := job.State
	if err := job.transition(JobFailed); err != nil {
		return nil, err
	}
	job.FailureNote = note
	job.FinishedAt = time.Now()
	if job.MinerID != "" {
		if m, err := c.registry.Release(job.MinerID, false); err == nil {
			if err := c.store.PutMiner(m); err != nil {
				return nil, err
			}
		}
	}
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}
	c.store.AppendEvent(&JobEvent{JobID: jobID, From: from, To: JobFailed, Note: note, Time: job.FinishedAt})
	metrics.JobsFailed.Inc()
	c.log.Warn("Job failed", "job", jobID, "note", note)
	return job, nil
}

// SweepOnce enforces the two job timers and the miner heartbeat timeout:
// ASSIGNED past T_assign goes back to QUEUED with the miner marked suspect,
// RUNNING past T_execute fails, and jobs held by freshly OFFLINE miners are
// requeued.
func (c *Coordinator) SweepOnce(now time.Time) {
	stale, err := c.registry.SweepOffline(now)
	if err != nil {
		c.log.Error("Offline sweep failed", "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offline := make(map[string]bool, len(stale))
	for _, m := range stale {
		offline[m.ID] = true
	}

	if assigned, err := c.store.JobsInState(JobAssigned); err == nil {
		for _, job := range assigned {
			expired := now.Sub(job.AssignedAt) > c.config.AssignTimeout()
			if !expired && !offline[job.MinerID] {
				continue
			}
			c.requeueLocked(job, "assignment not acknowledged")
		}
	}
	if running, err := c.store.JobsInState(JobRunning); err == nil {
		for _, job := range running {
			if offline[job.MinerID] {
				c.requeueLocked(job, "miner offline")
				continue
			}
			if now.Sub(job.StartedAt) > c.config.ExecuteTimeout() {
				c.failLocked(job.ID, "", "execution timeout")
			}
		}
	}
}

// requeueLocked reverts a job to QUEUED and charges the miner a failure.
// Callers hold c.mu.
func (c *Coordinator) requeueLocked(job *Job, note string) {
	from := job.State
	minerID := job.MinerID
	if err := job.transition(JobQueued); err != nil {
		// RUNNING cannot legally revert; fail it instead.
		c.failLocked(job.ID, "", note)
		return
	}
	job.MinerID = ""
	job.AssignedAt = time.Time{}
	if minerID != "" {
		if m, err := c.registry.Release(minerID, false); err == nil {
			c.store.PutMiner(m)
		}
	}
	if err := c.store.PutJob(job); err != nil {
		c.log.Error("Requeue persist failed", "job", job.ID, "err", err)
		return
	}
	c.store.AppendEvent(&JobEvent{JobID: job.ID, From: from, To: JobQueued, Note: note, Time: time.Now()})
	c.log.Warn("Job requeued", "job", job.ID, "miner", minerID, "note", note)
}
