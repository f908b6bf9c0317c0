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

// Package coordinator implements the job marketplace: admission, matching,
// miner tracking and the receipt pipeline that turns signed compute receipts
// into ledger transactions.
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/aitbc/go-aitbc/common"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobAssigned  JobState = "ASSIGNED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// ErrBadTransition is returned when a lifecycle change would move a job
// backwards or out of a terminal state.
var ErrBadTransition = errors.New("illegal job state transition")

// jobTransitions is the lifecycle DAG. Cancellation from non-terminal states
// is handled separately since it is legal from anywhere but the end.
var jobTransitions = map[JobState][]JobState{
	JobQueued:   {JobAssigned},
	JobAssigned: {JobRunning, JobQueued, JobFailed}, // back to QUEUED on assign timeout
	JobRunning:  {JobCompleted, JobFailed},
}

// Job is one unit of compute work. The input fields are immutable after
// submission; everything else is owned by the coordinator until the job is
// terminal.
type Job struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`

	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	Requirements []string `json:"requirements"`
	Priority     int      `json:"priority"`

	State       JobState    `json:"state"`
	MinerID     string      `json:"minerId,omitempty"`
	ReceiptID   common.Hash `json:"receiptId,omitempty"`
	Result      string      `json:"result,omitempty"`
	FailureNote string      `json:"failureNote,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
	AssignedAt  time.Time `json:"assignedAt,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job can change state again.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// transition moves the job to a new state, enforcing the lifecycle DAG.
func (j *Job) transition(to JobState) error {
	if to == JobCancelled {
		if j.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, j.State, to)
		}
		j.State = JobCancelled
		return nil
	}
	for _, allowed := range jobTransitions[j.State] {
		if allowed == to {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, j.State, to)
}

// JobEvent is one entry of a job's audit trail; every transition appends one.
type JobEvent struct {
	JobID string    `json:"jobId"`
	Seq   uint64    `json:"seq"`
	From  JobState  `json:"from"`
	To    JobState  `json:"to"`
	Note  string    `json:"note,omitempty"`
	Time  time.Time `json:"time"`
}

// queueLess orders QUEUED jobs for assignment: higher priority first, then
// earlier submission.
func queueLess(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}
