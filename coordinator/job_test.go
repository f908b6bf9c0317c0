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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycleDAG(t *testing.T) {
	job := &Job{State: JobQueued}
	require.NoError(t, job.transition(JobAssigned))
	require.NoError(t, job.transition(JobRunning))
	require.NoError(t, job.transition(JobCompleted))
	assert.True(t, job.Terminal())

	// Terminal states never move again.
	assert.ErrorIs(t, job.transition(JobQueued), ErrBadTransition)
	assert.ErrorIs(t, job.transition(JobCancelled), ErrBadTransition)
}

func TestJobNoSkippingStates(t *testing.T) {
	job := &Job{State: JobQueued}
	assert.ErrorIs(t, job.transition(JobRunning), ErrBadTransition)
	assert.ErrorIs(t, job.transition(JobCompleted), ErrBadTransition)
}

func TestJobAssignTimeoutReverts(t *testing.T) {
	job := &Job{State: JobAssigned}
	require.NoError(t, job.transition(JobQueued))
	assert.Equal(t, JobQueued, job.State)
}

func TestJobCancelFromAnyNonTerminal(t *testing.T) {
	for _, state := range []JobState{JobQueued, JobAssigned, JobRunning} {
		job := &Job{State: state}
		require.NoError(t, job.transition(JobCancelled), "from %s", state)
	}
	job := &Job{State: JobFailed}
	assert.ErrorIs(t, job.transition(JobCancelled), ErrBadTransition)
}

func TestQueueOrdering(t *testing.T) {
	early := &Job{ID: "a", Priority: 0, SubmittedAt: testTime(1)}
	late := &Job{ID: "b", Priority: 0, SubmittedAt: testTime(2)}
	urgent := &Job{ID: "c", Priority: 5, SubmittedAt: testTime(3)}

	assert.True(t, queueLess(urgent, early))
	assert.True(t, queueLess(early, late))
	assert.False(t, queueLess(late, early))
}
