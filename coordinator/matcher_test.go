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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTime(n int64) time.Time { return time.Unix(1_700_000_000+n, 0) }

func availableMiner(id string, caps ...string) *Miner {
	return &Miner{
		ID:            id,
		Capabilities:  caps,
		MaxConcurrent: 1,
		State:         MinerAvailable,
		LastHeartbeat: testTime(0),
	}
}

func TestMatcherCapabilitySubset(t *testing.T) {
	var matcher Matcher
	job := &Job{ID: "job-1", Model: "llama3.2", Requirements: []string{"gpu-a100"}}

	miners := []*Miner{
		availableMiner("fits", "llama3.2", "gpu-a100", "extra"),
		availableMiner("no-model", "gpu-a100"),
		availableMiner("no-gpu", "llama3.2"),
	}
	got := matcher.Match(job, miners)
	require.Len(t, got, 1)
	assert.Equal(t, "fits", got[0].ID)
}

func TestMatcherSkipsBusyAndOffline(t *testing.T) {
	var matcher Matcher
	job := &Job{ID: "job-1", Model: "llama3.2"}

	busy := availableMiner("busy", "llama3.2")
	busy.CurrentJobs = 1 // at MaxConcurrent
	offline := availableMiner("offline", "llama3.2")
	offline.State = MinerOffline
	maint := availableMiner("maint", "llama3.2")
	maint.State = MinerMaintenance

	assert.Empty(t, matcher.Match(job, []*Miner{busy, offline, maint}))
}

func TestMatcherOrdering(t *testing.T) {
	var matcher Matcher
	job := &Job{ID: "job-1", Model: "llama3.2"}

	strong := availableMiner("strong", "llama3.2")
	strong.Completed = 9
	strong.Failed = 1 // score 90
	weak := availableMiner("weak", "llama3.2")
	weak.Completed = 1
	weak.Failed = 1 // score 50
	fresh := availableMiner("fresh", "llama3.2")
	fresh.Completed = 1
	fresh.Failed = 1
	fresh.LastHeartbeat = testTime(100)

	got := matcher.Match(job, []*Miner{weak, fresh, strong})
	require.Len(t, got, 3)
	assert.Equal(t, "strong", got[0].ID)
	// Equal scores fall back to heartbeat freshness.
	assert.Equal(t, "fresh", got[1].ID)
	assert.Equal(t, "weak", got[2].ID)
}

func TestMatcherTiebreakDeterministicPerJob(t *testing.T) {
	var matcher Matcher
	miners := func() []*Miner {
		return []*Miner{
			availableMiner("m1", "llama3.2"),
			availableMiner("m2", "llama3.2"),
			availableMiner("m3", "llama3.2"),
		}
	}
	job := &Job{ID: "job-1", Model: "llama3.2"}

	first := matcher.Match(job, miners())
	second := matcher.Match(job, miners())
	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}
