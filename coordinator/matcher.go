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
	"hash/fnv"
	"math/rand"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Matcher ranks eligible miners for a job: capability superset, a free slot,
// then (score desc, heartbeat desc). Ties beyond that are broken by a random
// order seeded from the job id, so matching is reproducible for a given job
// without being globally biased toward any miner.
type Matcher struct{}

// requirements derives the capability set a job demands. The model is itself
// a capability: a miner must advertise it to run the job.
func requirements(job *Job) mapset.Set[string] {
	req := mapset.NewThreadUnsafeSet[string]()
	if job.Model != "" {
		req.Add(job.Model)
	}
	for _, r := range job.Requirements {
		req.Add(r)
	}
	return req
}

// Match returns the eligible miners for the job in preference order, or an
// empty slice when none qualify. The job stays QUEUED on an empty result and
// is retried on the next tick.
func (Matcher) Match(job *Job, miners []*Miner) []*Miner {
	req := requirements(job)

	eligible := make([]*Miner, 0, len(miners))
	for _, m := range miners {
		if !m.HasSlot() {
			continue
		}
		caps := mapset.NewThreadUnsafeSet(m.Capabilities...)
		if !req.IsSubset(caps) {
			continue
		}
		eligible = append(eligible, m)
	}

	tiebreak := make(map[string]int, len(eligible))
	seed := fnv.New64a()
	seed.Write([]byte(job.ID))
	order := rand.New(rand.NewSource(int64(seed.Sum64())))
	for rank, i := range order.Perm(len(eligible)) {
		tiebreak[eligible[i].ID] = rank
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if as, bs := a.Score(), b.Score(); as != bs {
			return as > bs
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		return tiebreak[a.ID] < tiebreak[b.ID]
	})
	return eligible
}
