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

// Package metrics defines the prometheus series exported by the node and the
// coordinator. All collectors live on a single registry scraped at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

// Block production.
var (
	BlocksProposed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocks_proposed_total",
		Help: "Blocks sealed by the local proposer.",
	})
	ChainHeadHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chain_head_height",
		Help: "Height of the local chain head.",
	})
	ProposerRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poa_proposer_running",
		Help: "Whether the proposer loop is running (0/1).",
	})
	TxsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proposer_txs_discarded_total",
		Help: "Drained mempool candidates discarded as unsealable during block assembly.",
	})
)

// Mempool.
var (
	MempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mempool_size",
		Help: "Pending transactions in the mempool.",
	})
	MempoolTxAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mempool_tx_added_total",
		Help: "Transactions admitted to the mempool.",
	})
	MempoolTxDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mempool_tx_drained_total",
		Help: "Transactions drained from the mempool into blocks.",
	})
	MempoolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mempool_evictions_total",
		Help: "Transactions evicted from the mempool.",
	})
)

// Circuit breaker.
var (
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open).",
	})
	BreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Transitions of the circuit breaker into the open state.",
	})
	BlocksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocks_skipped_circuit_breaker_total",
		Help: "Proposer ticks skipped while the circuit breaker was open.",
	})
)

// RPC.
var (
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "RPC requests served, by operation.",
	}, []string{"op"})
	RPCRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_rate_limited_total",
		Help: "RPC requests refused by the per-IP rate limiter.",
	})
	SendTxRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_send_tx_rejected_total",
		Help: "sendTx submissions rejected by mempool admission.",
	})
)

// Cross-site sync.
var (
	CrossSiteImports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cross_site_imports_total",
		Help: "Foreign block import attempts, by outcome.",
	}, []string{"outcome"})
)

// Coordinator.
var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_jobs_submitted_total",
		Help: "Jobs accepted by the coordinator.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_jobs_completed_total",
		Help: "Jobs that reached the COMPLETED state.",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_jobs_failed_total",
		Help: "Jobs that reached the FAILED state.",
	})
	ReceiptsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_receipts_stored_total",
		Help: "Receipts validated and persisted by the coordinator.",
	})
	ReceiptsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_receipts_rejected_total",
		Help: "Receipts rejected by the validation pipeline, by reason.",
	}, []string{"reason"})
)

func init() {
	registry.MustRegister(
		BlocksProposed, ChainHeadHeight, ProposerRunning, TxsDiscarded,
		MempoolSize, MempoolTxAdded, MempoolTxDrained, MempoolEvictions,
		BreakerState, BreakerTrips, BlocksSkipped,
		RPCRequests, RPCRateLimited, SendTxRejected,
		CrossSiteImports,
		JobsSubmitted, JobsCompleted, JobsFailed, ReceiptsStored, ReceiptsRejected,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
