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

// Package params holds the immutable runtime configuration of the blockchain
// node and the coordinator. Configuration is loaded from the environment once
// at startup and passed explicitly into each subsystem; there is no mutable
// process-wide settings object.
package params

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/aitbc/go-aitbc/log"
)

// ChainConfig is the configuration of a blockchain node. Field defaults keep
// a zero-environment developer run working out of the box.
type ChainConfig struct {
	ChainID    string `envconfig:"CHAIN_ID" default:"aitbc-dev"`
	DBPath     string `envconfig:"DB_PATH" default:"aitbc-data"`
	ProposerID string `envconfig:"PROPOSER_ID" default:"proposer-1"`

	BlockTimeSeconds  uint64 `envconfig:"BLOCK_TIME_SECONDS" default:"5"`
	MaxBlockSizeBytes uint64 `envconfig:"MAX_BLOCK_SIZE_BYTES" default:"1048576"`
	MaxTxsPerBlock    uint64 `envconfig:"MAX_TXS_PER_BLOCK" default:"500"`
	MinFee            uint64 `envconfig:"MIN_FEE" default:"1"`

	MempoolBackend string `envconfig:"MEMPOOL_BACKEND" default:"memory"`
	MempoolMaxSize uint64 `envconfig:"MEMPOOL_MAX_SIZE" default:"10000"`

	CircuitBreakerThreshold uint64 `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"3"`
	CircuitBreakerTimeout   uint64 `envconfig:"CIRCUIT_BREAKER_TIMEOUT" default:"60"`

	TrustedProposers []string `envconfig:"TRUSTED_PROPOSERS"`
	MaxReorgDepth    uint64   `envconfig:"MAX_REORG_DEPTH" default:"64"`

	CrossSiteRemoteEndpoints []string `envconfig:"CROSS_SITE_REMOTE_ENDPOINTS"`
	CrossSitePollInterval    uint64   `envconfig:"CROSS_SITE_POLL_INTERVAL" default:"10"`

	HTTPHost string `envconfig:"RPC_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"RPC_PORT" default:"8545"`

	// RateLimit is the sustained requests-per-second budget per remote IP,
	// RateBurst the bucket depth.
	RateLimit float64 `envconfig:"RPC_RATE_LIMIT" default:"50"`
	RateBurst int     `envconfig:"RPC_RATE_BURST" default:"100"`

	CorsOrigins []string `envconfig:"RPC_CORS_ORIGINS" default:"*"`

	// GenesisAlloc seeds account balances at genesis, keyed by 0x address.
	// The coordinator address must be funded here so it can pay transaction
	// fees on receipt-record submissions.
	GenesisAlloc map[string]uint64 `envconfig:"GENESIS_ALLOC"`
}

// DefaultChainConfig contains the default configuration of a node.
var DefaultChainConfig = ChainConfig{
	ChainID:                 "aitbc-dev",
	DBPath:                  "aitbc-data",
	ProposerID:              "proposer-1",
	BlockTimeSeconds:        5,
	MaxBlockSizeBytes:       1048576,
	MaxTxsPerBlock:          500,
	MinFee:                  1,
	MempoolBackend:          "memory",
	MempoolMaxSize:          10000,
	CircuitBreakerThreshold: 3,
	CircuitBreakerTimeout:   60,
	MaxReorgDepth:           64,
	CrossSitePollInterval:   10,
	HTTPHost:                "0.0.0.0",
	HTTPPort:                8545,
	RateLimit:               50,
	RateBurst:               100,
	CorsOrigins:             []string{"*"},
}

// LoadChainConfig reads the node configuration from the environment.
func LoadChainConfig() (ChainConfig, error) {
	var cfg ChainConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("loading chain config: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize checks the provided configuration and changes anything that is
// unreasonable or unworkable, logging each adjustment.
func (cfg ChainConfig) Sanitize() ChainConfig {
	if cfg.BlockTimeSeconds < 1 {
		log.Warn("Sanitizing invalid block time", "provided", cfg.BlockTimeSeconds, "updated", DefaultChainConfig.BlockTimeSeconds)
		cfg.BlockTimeSeconds = DefaultChainConfig.BlockTimeSeconds
	}
	if cfg.MaxTxsPerBlock < 1 {
		log.Warn("Sanitizing invalid block tx cap", "provided", cfg.MaxTxsPerBlock, "updated", DefaultChainConfig.MaxTxsPerBlock)
		cfg.MaxTxsPerBlock = DefaultChainConfig.MaxTxsPerBlock
	}
	if cfg.MaxBlockSizeBytes < 1024 {
		log.Warn("Sanitizing invalid block size cap", "provided", cfg.MaxBlockSizeBytes, "updated", DefaultChainConfig.MaxBlockSizeBytes)
		cfg.MaxBlockSizeBytes = DefaultChainConfig.MaxBlockSizeBytes
	}
	if cfg.MempoolMaxSize < 1 {
		log.Warn("Sanitizing invalid mempool cap", "provided", cfg.MempoolMaxSize, "updated", DefaultChainConfig.MempoolMaxSize)
		cfg.MempoolMaxSize = DefaultChainConfig.MempoolMaxSize
	}
	if cfg.CircuitBreakerThreshold < 1 {
		log.Warn("Sanitizing invalid breaker threshold", "provided", cfg.CircuitBreakerThreshold, "updated", DefaultChainConfig.CircuitBreakerThreshold)
		cfg.CircuitBreakerThreshold = DefaultChainConfig.CircuitBreakerThreshold
	}
	if cfg.MaxReorgDepth < 1 {
		log.Warn("Sanitizing invalid reorg depth", "provided", cfg.MaxReorgDepth, "updated", DefaultChainConfig.MaxReorgDepth)
		cfg.MaxReorgDepth = DefaultChainConfig.MaxReorgDepth
	}
	if cfg.MempoolBackend != "memory" && cfg.MempoolBackend != "durable" {
		log.Warn("Sanitizing unknown mempool backend", "provided", cfg.MempoolBackend, "updated", "memory")
		cfg.MempoolBackend = "memory"
	}
	// The local proposer is always trusted; a site importing its own blocks
	// back from a peer must not refuse them.
	if !contains(cfg.TrustedProposers, cfg.ProposerID) {
		cfg.TrustedProposers = append(cfg.TrustedProposers, cfg.ProposerID)
	}
	return cfg
}

// BlockTime returns the proposer cadence as a duration.
func (cfg ChainConfig) BlockTime() time.Duration {
	return time.Duration(cfg.BlockTimeSeconds) * time.Second
}

// BreakerTimeout returns the circuit breaker cooldown as a duration.
func (cfg ChainConfig) BreakerTimeout() time.Duration {
	return time.Duration(cfg.CircuitBreakerTimeout) * time.Second
}

// PollInterval returns the cross-site poll cadence as a duration.
func (cfg ChainConfig) PollInterval() time.Duration {
	return time.Duration(cfg.CrossSitePollInterval) * time.Second
}

// IsTrustedProposer reports whether id may seal blocks accepted by this site.
func (cfg ChainConfig) IsTrustedProposer(id string) bool {
	return contains(cfg.TrustedProposers, id)
}

// CoordinatorConfig is the configuration of the coordinator service.
type CoordinatorConfig struct {
	ChainID string `envconfig:"CHAIN_ID" default:"aitbc-dev"`

	// DatabaseURL locates the coordinator's embedded store. A bare path is
	// used directly; a leveldb:// URL is stripped to its path.
	DatabaseURL string `envconfig:"DATABASE_URL" default:"coordinator-data"`

	JWTSecret string   `envconfig:"JWT_SECRET"`
	APIKeys   []string `envconfig:"API_KEYS"`

	// ReceiptSigningKeyHex and ReceiptAttestationKeyHex are hex Ed25519
	// private keys. An empty attestation key disables attestation; an empty
	// signing key disables chain submission entirely (receipts are still
	// validated and stored).
	ReceiptSigningKeyHex     string `envconfig:"RECEIPT_SIGNING_KEY_HEX"`
	ReceiptAttestationKeyHex string `envconfig:"RECEIPT_ATTESTATION_KEY_HEX"`

	NodeRPCURL string `envconfig:"NODE_RPC_URL" default:"http://127.0.0.1:8545"`
	ChainFee   uint64 `envconfig:"COORDINATOR_CHAIN_FEE" default:"1"`

	HTTPHost string `envconfig:"COORDINATOR_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"COORDINATOR_PORT" default:"8080"`

	RateLimit   float64  `envconfig:"COORDINATOR_RATE_LIMIT" default:"50"`
	RateBurst   int      `envconfig:"COORDINATOR_RATE_BURST" default:"100"`
	CorsOrigins []string `envconfig:"COORDINATOR_CORS_ORIGINS" default:"*"`

	AssignTimeoutSeconds    uint64 `envconfig:"JOB_ASSIGN_TIMEOUT" default:"60"`
	ExecuteTimeoutSeconds   uint64 `envconfig:"JOB_EXECUTE_TIMEOUT" default:"600"`
	HeartbeatTimeoutSeconds uint64 `envconfig:"MINER_HEARTBEAT_TIMEOUT" default:"90"`
	SweepIntervalSeconds    uint64 `envconfig:"SWEEP_INTERVAL" default:"15"`
	MatchIntervalSeconds    uint64 `envconfig:"MATCH_INTERVAL" default:"2"`
}

// DefaultCoordinatorConfig contains the default coordinator configuration.
var DefaultCoordinatorConfig = CoordinatorConfig{
	ChainID:                 "aitbc-dev",
	DatabaseURL:             "coordinator-data",
	NodeRPCURL:              "http://127.0.0.1:8545",
	ChainFee:                1,
	HTTPHost:                "0.0.0.0",
	HTTPPort:                8080,
	RateLimit:               50,
	RateBurst:               100,
	CorsOrigins:             []string{"*"},
	AssignTimeoutSeconds:    60,
	ExecuteTimeoutSeconds:   600,
	HeartbeatTimeoutSeconds: 90,
	SweepIntervalSeconds:    15,
	MatchIntervalSeconds:    2,
}

// LoadCoordinatorConfig reads the coordinator configuration from the
// environment.
func LoadCoordinatorConfig() (CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("loading coordinator config: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize checks the provided configuration and adjusts unworkable values.
func (cfg CoordinatorConfig) Sanitize() CoordinatorConfig {
	if cfg.AssignTimeoutSeconds < 1 {
		log.Warn("Sanitizing invalid assign timeout", "provided", cfg.AssignTimeoutSeconds, "updated", DefaultCoordinatorConfig.AssignTimeoutSeconds)
		cfg.AssignTimeoutSeconds = DefaultCoordinatorConfig.AssignTimeoutSeconds
	}
	if cfg.ExecuteTimeoutSeconds < 1 {
		log.Warn("Sanitizing invalid execute timeout", "provided", cfg.ExecuteTimeoutSeconds, "updated", DefaultCoordinatorConfig.ExecuteTimeoutSeconds)
		cfg.ExecuteTimeoutSeconds = DefaultCoordinatorConfig.ExecuteTimeoutSeconds
	}
	if cfg.HeartbeatTimeoutSeconds < 1 {
		log.Warn("Sanitizing invalid heartbeat timeout", "provided", cfg.HeartbeatTimeoutSeconds, "updated", DefaultCoordinatorConfig.HeartbeatTimeoutSeconds)
		cfg.HeartbeatTimeoutSeconds = DefaultCoordinatorConfig.HeartbeatTimeoutSeconds
	}
	if cfg.SweepIntervalSeconds < 1 {
		cfg.SweepIntervalSeconds = DefaultCoordinatorConfig.SweepIntervalSeconds
	}
	if cfg.MatchIntervalSeconds < 1 {
		cfg.MatchIntervalSeconds = DefaultCoordinatorConfig.MatchIntervalSeconds
	}
	return cfg
}

// AssignTimeout returns T_assign as a duration.
func (cfg CoordinatorConfig) AssignTimeout() time.Duration {
	return time.Duration(cfg.AssignTimeoutSeconds) * time.Second
}

// ExecuteTimeout returns T_execute as a duration.
func (cfg CoordinatorConfig) ExecuteTimeout() time.Duration {
	return time.Duration(cfg.ExecuteTimeoutSeconds) * time.Second
}

// HeartbeatTimeout returns T_heartbeat as a duration.
func (cfg CoordinatorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
}

// SweepInterval returns T_sweep as a duration.
func (cfg CoordinatorConfig) SweepInterval() time.Duration {
	return time.Duration(cfg.SweepIntervalSeconds) * time.Second
}

// MatchInterval returns the matcher tick cadence as a duration.
func (cfg CoordinatorConfig) MatchInterval() time.Duration {
	return time.Duration(cfg.MatchIntervalSeconds) * time.Second
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
