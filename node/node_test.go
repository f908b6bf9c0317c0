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

package node

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitbc/go-aitbc/params"
)

func testNodeConfig(t *testing.T) params.ChainConfig {
	t.Helper()
	cfg := params.DefaultChainConfig
	cfg.ChainID = "aitbc-test"
	cfg.DBPath = t.TempDir()
	cfg.HTTPHost = "127.0.0.1"
	cfg.HTTPPort = 0 // ephemeral
	return cfg.Sanitize()
}

func TestNodeLifecycle(t *testing.T) {
	n, err := New(testNodeConfig(t))
	require.NoError(t, err)
	require.NoError(t, n.Start())

	assert.True(t, n.Mining())
	res, err := http.Get("http://" + n.HTTPEndpoint() + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, n.Close())
	assert.False(t, n.Mining())
}

func TestDatadirSingleOwner(t *testing.T) {
	cfg := testNodeConfig(t)
	n, err := New(cfg)
	require.NoError(t, err)
	defer n.Close()

	// A second node over the same datadir must fail on the lock.
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestDurableBackendSelected(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.MempoolBackend = "durable"
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Close())
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	rl := newIPRateLimiter(1, 2)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/rpc/head", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])

	// A different IP gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/rpc/head", nil)
	req.RemoteAddr = "10.0.0.2:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitedResponseHasRetryAfter(t *testing.T) {
	rl := newIPRateLimiter(1, 1)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/rpc/head", nil)
		req.RemoteAddr = "10.0.0.3:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 1 {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
}
