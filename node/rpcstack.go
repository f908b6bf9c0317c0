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
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
)

// limiterCacheSize bounds how many per-IP token buckets are kept; evicted
// clients simply start with a fresh bucket.
const limiterCacheSize = 4096

// ipRateLimiter hands out one token bucket per remote IP.
type ipRateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache // ip -> *rate.Limiter
}

func newIPRateLimiter(limit float64, burst int) *ipRateLimiter {
	cache, _ := lru.New(limiterCacheSize)
	return &ipRateLimiter{limit: rate.Limit(limit), burst: burst, buckets: cache}
}

func (rl *ipRateLimiter) allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	if cached, ok := rl.buckets.Get(ip); ok {
		return cached.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.buckets.Add(ip, limiter)
	return limiter.Allow()
}

// middleware rejects over-limit requests with 429 and a Retry-After hint.
func (rl *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr) {
			metrics.RPCRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded","code":429}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// httpServer is the node's single HTTP listener: rate limiting and CORS are
// layered outside the route table.
type httpServer struct {
	endpoint string
	server   *http.Server
	listener net.Listener
	log      log.Logger
}

func newHTTPServer(host string, port int, corsOrigins []string, rateLimit float64, rateBurst int, handler http.Handler) *httpServer {
	handler = newIPRateLimiter(rateLimit, rateBurst).middleware(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(handler)

	endpoint := fmt.Sprintf("%s:%d", host, port)
	return &httpServer{
		endpoint: endpoint,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.New("module", "http"),
	}
}

// start binds the listener and serves in the background.
func (h *httpServer) start() error {
	listener, err := net.Listen("tcp", h.endpoint)
	if err != nil {
		return fmt.Errorf("binding %s: %w", h.endpoint, err)
	}
	h.listener = listener
	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.log.Error("HTTP server failed", "err", err)
		}
	}()
	h.log.Info("HTTP server started", "endpoint", listener.Addr())
	return nil
}

// stop drains in-flight requests before returning, bounded by ctx.
func (h *httpServer) stop(ctx context.Context) error {
	if h.listener == nil {
		return nil
	}
	err := h.server.Shutdown(ctx)
	h.log.Info("HTTP server stopped", "endpoint", h.listener.Addr())
	return err
}
