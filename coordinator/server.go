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
	"github.com/aitbc/go-aitbc/params"
)

// Server is the coordinator's HTTP listener with the same outer stack as the
// node's RPC: per-IP token buckets inside a CORS wrapper.
type Server struct {
	endpoint string
	server   *http.Server
	listener net.Listener
	log      log.Logger
}

// NewServer wraps the API router for serving.
func NewServer(config params.CoordinatorConfig, handler http.Handler) *Server {
	buckets, _ := lru.New(4096)
	limit := rate.Limit(config.RateLimit)
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		var limiter *rate.Limiter
		if cached, ok := buckets.Get(ip); ok {
			limiter = cached.(*rate.Limiter)
		} else {
			limiter = rate.NewLimiter(limit, config.RateBurst)
			buckets.Add(ip, limiter)
		}
		if !limiter.Allow() {
			metrics.RPCRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded","code":429}`, http.StatusTooManyRequests)
			return
		}
		handler.ServeHTTP(w, r)
	})
	wrapped := cors.New(cors.Options{
		AllowedOrigins: config.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(limited)

	return &Server{
		endpoint: fmt.Sprintf("%s:%d", config.HTTPHost, config.HTTPPort),
		server:   &http.Server{Handler: wrapped, ReadHeaderTimeout: 5 * time.Second},
		log:      log.New("module", "coordapi"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.endpoint, err)
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	s.log.Info("Coordinator API started", "endpoint", listener.Addr())
	return nil
}

// Stop drains in-flight requests, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
