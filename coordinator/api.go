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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/julienschmidt/httprouter"

	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/metrics"
)

// tokenLifetime is how long a miner session token stays valid; miners
// re-register to refresh.
const tokenLifetime = 24 * time.Hour

const apiMaxBody = 1 << 20

// API serves the coordinator's /v1 surface. Client endpoints authenticate
// with X-Api-Key; miner endpoints carry a bearer token issued at
// registration.
type API struct {
	coord   *Coordinator
	apiKeys map[string]struct{}
	secret  []byte
}

// NewAPI creates the API over a coordinator.
func NewAPI(coord *Coordinator) *API {
	keys := make(map[string]struct{}, len(coord.config.APIKeys))
	for _, k := range coord.config.APIKeys {
		keys[k] = struct{}{}
	}
	if coord.config.JWTSecret == "" {
		coord.log.Warn("JWT_SECRET not set, miner sessions are unauthenticated")
	}
	return &API{coord: coord, apiKeys: keys, secret: []byte(coord.config.JWTSecret)}
}

// Router builds the /v1 route table. Miner POST routes share one subtree
// because the result path carries a job id where the other paths carry a
// verb.
func (api *API) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		metrics.Handler().ServeHTTP(w, r)
	})

	router.POST("/v1/jobs", api.withAPIKey(api.submitJob))
	router.GET("/v1/jobs/:id", api.withAPIKey(api.jobStatus))
	router.GET("/v1/jobs/:id/result", api.withAPIKey(api.jobResult))
	router.GET("/v1/jobs/:id/receipts", api.withAPIKey(api.jobReceipts))
	router.POST("/v1/jobs/:id/cancel", api.withAPIKey(api.cancelJob))

	router.GET("/v1/miners/poll", api.withMiner(api.pollJobs))
	router.POST("/v1/miners/*rest", api.minerDispatch)
	return router
}

// minerDispatch routes the miner POST subtree: register, heartbeat, and
// {job_id}/result.
func (api *API) minerDispatch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rest := strings.Trim(ps.ByName("rest"), "/")
	switch {
	case rest == "register":
		api.withAPIKey(api.register)(w, r, ps)
	case rest == "heartbeat":
		api.withMiner(api.heartbeat)(w, r, ps)
	case strings.HasSuffix(rest, "/result"):
		jobID := strings.TrimSuffix(rest, "/result")
		api.withMiner(func(w http.ResponseWriter, r *http.Request, minerID string) {
			api.submitResult(w, r, minerID, jobID)
		})(w, r, ps)
	default:
		writeError(w, http.StatusNotFound, "no such endpoint")
	}
}

// withAPIKey guards a client endpoint. With no keys configured the surface
// is open, which is the development default.
func (api *API) withAPIKey(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if len(api.apiKeys) > 0 {
			if _, ok := api.apiKeys[r.Header.Get("X-Api-Key")]; !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
		}
		h(w, r, ps)
	}
}

type minerHandle func(w http.ResponseWriter, r *http.Request, minerID string)

// withMiner authenticates a miner endpoint from its session token.
func (api *API) withMiner(h minerHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		minerID, err := api.minerFromToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, minerID)
	}
}

func (api *API) minerFromToken(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	claims := new(jwt.RegisteredClaims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return api.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid session token")
	}
	return claims.Subject, nil
}

// issueToken mints a miner session token.
func (api *API) issueToken(minerID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.RegisteredClaims{
		Subject:   minerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	})
	return token.SignedString(api.secret)
}

type submitJobRequest struct {
	ClientID     string   `json:"clientId"`
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	Requirements []string `json:"requirements,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

func (api *API) submitJob(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := api.coord.SubmitJob(req.ClientID, req.Model, req.Prompt, req.Requirements, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (api *API) jobStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := api.coord.GetJob(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *API) jobResult(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := api.coord.GetJob(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.State != JobCompleted {
		writeError(w, http.StatusConflict, "job is "+string(job.State))
		return
	}
	receipt, err := api.coord.store.GetReceipt(job.ReceiptID)
	if err != nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "receipt": receipt})
}

func (api *API) jobReceipts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	history, err := api.coord.ReceiptHistory(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (api *API) cancelJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := api.coord.CancelJob(ps.ByName("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type registerRequest struct {
	ID            string   `json:"id"`
	PubKey        string   `json:"pubKey"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"maxConcurrentJobs"`
}

func (api *API) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := &Miner{
		ID:            req.ID,
		PubKeyHex:     req.PubKey,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
	}
	if err := api.coord.Registry().Register(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := api.issueToken(m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"miner": m, "token": token})
}

type heartbeatRequest struct {
	State       MinerState `json:"state,omitempty"`
	StartedJobs []string   `json:"startedJobs,omitempty"`
}

func (api *API) heartbeat(w http.ResponseWriter, r *http.Request, minerID string) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := api.coord.Registry().Heartbeat(minerID, req.State)
	switch {
	case errors.Is(err, ErrUnknownMiner):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.StartedJobs) > 0 {
		api.coord.StartJobs(minerID, req.StartedJobs)
	}
	writeJSON(w, http.StatusOK, m)
}

func (api *API) pollJobs(w http.ResponseWriter, r *http.Request, minerID string) {
	jobs, err := api.coord.AssignedJobs(minerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type resultRequest struct {
	Receipt *types.SignedReceipt `json:"receipt,omitempty"`
	Failed  bool                 `json:"failed,omitempty"`
	Note    string               `json:"note,omitempty"`
}

func (api *API) submitResult(w http.ResponseWriter, r *http.Request, minerID, jobID string) {
	var req resultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Failed {
		job, err := api.coord.FailJob(minerID, jobID, req.Note)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	if req.Receipt == nil {
		writeError(w, http.StatusBadRequest, "missing receipt")
		return
	}
	rec, err := api.coord.ProcessReceipt(minerID, jobID, req.Receipt)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, rec)
	case errors.Is(err, ErrDuplicateReceipt):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, types.ErrSignatureInvalid), errors.Is(err, types.ErrUnknownSigner),
		errors.Is(err, ErrReceiptMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBody))
	if err != nil {
		return errors.New("unreadable body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
