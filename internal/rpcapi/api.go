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

// Package rpcapi implements the node's public JSON-over-HTTP interface.
package rpcapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core"
	"github.com/aitbc/go-aitbc/core/mempool"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/metrics"
	"github.com/aitbc/go-aitbc/netsync"
)

// maxBodyBytes caps request bodies; nothing on this surface legitimately
// exceeds it.
const maxBodyBytes = 4 << 20

// listLimitCap bounds the batch size of the block listing endpoint.
const listLimitCap = 100

// Backend is what the API needs from the node.
type Backend interface {
	Chain() *core.BlockChain
	TxPool() mempool.Pool
	Mining() bool
	BreakerState() string
	SyncPeers() []netsync.PeerStatus
}

// API serves the /rpc surface.
type API struct {
	backend Backend
	log     log.Logger
}

// New creates the API over a backend.
func New(backend Backend) *API {
	return &API{backend: backend, log: log.New("module", "rpc")}
}

// Router builds the route table. The metrics endpoint is mounted here too so
// one listener carries the whole node surface.
func (api *API) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/health", api.instrument("health", api.health))
	router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		metrics.Handler().ServeHTTP(w, r)
	})

	router.GET("/rpc/head", api.instrument("head", api.head))
	router.GET("/rpc/blocks", api.instrument("blocks", api.listBlocks))
	router.GET("/rpc/blocks/:ref", api.instrument("block", api.blockByRef))
	router.GET("/rpc/tx/:hash", api.instrument("tx", api.transaction))
	router.GET("/rpc/receipts/:id", api.instrument("receipt", api.receipt))
	router.GET("/rpc/syncStatus", api.instrument("syncStatus", api.syncStatus))
	router.POST("/rpc/sendTx", api.instrument("sendTx", api.sendTx))
	router.POST("/rpc/blocks/import", api.instrument("import", api.importBlock))
	return router
}

func (api *API) instrument(op string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.RPCRequests.WithLabelValues(op).Inc()
		h(w, r, ps)
	}
}

func (api *API) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"height": api.backend.Chain().Head().Height(),
	})
}

func (api *API) head(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, api.backend.Chain().Head())
}

// listBlocks returns the most recent blocks, newest first, capped by ?limit.
func (api *API) listBlocks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > listLimitCap {
		limit = listLimitCap
	}

	chain := api.backend.Chain()
	head := chain.Head().Height()
	blocks := make([]*types.Block, 0, limit)
	for height := head; len(blocks) < limit; height-- {
		block := chain.GetBlockByHeight(height)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
		if height == 0 {
			break
		}
	}
	writeJSON(w, http.StatusOK, blocks)
}

// blockByRef resolves /rpc/blocks/{ref}, where ref is a decimal height or a
// 0x-prefixed block hash.
func (api *API) blockByRef(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ref := ps.ByName("ref")
	chain := api.backend.Chain()

	var block *types.Block
	if raw, err := common.ParseHexBytes(ref, common.HashLength); err == nil {
		block = chain.GetBlockByHash(common.BytesToHash(raw))
	} else {
		height, err := strconv.ParseUint(ref, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid block reference")
			return
		}
		block = chain.GetBlockByHeight(height)
	}
	if block == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (api *API) transaction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	raw, err := common.ParseHexBytes(ps.ByName("hash"), common.HashLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	tx, loc := api.backend.Chain().GetTransaction(common.BytesToHash(raw))
	if tx == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"blockHash":   loc.BlockHash,
		"blockHeight": loc.BlockHeight,
		"index":       loc.Index,
	})
}

func (api *API) receipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	raw, err := common.ParseHexBytes(ps.ByName("id"), common.HashLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}
	rec, loc := api.backend.Chain().GetReceipt(common.BytesToHash(raw))
	if rec == nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":     rec,
		"blockHash":   loc.BlockHash,
		"blockHeight": loc.BlockHeight,
		"txHash":      loc.TxHash,
	})
}

func (api *API) syncStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	head := api.backend.Chain().Head()
	peers := api.backend.SyncPeers()
	catchingUp := false
	for _, p := range peers {
		if p.Height > head.Height() {
			catchingUp = true
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"height":       head.Height(),
		"headHash":     head.Hash(),
		"catching_up":  catchingUp,
		"mining":       api.backend.Mining(),
		"breakerState": api.backend.BreakerState(),
		"mempoolSize":  api.backend.TxPool().Size(),
		"peers":        peers,
	})
}

func (api *API) sendTx(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	tx, err := types.DecodeTransaction(body)
	if err != nil {
		metrics.SendTxRejected.Inc()
		writeError(w, http.StatusBadRequest, "malformed transaction")
		return
	}
	switch err := api.backend.TxPool().Add(tx); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"txHash": tx.Hash()})
	case errors.Is(err, mempool.ErrDuplicate):
		metrics.SendTxRejected.Inc()
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mempool.ErrPoolFull), errors.Is(err, mempool.ErrClosed):
		metrics.SendTxRejected.Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		// Fee floor and validation failures are the caller's fault.
		metrics.SendTxRejected.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// importBlock is the cross-site ingestion endpoint. Imported blocks run the
// exact same validation as locally sealed ones.
func (api *API) importBlock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	block, err := types.DecodeBlock(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed block")
		return
	}
	switch err := api.backend.Chain().InsertBlock(block); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "imported", "height": block.Height()})
	case errors.Is(err, core.ErrKnownBlock):
		writeJSON(w, http.StatusOK, map[string]any{"status": "known", "height": block.Height()})
	case errors.Is(err, core.ErrUntrustedProposer):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, core.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the stable error body shared by every endpoint.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
