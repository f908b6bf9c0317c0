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

package rpcapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core"
	"github.com/aitbc/go-aitbc/core/mempool"
	"github.com/aitbc/go-aitbc/core/rawdb"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/netsync"
	"github.com/aitbc/go-aitbc/params"
)

var (
	richAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	peerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type testBackend struct {
	chain *core.BlockChain
	pool  mempool.Pool
	peers []netsync.PeerStatus
}

func (b *testBackend) Chain() *core.BlockChain         { return b.chain }
func (b *testBackend) TxPool() mempool.Pool            { return b.pool }
func (b *testBackend) Mining() bool                    { return true }
func (b *testBackend) BreakerState() string            { return "closed" }
func (b *testBackend) SyncPeers() []netsync.PeerStatus { return b.peers }

func newTestAPI(t *testing.T) (*API, *testBackend) {
	t.Helper()
	cfg := params.DefaultChainConfig
	cfg.ChainID = "aitbc-test"
	cfg.ProposerID = "proposer-1"
	cfg.MinFee = 2
	cfg.GenesisAlloc = map[string]uint64{richAddr.Hex(): 1_000_000}
	cfg = cfg.Sanitize()

	chain, err := core.NewBlockChain(cfg, rawdb.NewMemoryDatabase())
	require.NoError(t, err)
	pool := mempool.NewMemoryPool(mempool.Config{
		ChainID:    cfg.ChainID,
		MinFee:     cfg.MinFee,
		MaxSize:    100,
		MaxTxBytes: int(cfg.MaxBlockSizeBytes),
	})
	backend := &testBackend{
		chain: chain,
		pool:  pool,
		peers: []netsync.PeerStatus{{Endpoint: "http://peer:8545"}},
	}
	return New(backend), backend
}

func transfer(nonce, fee uint64) *types.Transaction {
	return &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    richAddr,
		Recipient: peerAddr,
		Amount:    100,
		Fee:       fee,
		Nonce:     nonce,
		Payload:   &types.Payload{Transfer: &types.TransferPayload{}},
	}
}

func sealNext(t *testing.T, chain *core.BlockChain, txs types.Transactions) *types.Block {
	t.Helper()
	parent := chain.Head()
	block := types.NewBlock(parent.Height()+1, parent.Hash(), parent.Time()+1, "proposer-1", txs)
	require.NoError(t, chain.InsertBlock(block))
	return block
}

func do(api *API, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := do(api, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestHeadAndBlockLookup(t *testing.T) {
	api, backend := newTestAPI(t)
	block := sealNext(t, backend.chain, nil)

	rec := do(api, http.MethodGet, "/rpc/head", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	head, err := types.DecodeBlock(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), head.Hash())

	rec = do(api, http.MethodGet, "/rpc/blocks/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The same block resolves by hash.
	rec = do(api, http.MethodGet, "/rpc/blocks/"+block.Hash().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byHash, err := types.DecodeBlock(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), byHash.Hash())

	rec = do(api, http.MethodGet, "/rpc/blocks/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(http.StatusNotFound), body["code"])
	assert.NotEmpty(t, body["error"])

	missing := common.BytesToHash([]byte("missing"))
	rec = do(api, http.MethodGet, "/rpc/blocks/"+missing.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(api, http.MethodGet, "/rpc/blocks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBlocks(t *testing.T) {
	api, backend := newTestAPI(t)
	for i := 0; i < 5; i++ {
		sealNext(t, backend.chain, nil)
	}

	rec := do(api, http.MethodGet, "/rpc/blocks?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks []*types.Block
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	require.Len(t, blocks, 3)
	// Newest first.
	assert.Equal(t, uint64(5), blocks[0].Height())
	assert.Equal(t, uint64(3), blocks[2].Height())

	rec = do(api, http.MethodGet, "/rpc/blocks?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendTx(t *testing.T) {
	api, backend := newTestAPI(t)

	tx := transfer(1, 5)
	rec := do(api, http.MethodPost, "/rpc/sendTx", tx.CanonicalEncode())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, backend.pool.Size())

	// Same tx again: duplicate.
	rec = do(api, http.MethodPost, "/rpc/sendTx", tx.CanonicalEncode())
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Below the fee floor (MinFee = 2).
	rec = do(api, http.MethodPost, "/rpc/sendTx", transfer(2, 1).CanonicalEncode())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, backend.pool.Size())

	rec = do(api, http.MethodPost, "/rpc/sendTx", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendTxPoolClosed(t *testing.T) {
	api, backend := newTestAPI(t)
	require.NoError(t, backend.pool.Close())

	rec := do(api, http.MethodPost, "/rpc/sendTx", transfer(1, 5).CanonicalEncode())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTransaction(t *testing.T) {
	api, backend := newTestAPI(t)
	tx := transfer(1, 5)
	sealNext(t, backend.chain, types.Transactions{tx})

	rec := do(api, http.MethodGet, "/rpc/tx/"+tx.Hash().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["blockHeight"])

	rec = do(api, http.MethodGet, "/rpc/tx/0xdead", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := common.BytesToHash([]byte("missing"))
	rec = do(api, http.MethodGet, "/rpc/tx/"+missing.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReceipt(t *testing.T) {
	api, backend := newTestAPI(t)
	receiptID := common.BytesToHash([]byte("receipt-1"))
	tx := &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    richAddr,
		Recipient: peerAddr,
		Amount:    5000,
		Fee:       2,
		Nonce:     1,
		Payload: &types.Payload{Receipt: &types.ReceiptRecord{
			ReceiptID: receiptID,
			JobID:     "job-1",
			Provider:  "miner-1",
			Units:     1000,
		}},
	}
	sealNext(t, backend.chain, types.Transactions{tx})

	rec := do(api, http.MethodGet, "/rpc/receipts/"+receiptID.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "job-1", body["receipt"].(map[string]any)["jobId"])

	missing := common.BytesToHash([]byte("other"))
	rec = do(api, http.MethodGet, "/rpc/receipts/"+missing.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	api, backend := newTestAPI(t)

	// A peer ahead of the local head means the node is catching up.
	backend.peers = []netsync.PeerStatus{{Endpoint: "http://peer:8545", Height: 2}}
	rec := do(api, http.MethodGet, "/rpc/syncStatus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["mining"])
	assert.Equal(t, "closed", body["breakerState"])
	assert.Equal(t, true, body["catching_up"])
	assert.Len(t, body["peers"], 1)

	// Caught up once the head reaches the best peer height.
	sealNext(t, backend.chain, nil)
	sealNext(t, backend.chain, nil)
	rec = do(api, http.MethodGet, "/rpc/syncStatus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["height"])
	assert.Equal(t, false, body["catching_up"])
}

func TestImportBlock(t *testing.T) {
	api, backend := newTestAPI(t)

	parent := backend.chain.Head()
	block := types.NewBlock(1, parent.Hash(), parent.Time()+1, "proposer-1", nil)
	enc, err := types.EncodeBlock(block)
	require.NoError(t, err)

	rec := do(api, http.MethodPost, "/rpc/blocks/import", enc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "imported", decodeBody(t, rec)["status"])

	// Re-importing the same block is idempotent.
	rec = do(api, http.MethodPost, "/rpc/blocks/import", enc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "known", decodeBody(t, rec)["status"])

	// A different block at the occupied height conflicts.
	fork := types.NewBlock(1, parent.Hash(), parent.Time()+9, "proposer-1", nil)
	enc, err = types.EncodeBlock(fork)
	require.NoError(t, err)
	rec = do(api, http.MethodPost, "/rpc/blocks/import", enc)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Untrusted proposer.
	foreign := types.NewBlock(2, block.Hash(), block.Time()+1, "mallory", nil)
	enc, err = types.EncodeBlock(foreign)
	require.NoError(t, err)
	rec = do(api, http.MethodPost, "/rpc/blocks/import", enc)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Gap.
	gap := types.NewBlock(9, block.Hash(), block.Time()+1, "proposer-1", nil)
	enc, err = types.EncodeBlock(gap)
	require.NoError(t, err)
	rec = do(api, http.MethodPost, "/rpc/blocks/import", enc)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(api, http.MethodPost, "/rpc/blocks/import", []byte("nope"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorBodyShape(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := do(api, http.MethodGet, fmt.Sprintf("/rpc/blocks/%d", 404), nil)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "error")
	assert.Contains(t, body, "code")
}
