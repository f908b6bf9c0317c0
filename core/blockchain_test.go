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

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/core/rawdb"
	"github.com/aitbc/go-aitbc/core/types"
	"github.com/aitbc/go-aitbc/crypto"
	"github.com/aitbc/go-aitbc/params"
)

var (
	richAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	peerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testChainConfig() params.ChainConfig {
	cfg := params.DefaultChainConfig
	cfg.ChainID = "aitbc-test"
	cfg.ProposerID = "proposer-1"
	cfg.GenesisAlloc = map[string]uint64{richAddr.Hex(): 1_000_000}
	return cfg.Sanitize()
}

func newTestChain(t *testing.T) *BlockChain {
	t.Helper()
	bc, err := NewBlockChain(testChainConfig(), rawdb.NewMemoryDatabase())
	require.NoError(t, err)
	return bc
}

func transfer(nonce, amount, fee uint64) *types.Transaction {
	return &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    richAddr,
		Recipient: peerAddr,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Payload:   &types.Payload{Transfer: &types.TransferPayload{}},
	}
}

func sealOn(parent *types.Block, proposer string, txs types.Transactions) *types.Block {
	return types.NewBlock(parent.Height()+1, parent.Hash(), parent.Time()+1, proposer, txs)
}

func TestGenesisDeterministic(t *testing.T) {
	g1 := GenesisBlock("aitbc-test", map[string]uint64{richAddr.Hex(): 5})
	g2 := GenesisBlock("aitbc-test", map[string]uint64{richAddr.Hex(): 5})
	assert.Equal(t, g1.Hash(), g2.Hash())

	// Chain id and allocation both change the genesis hash.
	assert.NotEqual(t, g1.Hash(), GenesisBlock("aitbc-other", map[string]uint64{richAddr.Hex(): 5}).Hash())
	assert.NotEqual(t, g1.Hash(), GenesisBlock("aitbc-test", map[string]uint64{richAddr.Hex(): 6}).Hash())
}

func TestGenesisAllocFundsAccounts(t *testing.T) {
	bc := newTestChain(t)
	acc := bc.GetAccount(richAddr)
	assert.Equal(t, uint64(1_000_000), acc.Balance.Uint64())
	assert.Equal(t, uint64(0), acc.Nonce)
}

func TestInsertBlockAdvancesHead(t *testing.T) {
	bc := newTestChain(t)
	block := sealOn(bc.Genesis(), "proposer-1", types.Transactions{transfer(1, 100, 10)})
	require.NoError(t, bc.InsertBlock(block))

	head := bc.Head()
	assert.Equal(t, uint64(1), head.Height())
	assert.Equal(t, block.Hash(), head.Hash())

	assert.Equal(t, uint64(1_000_000-110), bc.GetAccount(richAddr).Balance.Uint64())
	assert.Equal(t, uint64(100), bc.GetAccount(peerAddr).Balance.Uint64())
}

func TestFirstBlockRequiresGenesisParent(t *testing.T) {
	bc := newTestChain(t)
	bogus := types.NewBlock(1, crypto.Sum256([]byte("not genesis")), 1, "proposer-1", nil)
	assert.ErrorIs(t, bc.InsertBlock(bogus), ErrInvalidParent)
}

func TestUntrustedProposerRefused(t *testing.T) {
	bc := newTestChain(t)
	block := sealOn(bc.Genesis(), "mallory", nil)
	assert.ErrorIs(t, bc.InsertBlock(block), ErrUntrustedProposer)
	assert.Equal(t, uint64(0), bc.Head().Height())
}

func TestGapRefused(t *testing.T) {
	bc := newTestChain(t)
	gap := types.NewBlock(3, crypto.Sum256([]byte("x")), 10, "proposer-1", nil)
	assert.ErrorIs(t, bc.InsertBlock(gap), ErrInvalidParent)
}

func TestKnownBlockAndConflictAtHeight(t *testing.T) {
	bc := newTestChain(t)
	block := sealOn(bc.Genesis(), "proposer-1", nil)
	require.NoError(t, bc.InsertBlock(block))

	assert.ErrorIs(t, bc.InsertBlock(block), ErrKnownBlock)

	// A different trusted block at the same height is a fork: refused,
	// local history untouched.
	other := types.NewBlock(1, bc.Genesis().Hash(), block.Time()+5, "proposer-1", nil)
	assert.ErrorIs(t, bc.InsertBlock(other), ErrConflict)
	assert.Equal(t, block.Hash(), bc.Head().Hash())
}

func TestTimestampMustAdvance(t *testing.T) {
	bc := newTestChain(t)
	stale := types.NewBlock(1, bc.Genesis().Hash(), bc.Genesis().Time(), "proposer-1", nil)
	assert.ErrorIs(t, bc.InsertBlock(stale), ErrInvalidTimestamp)
}

func TestTamperedHashRefused(t *testing.T) {
	bc := newTestChain(t)
	block := sealOn(bc.Genesis(), "proposer-1", nil)
	block.Header.Hash = crypto.Sum256([]byte("forged"))
	assert.ErrorIs(t, bc.InsertBlock(block), ErrInvalidHash)
}

func TestDuplicateTxRefused(t *testing.T) {
	bc := newTestChain(t)
	tx := transfer(1, 100, 10)
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", types.Transactions{tx})))

	// Same tx again in a later block must conflict.
	dup := sealOn(bc.Head(), "proposer-1", types.Transactions{transfer(1, 100, 10)})
	assert.ErrorIs(t, bc.InsertBlock(dup), ErrConflict)
}

func TestNonceMustIncrease(t *testing.T) {
	bc := newTestChain(t)
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", types.Transactions{transfer(5, 1, 1)})))

	stale := sealOn(bc.Head(), "proposer-1", types.Transactions{transfer(5, 2, 1)})
	assert.ErrorIs(t, bc.InsertBlock(stale), ErrConflict)

	ok := sealOn(bc.Head(), "proposer-1", types.Transactions{transfer(6, 2, 1)})
	assert.NoError(t, bc.InsertBlock(ok))
}

func TestOverdraftRefusedAtomically(t *testing.T) {
	bc := newTestChain(t)
	// First tx fits, second overdraws; the whole block must fail and no
	// partial state may stick.
	block := sealOn(bc.Genesis(), "proposer-1", types.Transactions{
		transfer(1, 500_000, 10),
		transfer(2, 600_000, 10),
	})
	assert.ErrorIs(t, bc.InsertBlock(block), ErrConflict)
	assert.Equal(t, uint64(0), bc.Head().Height())
	assert.Equal(t, uint64(1_000_000), bc.GetAccount(richAddr).Balance.Uint64())
	assert.False(t, bc.HasTx(block.Txs[0].Hash()))
}

func TestReceiptMintAtMostOnce(t *testing.T) {
	bc := newTestChain(t)
	receiptID := crypto.Sum256([]byte("receipt-1"))
	mint := func(nonce uint64) *types.Transaction {
		return &types.Transaction{
			ChainID:   "aitbc-test",
			Sender:    richAddr,
			Recipient: peerAddr,
			Amount:    5000,
			Fee:       1,
			Nonce:     nonce,
			Payload: &types.Payload{Receipt: &types.ReceiptRecord{
				ReceiptID: receiptID,
				JobID:     "job-1",
				Provider:  "miner-1",
				Units:     1000,
			}},
		}
	}
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", types.Transactions{mint(1)})))
	require.True(t, bc.HasReceipt(receiptID))

	// Mint payloads credit the recipient without debiting the sender's amount.
	assert.Equal(t, uint64(5000), bc.GetAccount(peerAddr).Balance.Uint64())
	assert.Equal(t, uint64(1_000_000-1), bc.GetAccount(richAddr).Balance.Uint64())

	// Re-minting the same receipt id conflicts.
	again := sealOn(bc.Head(), "proposer-1", types.Transactions{mint(2)})
	assert.ErrorIs(t, bc.InsertBlock(again), ErrConflict)

	rec, loc := bc.GetReceipt(receiptID)
	require.NotNil(t, rec)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, uint64(1), loc.BlockHeight)
}

func TestFilterCandidates(t *testing.T) {
	bc := newTestChain(t)
	minted := crypto.Sum256([]byte("receipt-1"))
	seed := &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    richAddr,
		Recipient: peerAddr,
		Amount:    5000,
		Fee:       1,
		Nonce:     1,
		Payload:   &types.Payload{Receipt: &types.ReceiptRecord{ReceiptID: minted, JobID: "job-1", Provider: "miner-1", Units: 1000}},
	}
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", types.Transactions{seed})))

	good := transfer(2, 100, 10)
	stale := transfer(1, 50, 5) // nonce consumed by the seed block
	broke := &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Recipient: peerAddr,
		Amount:    100,
		Fee:       5,
		Nonce:     1,
		Payload:   &types.Payload{Transfer: &types.TransferPayload{}},
	}
	remint := &types.Transaction{
		ChainID:   "aitbc-test",
		Sender:    richAddr,
		Recipient: peerAddr,
		Amount:    5000,
		Fee:       1,
		Nonce:     3,
		Payload:   &types.Payload{Receipt: &types.ReceiptRecord{ReceiptID: minted, JobID: "job-1", Provider: "miner-1", Units: 1000}},
	}

	kept, dropped := bc.FilterCandidates(types.Transactions{stale, good, broke, remint})
	require.Len(t, kept, 1)
	assert.Equal(t, good.Hash(), kept[0].Hash())
	assert.Len(t, dropped, 3)

	// Filtering is a dry run: nothing committed, nonces untouched.
	assert.Equal(t, uint64(1), bc.Head().Height())
	assert.Equal(t, uint64(1), bc.GetAccount(richAddr).Nonce)
	assert.False(t, bc.HasTx(good.Hash()))

	// The kept set seals as-is.
	require.NoError(t, bc.InsertBlock(sealOn(bc.Head(), "proposer-1", kept)))
	assert.True(t, bc.HasTx(good.Hash()))
}

func TestFilterCandidatesOverlayNonces(t *testing.T) {
	bc := newTestChain(t)

	// Two spends of the same nonce: the first in drain order wins, the
	// second is dropped against the overlay rather than committed state.
	first := transfer(1, 100, 10)
	second := transfer(1, 200, 5)
	follow := transfer(2, 100, 1)

	kept, dropped := bc.FilterCandidates(types.Transactions{first, second, follow})
	require.Len(t, kept, 2)
	assert.Equal(t, first.Hash(), kept[0].Hash())
	assert.Equal(t, follow.Hash(), kept[1].Hash())
	require.Len(t, dropped, 1)
	assert.Equal(t, second.Hash(), dropped[0].Hash())
}

func TestGetTransaction(t *testing.T) {
	bc := newTestChain(t)
	tx := transfer(1, 100, 10)
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", types.Transactions{tx})))

	got, loc := bc.GetTransaction(tx.Hash())
	require.NotNil(t, got)
	assert.Equal(t, tx.Hash(), got.Hash())
	assert.Equal(t, uint64(1), loc.BlockHeight)
	assert.Equal(t, 0, loc.Index)

	missing, _ := bc.GetTransaction(crypto.Sum256([]byte("missing")))
	assert.Nil(t, missing)
}

func TestHashIntegrityOverChain(t *testing.T) {
	bc := newTestChain(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bc.InsertBlock(sealOn(bc.Head(), "proposer-1", types.Transactions{transfer(i, 1, 1)})))
	}
	// Every stored block satisfies hash(canonical_encode(header)) == hash,
	// timestamps strictly increase and parents link.
	var prev *types.Block
	for i := uint64(0); i <= 5; i++ {
		block := bc.GetBlockByHeight(i)
		require.NotNil(t, block, "height %d", i)
		assert.Equal(t, block.Header.SealHash(), block.Hash())
		if prev != nil {
			assert.Equal(t, prev.Hash(), block.ParentHash())
			assert.Greater(t, block.Time(), prev.Time())
		}
		prev = block
	}
}

func TestChainReopenKeepsHead(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	cfg := testChainConfig()

	bc, err := NewBlockChain(cfg, db)
	require.NoError(t, err)
	require.NoError(t, bc.InsertBlock(sealOn(bc.Genesis(), "proposer-1", nil)))

	reopened, err := NewBlockChain(cfg, db)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reopened.Head().Height())
}

func TestChainIDMismatchRefused(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	cfg := testChainConfig()
	_, err := NewBlockChain(cfg, db)
	require.NoError(t, err)

	cfg.ChainID = "aitbc-other"
	_, err = NewBlockChain(cfg, db)
	assert.Error(t, err)
}
