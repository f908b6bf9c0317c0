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

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aitbc/go-aitbc/common"
	"github.com/aitbc/go-aitbc/crypto"
)

func testTx(nonce uint64) *Transaction {
	return &Transaction{
		ChainID:   "aitbc-test",
		Sender:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:    100,
		Fee:       10,
		Nonce:     nonce,
		Payload:   &Payload{Transfer: &TransferPayload{Memo: "hi"}},
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tx := &Transaction{
			ChainID:   "aitbc-test",
			Sender:    common.BytesToAddress(rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(rt, "sender").([]byte)),
			Recipient: common.BytesToAddress(rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(rt, "recipient").([]byte)),
			Amount:    rapid.Uint64().Draw(rt, "amount").(uint64),
			Fee:       rapid.Uint64().Draw(rt, "fee").(uint64),
			Nonce:     rapid.Uint64().Draw(rt, "nonce").(uint64),
			Payload:   &Payload{Transfer: &TransferPayload{Memo: rapid.String().Draw(rt, "memo").(string)}},
		}
		dec, err := DecodeTransaction(tx.CanonicalEncode())
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if string(dec.CanonicalEncode()) != string(tx.CanonicalEncode()) {
			rt.Fatalf("round trip not canonical")
		}
		if dec.Hash() != tx.Hash() {
			rt.Fatalf("hash changed across round trip")
		}
	})
}

func TestTransactionHashDeterministic(t *testing.T) {
	tx1, tx2 := testTx(7), testTx(7)
	assert.Equal(t, tx1.Hash(), tx2.Hash())

	tx3 := testTx(8)
	assert.NotEqual(t, tx1.Hash(), tx3.Hash())
}

func TestPayloadUnknownVariantRejected(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"type":"stake","stake":{}}`), &p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

func TestPayloadReceiptRequiresBody(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"type":"receipt"}`), &p)
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

func TestPayloadRoundTrip(t *testing.T) {
	rec := &Payload{Receipt: &ReceiptRecord{
		ReceiptID: crypto.Sum256([]byte("r")),
		JobID:     "job-1",
		Provider:  "miner-1",
		Units:     42,
	}}
	enc, err := json.Marshal(rec)
	require.NoError(t, err)

	var dec Payload
	require.NoError(t, json.Unmarshal(enc, &dec))
	require.NotNil(t, dec.Receipt)
	assert.Equal(t, rec.Receipt.ReceiptID, dec.Receipt.ReceiptID)
	assert.Equal(t, PayloadReceipt, dec.Type())
}

func TestSanityCheckWrongChain(t *testing.T) {
	tx := testTx(1)
	require.NoError(t, tx.SanityCheck("aitbc-test"))
	assert.Error(t, tx.SanityCheck("other-chain"))
}

func testReceiptPayload() *ReceiptPayload {
	return &ReceiptPayload{
		JobID:       "job-1",
		Provider:    "miner-1",
		Client:      "client-1",
		Units:       1000,
		UnitType:    "tokens",
		UnitPrice:   5,
		Model:       "llama3.2",
		StartedAt:   1700000000000,
		CompletedAt: 1700000005000,
		ResultHash:  crypto.Sum256([]byte("result")),
		ChainID:     "aitbc-test",
	}
}

func TestReceiptIDContentAddressed(t *testing.T) {
	p1, p2 := testReceiptPayload(), testReceiptPayload()
	assert.Equal(t, p1.ID(), p2.ID())

	p2.Units++
	assert.NotEqual(t, p1.ID(), p2.ID())

	dec, err := DecodeReceiptPayload(p1.CanonicalEncode())
	require.NoError(t, err)
	assert.Equal(t, p1.ID(), dec.ID())
}

func TestReceiptSignVerify(t *testing.T) {
	pub, priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	p := testReceiptPayload()
	sig := SignReceipt(p, SigKindMiner, "miner-1", priv)
	require.NoError(t, VerifyReceiptSig(p, sig, pub))

	// Any payload mutation invalidates the signature.
	p.UnitPrice++
	assert.ErrorIs(t, VerifyReceiptSig(p, sig, pub), ErrSignatureInvalid)
}

func TestTrustSetVerify(t *testing.T) {
	pub, priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	p := testReceiptPayload()
	sig := SignReceipt(p, SigKindMiner, "miner-1", priv)

	trust := TrustSet{"miner-1": pub}
	require.NoError(t, trust.Verify(p, sig))

	sig.Signer = "miner-2"
	assert.ErrorIs(t, trust.Verify(p, sig), ErrUnknownSigner)

	sig.Signer = "miner-1"
	sig.Bytes[0] ^= 0xff
	assert.ErrorIs(t, trust.Verify(p, sig), ErrSignatureInvalid)
}

func TestReceiptTotalAmountOverflow(t *testing.T) {
	p := testReceiptPayload()
	amount, err := p.TotalAmount()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), amount)

	p.Units = 1 << 40
	p.UnitPrice = 1 << 40
	_, err = p.TotalAmount()
	assert.Error(t, err)
}

func TestBlockSealAndVerify(t *testing.T) {
	parent := crypto.Sum256([]byte("parent"))
	block := NewBlock(5, parent, 1700000000, "proposer-1", Transactions{testTx(1), testTx(2)})

	require.NoError(t, block.VerifySeal())
	assert.Equal(t, uint64(5), block.Height())
	assert.Equal(t, parent, block.ParentHash())

	// Tampering with the body breaks the tx root.
	block.Txs = append(block.Txs, testTx(3))
	assert.Error(t, block.VerifySeal())
}

func TestBlockHashCoversHeader(t *testing.T) {
	block := NewBlock(1, common.EmptyHash, 100, "proposer-1", nil)
	require.NoError(t, block.VerifySeal())

	block.Header.Time++
	assert.Error(t, block.VerifySeal())
}

func TestTxRootOrderDependent(t *testing.T) {
	a, b := testTx(1), testTx(2)
	assert.NotEqual(t, DeriveTxRoot(Transactions{a, b}), DeriveTxRoot(Transactions{b, a}))
}

func TestBlockRoundTrip(t *testing.T) {
	block := NewBlock(9, crypto.Sum256([]byte("p")), 123, "proposer-1", Transactions{testTx(1)})
	enc, err := EncodeBlock(block)
	require.NoError(t, err)

	dec, err := DecodeBlock(enc)
	require.NoError(t, err)
	require.NoError(t, dec.VerifySeal())
	assert.Equal(t, block.Hash(), dec.Hash())
	require.Len(t, dec.Txs, 1)
	assert.Equal(t, block.Txs[0].Hash(), dec.Txs[0].Hash())
}
