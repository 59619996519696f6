// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// mapBacking is an in-memory utxo backing for tests.
type mapBacking map[wire.OutPoint]*UtxoEntry

func (m mapBacking) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	return m[outpoint], nil
}

// testScript returns a trivially spendable script unique to the provided
// seed byte.
func testScript(seed byte) []byte {
	return []byte{txscript.OP_DATA_1, seed, txscript.OP_DROP, txscript.OP_TRUE}
}

// testCoinbaseTx returns a coinbase paying the provided value.
func testCoinbaseTx(height int32, value int64) *wire.MsgTx {
	return &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  []byte{txscript.OP_DATA_1, byte(height)},
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{Value: value, PkScript: testScript(0xaa)}},
	}
}

// TestViewConnectDisconnectRoundTrip ensures that connecting a block's
// transactions to a view and then disconnecting them with the generated undo
// data restores the original state exactly, save the best block marker.
func TestViewConnectDisconnectRoundTrip(t *testing.T) {
	// The backing holds two spendable outputs created at height 1.
	prevOutA := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
	prevOutB := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 1}
	backing := make(mapBacking)
	for i, outpoint := range []wire.OutPoint{prevOutA, prevOutB} {
		entry, err := NewUtxoEntry(&wire.TxOut{
			Value:    10_0000_0000,
			PkScript: testScript(byte(i)),
		}, 1, 1546473660, false, false)
		if err != nil {
			t.Fatalf("NewUtxoEntry: %v", err)
		}
		backing[outpoint] = entry
	}

	// A block at height 2 with a coinbase and a transaction spending both
	// backing outputs into two new ones.
	spend := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: prevOutA, Sequence: wire.MaxTxInSequenceNum},
			{PreviousOutPoint: prevOutB, Sequence: wire.MaxTxInSequenceNum},
		},
		TxOut: []*wire.TxOut{
			{Value: 12_0000_0000, PkScript: testScript(0x10)},
			{Value: 7_0000_0000, PkScript: testScript(0x11)},
		},
	}
	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			PrevBlock: chainhash.Hash{0x02},
			Timestamp: time.Unix(1546473720, 0),
			Bits:      0x207fffff,
		},
		Transactions: []*wire.MsgTx{testCoinbaseTx(2, 10_0000_0000), spend},
	}
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(2)

	view := NewUtxoViewpoint(backing)
	view.SetBestHash(&msgBlock.Header.PrevBlock)

	undo := &blockUndoData{}
	blockTime := msgBlock.Header.Timestamp.Unix()
	for _, tx := range block.Transactions() {
		err := view.connectTransaction(tx, 2, blockTime, false, &undo.stxos)
		if err != nil {
			t.Fatalf("connectTransaction: %v", err)
		}
	}
	blockHash := block.Hash()
	view.SetBestHash(blockHash)

	// Both previous outputs must now be spent and the new outputs present.
	for _, outpoint := range []wire.OutPoint{prevOutA, prevOutB} {
		entry := view.LookupEntry(outpoint)
		if entry == nil || !entry.IsSpent() {
			t.Fatalf("output %v is not spent after connect", outpoint)
		}
	}
	spendHash := spend.TxHash()
	newOut := wire.OutPoint{Hash: spendHash, Index: 0}
	if entry := view.LookupEntry(newOut); entry == nil || entry.IsSpent() {
		t.Fatalf("created output %v is missing after connect", newOut)
	}

	// The undo data must record one spent output per spent input.
	if len(undo.stxos) != 2 {
		t.Fatalf("unexpected number of spent outputs: got %d, want 2",
			len(undo.stxos))
	}

	// Serialization of the undo data must round trip.
	serialized, err := serializeBlockUndoData(undo)
	if err != nil {
		t.Fatalf("serializeBlockUndoData: %v", err)
	}
	reloaded, err := deserializeBlockUndoData(serialized)
	if err != nil {
		t.Fatalf("deserializeBlockUndoData: %v", err)
	}
	if len(reloaded.stxos) != len(undo.stxos) {
		t.Fatalf("undo data did not round trip: %s", spew.Sdump(reloaded))
	}

	// Disconnect and verify the original state is restored.
	unclean, err := view.disconnectTransactions(block, reloaded)
	if err != nil {
		t.Fatalf("disconnectTransactions: %v", err)
	}
	if unclean {
		t.Fatal("disconnect of a cleanly connected block reported unclean")
	}
	for _, outpoint := range []wire.OutPoint{prevOutA, prevOutB} {
		entry := view.LookupEntry(outpoint)
		if entry == nil || entry.IsSpent() {
			t.Fatalf("output %v was not restored by disconnect", outpoint)
		}
		if entry.Amount() != 10_0000_0000 {
			t.Fatalf("restored output %v has amount %d", outpoint,
				entry.Amount())
		}
		if entry.BlockHeight() != 1 {
			t.Fatalf("restored output %v has height %d", outpoint,
				entry.BlockHeight())
		}
	}
	for outIdx := range spend.TxOut {
		outpoint := wire.OutPoint{Hash: spendHash, Index: uint32(outIdx)}
		entry := view.LookupEntry(outpoint)
		if entry != nil && !entry.IsSpent() {
			t.Fatalf("created output %v survived disconnect", outpoint)
		}
	}
	if *view.BestHash() != msgBlock.Header.PrevBlock {
		t.Fatalf("best hash was not moved back: %v", view.BestHash())
	}
}

// TestViewMissingInput ensures spending an unknown output fails with the
// missing output rule error.
func TestViewMissingInput(t *testing.T) {
	view := NewUtxoViewpoint(make(mapBacking))
	tx := btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x42}},
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{Value: 1, PkScript: testScript(0x01)}},
	})
	err := view.connectTransaction(tx, 5, 0, false, nil)
	if !isRuleErrorKind(err, ErrMissingTxOut) {
		t.Fatalf("unexpected error: %v", err)
	}
}

// isRuleErrorKind returns whether the provided error is a rule error with
// the provided kind.
func isRuleErrorKind(err error, kind ErrorKind) bool {
	var ruleErr RuleError
	return errors.As(err, &ruleErr) && ruleErr.Err == kind
}
