// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
)

// newTestStore returns a block store rooted in a temporary directory.
func newTestStore(t *testing.T) *blockStore {
	t.Helper()

	store, err := newBlockStore(t.TempDir(), chaincfg.RegNetParams.Net)
	if err != nil {
		t.Fatalf("newBlockStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testStoreBlock returns a minimal block whose contents vary by the seed.
func testStoreBlock(seed byte, height int32) *btcutil.Block {
	block := btcutil.NewBlock(&wire.MsgBlock{
		Header: wire.BlockHeader{
			PrevBlock: chainhash.Hash{seed},
			Timestamp: time.Unix(1546473600, 0),
			Bits:      0x207fffff,
			Nonce:     uint32(seed),
		},
		Transactions: []*wire.MsgTx{testCoinbaseTx(height, int64(seed)*100)},
	})
	block.SetHeight(height)
	return block
}

// TestBlockStoreRoundTrip ensures blocks and undo records survive a write
// and read through the framed flat files, including the undo checksum.
func TestBlockStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	block := testStoreBlock(1, 7)
	loc, err := store.WriteBlock(block)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	reloaded, err := store.ReadBlock(loc)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if *reloaded.Hash() != *block.Hash() {
		t.Fatalf("reread block hash mismatch: got %v, want %v",
			reloaded.Hash(), block.Hash())
	}

	prevHash := chainhash.Hash{0x33}
	undoPayload := []byte{0xde, 0xad, 0xbe, 0xef}
	undoLoc, err := store.WriteUndo(undoPayload, &prevHash, loc.file)
	if err != nil {
		t.Fatalf("WriteUndo: %v", err)
	}
	rereadUndo, err := store.ReadUndo(undoLoc, &prevHash)
	if err != nil {
		t.Fatalf("ReadUndo: %v", err)
	}
	if string(rereadUndo) != string(undoPayload) {
		t.Fatalf("undo payload mismatch: got %x", rereadUndo)
	}

	// Reading the undo record against the wrong predecessor hash must fail
	// the integrity check.
	wrongHash := chainhash.Hash{0x34}
	if _, err := store.ReadUndo(undoLoc, &wrongHash); !isRuleErrorKind(err, ErrUndoDataCorrupt) {
		t.Fatalf("unexpected error for corrupt undo read: %v", err)
	}
}

// TestBlockStorePrunedReads ensures reads from removed file pairs fail with
// the pruned-block error kind.
func TestBlockStorePrunedReads(t *testing.T) {
	store := newTestStore(t)

	block := testStoreBlock(2, 3)
	loc, err := store.WriteBlock(block)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	// Force rotation so the written file is prunable, then prune it.
	store.mtx.Lock()
	store.curFile++
	store.mtx.Unlock()
	if err := store.RemoveFilesThrough(loc.file); err != nil {
		t.Fatalf("RemoveFilesThrough: %v", err)
	}

	if _, err := store.ReadBlock(loc); !isRuleErrorKind(err, ErrPrunedBlock) {
		t.Fatalf("unexpected error for pruned block read: %v", err)
	}
	if _, err := store.ReadUndo(loc, &chainhash.Hash{}); !isRuleErrorKind(err, ErrPrunedBlock) {
		t.Fatalf("unexpected error for pruned undo read: %v", err)
	}
}
