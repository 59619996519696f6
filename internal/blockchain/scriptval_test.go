// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// engineCheck builds a script check for a transaction spending a single
// output locked by the provided script.
func engineCheck(t *testing.T, pkScript []byte) *scriptCheck {
	t.Helper()

	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x55}, Index: 0}
	tx := btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: prevOut,
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{Value: 1000, PkScript: testScript(0x01)}},
	})

	prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevFetcher.AddPrevOut(prevOut, &wire.TxOut{
		Value:    2000,
		PkScript: pkScript,
	})
	return &scriptCheck{
		tx:          tx,
		txInIdx:     0,
		pkScript:    pkScript,
		amount:      2000,
		flags:       0,
		sigHashes:   txscript.NewTxSigHashes(tx.MsgTx(), prevFetcher),
		prevFetcher: prevFetcher,
	}
}

// TestScriptEngineInline ensures the inline (zero worker) mode runs checks
// and reports success and failure correctly, including the short-circuit of
// pushes after a failure.
func TestScriptEngineInline(t *testing.T) {
	engine := NewScriptCheckEngine(0, 100, 100, [32]byte{0x01})
	defer engine.Shutdown()

	// A trivially true script must pass.
	engine.PushBatch([]*scriptCheck{engineCheck(t, []byte{txscript.OP_TRUE})})
	if err := engine.Wait(); err != nil {
		t.Fatalf("trivially true script failed: %v", err)
	}

	// A trivially false script must fail the batch.
	engine.PushBatch([]*scriptCheck{engineCheck(t, []byte{txscript.OP_FALSE})})
	// Further pushes after a failure are dropped.
	engine.PushBatch([]*scriptCheck{engineCheck(t, []byte{txscript.OP_TRUE})})
	err := engine.Wait()
	if !isRuleErrorKind(err, ErrScriptValidation) {
		t.Fatalf("unexpected batch error: %v", err)
	}

	// The failure must not leak into the next batch.
	engine.PushBatch([]*scriptCheck{engineCheck(t, []byte{txscript.OP_TRUE})})
	if err := engine.Wait(); err != nil {
		t.Fatalf("batch state leaked a failure: %v", err)
	}
}

// TestScriptEngineWorkers ensures a worker pool drains a batch and reports
// an aggregated verdict.
func TestScriptEngineWorkers(t *testing.T) {
	engine := NewScriptCheckEngine(4, 100, 100, [32]byte{0x02})
	defer engine.Shutdown()

	checks := make([]*scriptCheck, 0, 64)
	for i := 0; i < 64; i++ {
		checks = append(checks, engineCheck(t, []byte{txscript.OP_TRUE}))
	}
	engine.PushBatch(checks)
	if err := engine.Wait(); err != nil {
		t.Fatalf("64 trivially true checks failed: %v", err)
	}

	// One bad check buried in a batch must fail the whole batch.
	checks = checks[:0]
	for i := 0; i < 32; i++ {
		checks = append(checks, engineCheck(t, []byte{txscript.OP_TRUE}))
	}
	checks = append(checks, engineCheck(t, []byte{txscript.OP_FALSE}))
	engine.PushBatch(checks)
	if err := engine.Wait(); err == nil {
		t.Fatal("batch with a failing check reported success")
	}
}

// TestValidationCache ensures the content-addressed validation cache honors
// its bound with random eviction and distinguishes flags.
func TestValidationCache(t *testing.T) {
	cache := newValidationCache([32]byte{0x03}, 8)

	var wtxid chainhash.Hash
	wtxid[0] = 0x77
	keyA := cache.key(&wtxid, 0)
	keyB := cache.key(&wtxid, txscript.ScriptBip16)
	if keyA == keyB {
		t.Fatal("cache keys must differ for different flags")
	}

	cache.Add(keyA)
	if !cache.Contains(keyA) {
		t.Fatal("cache lost a just-added key")
	}
	if cache.Contains(keyB) {
		t.Fatal("cache reports a key that was never added")
	}

	// Overfill the cache and ensure the bound holds.
	for i := byte(0); i < 32; i++ {
		var h chainhash.Hash
		h[0] = i
		cache.Add(cache.key(&h, 0))
	}
	if len(cache.entries) > 8 {
		t.Fatalf("cache exceeded its bound: %d entries", len(cache.entries))
	}
}
