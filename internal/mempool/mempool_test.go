// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
	"github.com/emberproject/emberd/internal/blockchain"
	"github.com/stretchr/testify/require"
)

// mapBacking is an in-memory utxo backing for the harness chain.
type mapBacking map[wire.OutPoint]*blockchain.UtxoEntry

func (m mapBacking) FetchEntry(outpoint wire.OutPoint) (*blockchain.UtxoEntry, error) {
	return m[outpoint], nil
}

// poolHarness provides a harness that includes functionality for creating
// and signing transactions as well as a fake chain that provides utxos for
// use in generating valid transactions.
type poolHarness struct {
	t       *testing.T
	backing mapBacking
	txPool  *TxPool
}

// spendableScript is the trivially spendable script all harness outputs use.
var spendableScript = []byte{txscript.OP_TRUE}

// newPoolHarness returns a new instance of a pool harness initialized with a
// fake chain containing the provided number of spendable outputs of the
// provided value.
func newPoolHarness(t *testing.T, numOutputs int, value int64, tweak func(*Config)) (*poolHarness, []wire.OutPoint) {
	t.Helper()

	backing := make(mapBacking)
	outpoints := make([]wire.OutPoint, 0, numOutputs)
	for i := 0; i < numOutputs; i++ {
		outpoint := wire.OutPoint{
			Hash:  chainhash.Hash{0xfa, byte(i)},
			Index: uint32(i),
		}
		entry, err := blockchain.NewUtxoEntry(&wire.TxOut{
			Value:    value,
			PkScript: spendableScript,
		}, 50, 1546473600, false, false)
		require.NoError(t, err)
		backing[outpoint] = entry
		outpoints = append(outpoints, outpoint)
	}

	harness := &poolHarness{t: t, backing: backing}
	cfg := &Config{
		ChainParams: &chaincfg.RegNetParams,
		ChainLock:   new(sync.RWMutex),
		BestSnapshot: func() *blockchain.BestState {
			return &blockchain.BestState{
				Height:     100,
				MedianTime: time.Now().Add(-time.Hour).Unix(),
			}
		},
		FetchUtxoView: harness.fetchUtxoView,
		CalcSequenceLock: func(*btcutil.Tx, *blockchain.UtxoViewpoint) (*blockchain.SequenceLock, error) {
			return &blockchain.SequenceLock{Seconds: -1, BlockHeight: -1}, nil
		},
		CheckTransactionInputs: harness.checkTransactionInputs,
		CheckTransactionScripts: func(*btcutil.Tx, *blockchain.UtxoViewpoint, txscript.ScriptFlags) error {
			return nil
		},
		SigOpCost: func(*btcutil.Tx, *blockchain.UtxoViewpoint) (int, error) {
			return 1, nil
		},
		MinRelayTxFee: 0,
	}
	if tweak != nil {
		tweak(cfg)
	}
	harness.txPool = New(cfg)
	return harness, outpoints
}

// fetchUtxoView loads the utxos relevant to the provided transaction from
// the harness backing.
func (h *poolHarness) fetchUtxoView(tx *btcutil.Tx) (*blockchain.UtxoViewpoint, error) {
	view := blockchain.NewUtxoViewpoint(h.backing)
	outpoint := wire.OutPoint{Hash: *tx.Hash()}
	for txOutIdx := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		if _, err := view.FetchEntry(outpoint); err != nil {
			return nil, err
		}
	}
	for _, txIn := range tx.MsgTx().TxIn {
		if _, err := view.FetchEntry(txIn.PreviousOutPoint); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// checkTransactionInputs verifies input availability against the provided
// view and returns the implied fee.
func (h *poolHarness) checkTransactionInputs(tx *btcutil.Tx, _ int32, view *blockchain.UtxoViewpoint) (int64, error) {
	var totalIn, totalOut int64
	for _, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			return 0, fmt.Errorf("missing input %v", txIn.PreviousOutPoint)
		}
		totalIn += entry.Amount()
	}
	for _, txOut := range tx.MsgTx().TxOut {
		totalOut += txOut.Value
	}
	return totalIn - totalOut, nil
}

// spendTx returns a transaction spending the provided outpoint into a single
// output of the provided value.
func spendTx(outpoint wire.OutPoint, value int64) *btcutil.Tx {
	return btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: outpoint,
			SignatureScript:  []byte{txscript.OP_DATA_1, 0x51},
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{Value: value, PkScript: spendableScript}},
	})
}

// TestAncestorLimit builds a chain of dependent unconfirmed transactions and
// ensures the transaction exceeding the ancestor limit is rejected with the
// too-long-mempool-chain reason while all prior ones are accepted.
func TestAncestorLimit(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 1, 1_000_000, nil)

	prevOut := outpoints[0]
	value := int64(1_000_000)
	for i := 0; i < DefaultMaxAncestors; i++ {
		tx := spendTx(prevOut, value)
		_, err := harness.txPool.ProcessTransaction(tx)
		require.NoErrorf(t, err, "transaction %d of the chain", i+1)
		prevOut = wire.OutPoint{Hash: *tx.Hash(), Index: 0}
	}
	require.Equal(t, DefaultMaxAncestors, harness.txPool.Count())

	// The 26th dependent transaction busts the limit.
	tx := spendTx(prevOut, value)
	_, err := harness.txPool.ProcessTransaction(tx)
	require.ErrorIs(t, err, ErrTooLongMempoolChain)
	require.Contains(t, err.Error(), "too-long-mempool-chain")
	require.Equal(t, DefaultMaxAncestors, harness.txPool.Count())
}

// TestMempoolConflict ensures that with replacement disabled a transaction
// spending an outpoint already spent in the pool is rejected and the
// original entry is retained, regardless of the fee offered.
func TestMempoolConflict(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 1, 1_000_000, nil)

	tx1 := spendTx(outpoints[0], 1_000_000)
	_, err := harness.txPool.ProcessTransaction(tx1)
	require.NoError(t, err)

	// A higher fee does not matter: replacement is disabled.
	tx2 := spendTx(outpoints[0], 998_000)
	_, err = harness.txPool.ProcessTransaction(tx2)
	require.ErrorIs(t, err, ErrMempoolConflict)
	require.Contains(t, err.Error(), "txn-mempool-conflict")

	require.True(t, harness.txPool.HaveTransaction(tx1.Hash()))
	require.False(t, harness.txPool.HaveTransaction(tx2.Hash()))
}

// TestReplacement ensures the feature-gated replacement policy admits a
// conflicting transaction only when it pays strictly more and evicts the
// replaced entry and its descendants.
func TestReplacement(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 1, 1_000_000, func(cfg *Config) {
		cfg.AcceptReplacement = true
	})

	tx1 := spendTx(outpoints[0], 999_000) // fee 1000
	_, err := harness.txPool.ProcessTransaction(tx1)
	require.NoError(t, err)
	child := spendTx(wire.OutPoint{Hash: *tx1.Hash(), Index: 0}, 998_000)
	_, err = harness.txPool.ProcessTransaction(child)
	require.NoError(t, err)

	// A conflict paying a lower fee rate is rejected.
	cheap := spendTx(outpoints[0], 999_500) // fee 500
	_, err = harness.txPool.ProcessTransaction(cheap)
	require.ErrorIs(t, err, ErrReplacementPolicy)

	// A conflict paying more than the evicted set replaces both the entry
	// and its descendant.
	rich := spendTx(outpoints[0], 990_000) // fee 10000
	_, err = harness.txPool.ProcessTransaction(rich)
	require.NoError(t, err)
	require.False(t, harness.txPool.HaveTransaction(tx1.Hash()))
	require.False(t, harness.txPool.HaveTransaction(child.Hash()))
	require.True(t, harness.txPool.HaveTransaction(rich.Hash()))
}

// TestDisconnectReplay ensures transactions from a disconnected block are
// re-admitted parents first, and that confirming a parent later leaves its
// in-pool child in place.
func TestDisconnectReplay(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 1, 1_000_000, nil)

	// Simulate a disconnected block containing a parent and child spend.
	parent := spendTx(outpoints[0], 1_000_000)
	child := spendTx(wire.OutPoint{Hash: *parent.Hash(), Index: 0}, 1_000_000)
	coinbase := btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  []byte{txscript.OP_DATA_1, 0x01},
		}},
		TxOut: []*wire.TxOut{{Value: 0, PkScript: spendableScript}},
	})

	harness.txPool.HandleDisconnectedBlock(
		[]*btcutil.Tx{coinbase, parent, child})
	require.Zero(t, harness.txPool.Count())

	harness.txPool.ReplayDisconnectPool()
	require.Equal(t, 2, harness.txPool.Count())
	require.True(t, harness.txPool.HaveTransaction(parent.Hash()))
	require.True(t, harness.txPool.HaveTransaction(child.Hash()))

	// Connecting a block that confirms the parent removes it while its
	// in-pool child stays.
	harness.txPool.HandleConnectedBlock([]*btcutil.Tx{coinbase, parent})
	require.False(t, harness.txPool.HaveTransaction(parent.Hash()))
	require.True(t, harness.txPool.HaveTransaction(child.Hash()))
}

// TestTrimToSize ensures the pool evicts its lowest fee rate entries when
// the byte budget is exceeded.
func TestTrimToSize(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 2, 1_000_000, func(cfg *Config) {
		cfg.MaxPoolBytes = 100
	})

	// The zero fee transaction fits on its own.
	cheap := spendTx(outpoints[0], 1_000_000)
	_, err := harness.txPool.ProcessTransaction(cheap)
	require.NoError(t, err)
	require.True(t, harness.txPool.HaveTransaction(cheap.Hash()))

	// Adding a better paying transaction blows the budget and evicts the
	// zero fee entry.
	rich := spendTx(outpoints[1], 900_000)
	_, err = harness.txPool.ProcessTransaction(rich)
	require.NoError(t, err)
	require.False(t, harness.txPool.HaveTransaction(cheap.Hash()))
	require.True(t, harness.txPool.HaveTransaction(rich.Hash()))
}

// TestMissingInputs ensures referencing unknown outputs is reported as
// missing inputs rather than invalidity.
func TestMissingInputs(t *testing.T) {
	harness, _ := newPoolHarness(t, 1, 1_000_000, nil)

	orphan := spendTx(wire.OutPoint{Hash: chainhash.Hash{0xee}}, 1)
	_, err := harness.txPool.ProcessTransaction(orphan)
	require.ErrorIs(t, err, ErrMissingInputs)
	require.Zero(t, harness.txPool.Count())
}

// TestRejectCoinbase ensures standalone coinbase and coinstake shaped
// transactions never enter the pool.
func TestRejectCoinbase(t *testing.T) {
	harness, outpoints := newPoolHarness(t, 1, 1_000_000, nil)

	coinbase := btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  []byte{txscript.OP_DATA_1, 0x01},
		}},
		TxOut: []*wire.TxOut{{Value: 1, PkScript: spendableScript}},
	})
	_, err := harness.txPool.ProcessTransaction(coinbase)
	require.ErrorIs(t, err, ErrCoinbase)

	coinstake := btcutil.NewTx(&wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: outpoints[0],
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{
			{Value: 0, PkScript: nil},
			{Value: 1_000_000, PkScript: spendableScript},
		},
	})
	_, err = harness.txPool.ProcessTransaction(coinstake)
	require.ErrorIs(t, err, ErrCoinstake)
}
