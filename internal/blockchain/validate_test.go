// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
)

// TestCalcBlockSubsidy ensures the premine and fixed tail subsidy schedule.
func TestCalcBlockSubsidy(t *testing.T) {
	b := &BlockChain{chainParams: &chaincfg.MainNetParams}

	tests := []struct {
		height int32
		want   int64
	}{
		{height: 0, want: 0},
		{height: 1, want: 1_000_000_000 * chaincfg.AtomsPerCoin},
		{height: 2, want: 10 * chaincfg.AtomsPerCoin},
		{height: 100_000, want: 10 * chaincfg.AtomsPerCoin},
		{height: 10_000_000, want: 10 * chaincfg.AtomsPerCoin},
	}
	for _, test := range tests {
		if got := b.calcBlockSubsidy(test.height); got != test.want {
			t.Errorf("height %d: got subsidy %d, want %d", test.height,
				got, test.want)
		}
	}
}

// TestExtractCoinbaseHeight ensures the serialized height at the start of a
// coinbase signature script is decoded per the consensus encoding.
func TestExtractCoinbaseHeight(t *testing.T) {
	tests := []struct {
		name      string
		sigScript []byte
		want      int32
		valid     bool
	}{
		{"empty script", nil, 0, false},
		{"opcode zero", []byte{txscript.OP_0}, 0, true},
		{"small int", []byte{txscript.OP_5}, 5, true},
		{"single byte push", []byte{0x01, 0x64}, 100, true},
		{"two byte push", []byte{0x02, 0x39, 0x30}, 12345, true},
		{"three byte push", []byte{0x03, 0x40, 0x42, 0x0f}, 1000000, true},
		{"truncated push", []byte{0x03, 0x40}, 0, false},
	}
	for _, test := range tests {
		coinbase := btcutil.NewTx(&wire.MsgTx{
			Version: 1,
			TxIn: []*wire.TxIn{{
				PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
				SignatureScript:  test.sigScript,
			}},
			TxOut: []*wire.TxOut{{}},
		})
		got, err := extractCoinbaseHeight(coinbase)
		if test.valid != (err == nil) {
			t.Errorf("%s: unexpected error status: %v", test.name, err)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("%s: got height %d, want %d", test.name, got,
				test.want)
		}
	}
}

// TestCheckTransactionSanity ensures structurally broken transactions are
// rejected with the expected error kinds.
func TestCheckTransactionSanity(t *testing.T) {
	validIn := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: [32]byte{0x01}},
		Sequence:         wire.MaxTxInSequenceNum,
	}
	validOut := &wire.TxOut{Value: 5000, PkScript: testScript(0x01)}

	tests := []struct {
		name string
		tx   *wire.MsgTx
		kind ErrorKind
	}{{
		name: "no inputs",
		tx:   &wire.MsgTx{TxOut: []*wire.TxOut{validOut}},
		kind: ErrNoTxInputs,
	}, {
		name: "no outputs",
		tx:   &wire.MsgTx{TxIn: []*wire.TxIn{validIn}},
		kind: ErrNoTxOutputs,
	}, {
		name: "negative output",
		tx: &wire.MsgTx{
			TxIn:  []*wire.TxIn{validIn},
			TxOut: []*wire.TxOut{{Value: -1, PkScript: testScript(0x01)}},
		},
		kind: ErrBadTxOutValue,
	}, {
		name: "duplicate inputs",
		tx: &wire.MsgTx{
			TxIn:  []*wire.TxIn{validIn, validIn},
			TxOut: []*wire.TxOut{validOut},
		},
		kind: ErrBadTxInput,
	}, {
		name: "null prevout on non-coinbase",
		tx: &wire.MsgTx{
			TxIn: []*wire.TxIn{validIn, {
				PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			}},
			TxOut: []*wire.TxOut{validOut},
		},
		kind: ErrBadTxInput,
	}}
	for _, test := range tests {
		err := CheckTransactionSanity(btcutil.NewTx(test.tx))
		if !isRuleErrorKind(err, test.kind) {
			t.Errorf("%s: got error %v, want kind %v", test.name, err,
				test.kind)
		}
	}
}

// TestCoinstakeRecognition ensures the coinstake shape detection matches the
// required structure.
func TestCoinstakeRecognition(t *testing.T) {
	kernelIn := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: [32]byte{0x09}},
		Sequence:         wire.MaxTxInSequenceNum,
	}
	emptyOut := &wire.TxOut{Value: 0, PkScript: nil}
	payOut := &wire.TxOut{Value: 12 * chaincfg.AtomsPerCoin,
		PkScript: testScript(0x02)}

	coinstake := &wire.MsgTx{
		Version: 1,
		TxIn:    []*wire.TxIn{kernelIn},
		TxOut:   []*wire.TxOut{emptyOut, payOut},
	}
	if !IsCoinStakeTx(coinstake) {
		t.Fatal("valid coinstake shape not recognized")
	}

	// A coinbase-style null input disqualifies the shape.
	notCoinstake := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		}},
		TxOut: []*wire.TxOut{emptyOut, payOut},
	}
	if IsCoinStakeTx(notCoinstake) {
		t.Fatal("null-input transaction recognized as coinstake")
	}

	// A nonempty first output disqualifies the shape.
	notCoinstake2 := &wire.MsgTx{
		Version: 1,
		TxIn:    []*wire.TxIn{kernelIn},
		TxOut:   []*wire.TxOut{payOut, payOut},
	}
	if IsCoinStakeTx(notCoinstake2) {
		t.Fatal("transaction with value in first output recognized as " +
			"coinstake")
	}
}

// TestMerkleRootSingleTx ensures the merkle root of a single transaction
// block is the transaction hash itself.
func TestMerkleRootSingleTx(t *testing.T) {
	coinbase := btcutil.NewTx(testCoinbaseTx(1, 50))
	root := calcMerkleRoot([]*btcutil.Tx{coinbase}, false)
	if root != *coinbase.Hash() {
		t.Fatalf("merkle root of single tx block: got %v, want %v", root,
			coinbase.Hash())
	}
}

// TestGovernanceDecode ensures governance operations decode from their
// script envelope and unknown tags are ignored.
func TestGovernanceDecode(t *testing.T) {
	// Build OP_RETURN <push: EMBRGOV ‖ tag ‖ body>.
	buildScript := func(payload []byte) []byte {
		builder := txscript.NewScriptBuilder()
		builder.AddOp(txscript.OP_RETURN)
		builder.AddData(payload)
		script, err := builder.Script()
		if err != nil {
			t.Fatalf("script build: %v", err)
		}
		return script
	}

	payload := append([]byte("EMBRGOV"), govTagParamChange)
	payload = append(payload, 4) // key length
	payload = append(payload, []byte("maxw")...)
	payload = append(payload, 0x40, 0x42, 0x0f, 0, 0, 0, 0, 0)
	op := decodeGovernanceOp(buildScript(payload))
	change, ok := op.(*ParamChangeOp)
	if !ok {
		t.Fatalf("expected a parameter change op, got %T", op)
	}
	if change.Key != "maxw" || change.Value != 1000000 {
		t.Fatalf("unexpected decode: %+v", change)
	}

	// Unknown tag bytes must decode to nothing.
	unknown := append([]byte("EMBRGOV"), 0xff, 0x01, 0x02)
	if op := decodeGovernanceOp(buildScript(unknown)); op != nil {
		t.Fatalf("unknown governance tag decoded to %T", op)
	}

	// Non-governance OP_RETURN data must decode to nothing.
	if op := decodeGovernanceOp(buildScript([]byte("unrelated"))); op != nil {
		t.Fatalf("unrelated payload decoded to %T", op)
	}

	// A non-OP_RETURN script must decode to nothing.
	if op := decodeGovernanceOp(testScript(0x01)); op != nil {
		t.Fatalf("spendable script decoded to %T", op)
	}
}

// TestGovernanceConnectDisconnect ensures governance parameter changes apply
// on connect and reverse exactly on disconnect.
func TestGovernanceConnectDisconnect(t *testing.T) {
	state := newGovernanceState()
	state.params["limit"] = 7

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	payload := append([]byte("EMBRGOV"), govTagParamChange)
	payload = append(payload, 5)
	payload = append(payload, []byte("limit")...)
	payload = append(payload, 9, 0, 0, 0, 0, 0, 0, 0)
	builder.AddData(payload)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("script build: %v", err)
	}

	msgBlock := &wire.MsgBlock{
		Transactions: []*wire.MsgTx{{
			Version: 1,
			TxIn:    []*wire.TxIn{{}},
			TxOut:   []*wire.TxOut{{Value: 0, PkScript: script}},
		}},
	}
	block := btcutil.NewBlock(msgBlock)

	undos := state.connectBlock(block)
	if value, _ := state.Param("limit"); value != 9 {
		t.Fatalf("parameter not applied: got %d, want 9", value)
	}

	// The undo entries must round trip through serialization.
	decoded, err := deserializeGovernanceUndo(serializeGovernanceUndo(undos))
	if err != nil {
		t.Fatalf("governance undo round trip: %v", err)
	}
	state.disconnectBlock(decoded)
	if value, _ := state.Param("limit"); value != 7 {
		t.Fatalf("parameter not restored: got %d, want 7", value)
	}
}
