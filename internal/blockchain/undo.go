// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// spentTxOut contains a spent transaction output and potentially additional
// contextual information such as whether or not it was contained in a
// coinbase or coinstake transaction, the block height and time of the block
// that contains the transaction, and any token payload the output carried.
// The struct is used to restore a utxo entry exactly when a block is
// disconnected.
type spentTxOut struct {
	amount      int64
	pkScript    []byte
	blockHeight int32
	blockTime   int64
	isCoinBase  bool
	isCoinStake bool
}

// blockUndoData houses everything required to reverse the state transition of
// a single connected block: the previous utxo for every non-coinbase input in
// the order they were spent, the token undo side-table, and the governance
// undo entries.
type blockUndoData struct {
	stxos     []spentTxOut
	tokenUndo *tokens.UndoRecord
	govUndo   []governanceUndo
}

// spentFlags packs the boolean provenance flags of a spent output into a
// single byte for serialization.
func spentFlags(stxo *spentTxOut) byte {
	var flags byte
	if stxo.isCoinBase {
		flags |= 1 << 0
	}
	if stxo.isCoinStake {
		flags |= 1 << 1
	}
	return flags
}

// putSpentTxOut serializes a single spent output to the writer.
func putSpentTxOut(w io.Writer, stxo *spentTxOut) error {
	if err := wire.WriteVarInt(w, 0, uint64(stxo.amount)); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, stxo.pkScript); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(stxo.blockHeight)); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(stxo.blockTime)); err != nil {
		return err
	}
	_, err := w.Write([]byte{spentFlags(stxo)})
	return err
}

// readSpentTxOut deserializes a single spent output from the reader.
func readSpentTxOut(r io.Reader, stxo *spentTxOut) error {
	amount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	script, err := wire.ReadVarBytes(r, 0, maxScriptAllocSize, "script")
	if err != nil {
		return err
	}
	height, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	blockTime, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	var flags [1]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return err
	}

	stxo.amount = int64(amount)
	stxo.pkScript = script
	stxo.blockHeight = int32(height)
	stxo.blockTime = int64(blockTime)
	stxo.isCoinBase = flags[0]&(1<<0) != 0
	stxo.isCoinStake = flags[0]&(1<<1) != 0
	return nil
}

// maxScriptAllocSize bounds the allocation performed when deserializing
// scripts from undo data.
const maxScriptAllocSize = 1 << 16

// serializeBlockUndoData returns the serialized form of the undo data for a
// connected block.
func serializeBlockUndoData(undo *blockUndoData) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(undo.stxos))); err != nil {
		return nil, err
	}
	for i := range undo.stxos {
		if err := putSpentTxOut(&buf, &undo.stxos[i]); err != nil {
			return nil, err
		}
	}

	var tokenUndo []byte
	if undo.tokenUndo != nil {
		tokenUndo = tokens.SerializeUndo(undo.tokenUndo)
	}
	if err := wire.WriteVarBytes(&buf, 0, tokenUndo); err != nil {
		return nil, err
	}

	govUndo := serializeGovernanceUndo(undo.govUndo)
	if err := wire.WriteVarBytes(&buf, 0, govUndo); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeBlockUndoData decodes undo data produced by
// serializeBlockUndoData.
func deserializeBlockUndoData(serialized []byte) (*blockUndoData, error) {
	r := bytes.NewReader(serialized)
	numStxos, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	undo := &blockUndoData{stxos: make([]spentTxOut, numStxos)}
	for i := uint64(0); i < numStxos; i++ {
		if err := readSpentTxOut(r, &undo.stxos[i]); err != nil {
			return nil, fmt.Errorf("unable to decode spent output %d: %w",
				i, err)
		}
	}

	tokenUndoBytes, err := wire.ReadVarBytes(r, 0, 1<<24, "token undo")
	if err != nil {
		return nil, err
	}
	if len(tokenUndoBytes) > 0 {
		undo.tokenUndo, err = tokens.DeserializeUndo(tokenUndoBytes)
		if err != nil {
			return nil, err
		}
	}

	govUndoBytes, err := wire.ReadVarBytes(r, 0, 1<<20, "governance undo")
	if err != nil {
		return nil, err
	}
	undo.govUndo, err = deserializeGovernanceUndo(govUndoBytes)
	if err != nil {
		return nil, err
	}
	return undo, nil
}
