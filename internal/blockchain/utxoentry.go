// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// utxoFlags is a bitfield representing additional information about a utxo
// entry beyond its output data.
type utxoFlags uint8

const (
	// utxoFlagCoinBase indicates the output was created by a coinbase
	// transaction.
	utxoFlagCoinBase utxoFlags = 1 << 0

	// utxoFlagCoinStake indicates the output was created by a coinstake
	// transaction of a proof-of-stake block.
	utxoFlagCoinStake utxoFlags = 1 << 1

	// utxoFlagSpent indicates the output has been spent in an upper layer of
	// the view stack and must be removed from its parent when flushed.
	utxoFlagSpent utxoFlags = 1 << 2

	// utxoFlagModified indicates the output has been modified since it was
	// loaded and therefore needs to be written when the containing layer is
	// flushed.
	utxoFlagModified utxoFlags = 1 << 3

	// utxoFlagFresh indicates the output did not exist in the parent layer
	// when it entered this one.  A fresh entry that is spent again before a
	// flush can simply be dropped instead of written as a deletion.
	utxoFlagFresh utxoFlags = 1 << 4
)

// UtxoEntry houses details about an individual transaction output in a utxo
// view, such as whether or not it was contained in a coinbase or coinstake
// transaction, the height and time of the block that contains it, whether or
// not it is spent, its public key script, and how much it pays.  Outputs that
// carry a token payload keep the decoded payload alongside the script.
type UtxoEntry struct {
	amount       int64
	pkScript     []byte
	blockHeight  int32
	blockTime    int64
	packedFlags  utxoFlags
	tokenPayload *tokens.Payload
}

// NewUtxoEntry returns a new unspent entry for the provided output with the
// provided provenance details.  Outputs carrying a malformed token payload
// are rejected.
func NewUtxoEntry(txOut *wire.TxOut, blockHeight int32, blockTime int64,
	isCoinBase, isCoinStake bool) (*UtxoEntry, error) {

	payload, err := tokens.ExtractPayload(txOut.PkScript)
	if err != nil {
		return nil, err
	}
	entry := &UtxoEntry{
		amount:       txOut.Value,
		pkScript:     txOut.PkScript,
		blockHeight:  blockHeight,
		blockTime:    blockTime,
		tokenPayload: payload,
	}
	if isCoinBase {
		entry.packedFlags |= utxoFlagCoinBase
	}
	if isCoinStake {
		entry.packedFlags |= utxoFlagCoinStake
	}
	return entry, nil
}

// isModified returns whether or not the output has been modified since it was
// loaded.
func (entry *UtxoEntry) isModified() bool {
	return entry.packedFlags&utxoFlagModified != 0
}

// isFresh returns whether or not the output is fresh with respect to the
// parent layer.
func (entry *UtxoEntry) isFresh() bool {
	return entry.packedFlags&utxoFlagFresh != 0
}

// IsCoinBase returns whether or not the output was contained in a coinbase
// transaction.
func (entry *UtxoEntry) IsCoinBase() bool {
	return entry.packedFlags&utxoFlagCoinBase != 0
}

// IsCoinStake returns whether or not the output was contained in a coinstake
// transaction.
func (entry *UtxoEntry) IsCoinStake() bool {
	return entry.packedFlags&utxoFlagCoinStake != 0
}

// IsSpent returns whether or not the output has been spent.
func (entry *UtxoEntry) IsSpent() bool {
	return entry.packedFlags&utxoFlagSpent != 0
}

// BlockHeight returns the height of the block containing the output.
func (entry *UtxoEntry) BlockHeight() int32 {
	return entry.blockHeight
}

// BlockTime returns the timestamp of the block containing the output.
func (entry *UtxoEntry) BlockTime() int64 {
	return entry.blockTime
}

// Amount returns the amount of the output.
func (entry *UtxoEntry) Amount() int64 {
	return entry.amount
}

// PkScript returns the public key script for the output, including any token
// payload envelope.
func (entry *UtxoEntry) PkScript() []byte {
	return entry.pkScript
}

// TokenPayload returns the decoded token payload carried by the output, or
// nil when the output carries none.
func (entry *UtxoEntry) TokenPayload() *tokens.Payload {
	return entry.tokenPayload
}

// Spend marks the output as spent.  Spending an already spent output has no
// effect.
func (entry *UtxoEntry) Spend() {
	if entry.IsSpent() {
		return
	}
	entry.packedFlags |= utxoFlagSpent | utxoFlagModified
}

// Clone returns a shallow copy of the utxo entry.  The script and token
// payload are shared since they are immutable once an entry is created.
func (entry *UtxoEntry) Clone() *UtxoEntry {
	if entry == nil {
		return nil
	}
	return &UtxoEntry{
		amount:       entry.amount,
		pkScript:     entry.pkScript,
		blockHeight:  entry.blockHeight,
		blockTime:    entry.blockTime,
		packedFlags:  entry.packedFlags,
		tokenPayload: entry.tokenPayload,
	}
}

// size returns the approximate number of bytes of memory the entry consumes.
// It is used to track the utxo cache memory budget.
func (entry *UtxoEntry) size() uint64 {
	const baseEntrySize = 64
	return baseEntrySize + uint64(len(entry.pkScript))
}
