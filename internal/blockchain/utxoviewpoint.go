// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// utxoBacking provides read access to the utxo set for the layer below a
// viewpoint, which is the tip cache during normal operation.
type utxoBacking interface {
	// FetchEntry returns the utxo entry for the provided outpoint, or nil
	// when the output is not known.  The entry may be marked spent, so
	// callers check IsSpent.  The returned entry must not be mutated by the
	// caller.
	FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error)
}

// UtxoViewpoint represents a view into the set of unspent transaction outputs
// from a specific point of view in the chain.  For example, it could be for
// the end of the main chain, some point in the history of the main chain, or
// down a side chain.
//
// The unspent outputs are needed by other transactions for things such as
// script validation and double spend prevention.  A viewpoint is a transient
// overlay: mutations stay local until the view is committed to the tip cache.
type UtxoViewpoint struct {
	backing  utxoBacking
	entries  map[wire.OutPoint]*UtxoEntry
	bestHash chainhash.Hash
}

// NewUtxoViewpoint returns a new empty unspent transaction output view on top
// of the provided backing layer.
func NewUtxoViewpoint(backing utxoBacking) *UtxoViewpoint {
	return &UtxoViewpoint{
		backing: backing,
		entries: make(map[wire.OutPoint]*UtxoEntry),
	}
}

// BestHash returns the hash of the best block in the chain the view currently
// represents.
func (view *UtxoViewpoint) BestHash() *chainhash.Hash {
	return &view.bestHash
}

// SetBestHash sets the hash of the best block in the chain the view currently
// represents.
func (view *UtxoViewpoint) SetBestHash(hash *chainhash.Hash) {
	view.bestHash = *hash
}

// Entries returns the underlying map that stores of all the utxo entries.
func (view *UtxoViewpoint) Entries() map[wire.OutPoint]*UtxoEntry {
	return view.entries
}

// LookupEntry returns information about a given transaction output according
// to the current state of the view without consulting the backing layer.  It
// will return nil if the passed output does not exist in the view.
func (view *UtxoViewpoint) LookupEntry(outpoint wire.OutPoint) *UtxoEntry {
	return view.entries[outpoint]
}

// FetchEntry resolves the provided outpoint bottom-up: the view's own overlay
// is consulted first and the backing layer is queried, and populated into the
// overlay, on a miss.  The returned entry is nil when the output is not known
// anywhere in the stack; an entry that is marked spent may be returned, so
// callers check IsSpent.
func (view *UtxoViewpoint) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	if entry, ok := view.entries[outpoint]; ok {
		return entry, nil
	}
	if view.backing == nil {
		view.entries[outpoint] = nil
		return nil, nil
	}
	entry, err := view.backing.FetchEntry(outpoint)
	if err != nil {
		return nil, err
	}
	entry = entry.Clone()
	if entry != nil {
		// Entries that came from below are not fresh: spending them must
		// propagate a deletion downward on flush.
		entry.packedFlags &^= utxoFlagFresh | utxoFlagModified
	}
	view.entries[outpoint] = entry
	return entry, nil
}

// addTxOut adds the specified output to the view, overwriting any existing
// entry when allowOverwrite is set.  Attempting to overwrite an existing
// unspent entry without allowOverwrite is reported so callers can flag the
// condition, since it can only happen with a duplicate transaction hash or
// after a partially-applied flush.
func (view *UtxoViewpoint) addTxOut(outpoint wire.OutPoint, txOut *wire.TxOut,
	isCoinBase, isCoinStake bool, blockHeight int32, blockTime int64,
	allowOverwrite bool) (overwrote bool, err error) {

	// Don't add provably unspendable outputs.
	if txscript.IsUnspendable(txOut.PkScript) {
		return false, nil
	}

	existing, err := view.FetchEntry(outpoint)
	if err != nil {
		return false, err
	}
	if existing != nil && !existing.IsSpent() {
		if !allowOverwrite {
			return true, nil
		}
		overwrote = true
	}

	var payload *tokens.Payload
	payload, err = tokens.ExtractPayload(txOut.PkScript)
	if err != nil {
		return overwrote, err
	}

	entry := &UtxoEntry{
		amount:       txOut.Value,
		pkScript:     txOut.PkScript,
		blockHeight:  blockHeight,
		blockTime:    blockTime,
		packedFlags:  utxoFlagModified | utxoFlagFresh,
		tokenPayload: payload,
	}
	if isCoinBase {
		entry.packedFlags |= utxoFlagCoinBase
	}
	if isCoinStake {
		entry.packedFlags |= utxoFlagCoinStake
	}
	if existing != nil && !existing.isFresh() {
		// Replacing an entry known to the parent layer must still write
		// through on flush.
		entry.packedFlags &^= utxoFlagFresh
	}
	view.entries[outpoint] = entry
	return overwrote, nil
}

// AddTxOuts adds every output of the passed transaction to the view as
// available utxos at the provided height and time.  It is used by the
// mempool to augment a chain view with in-pool parents; entries added this
// way typically carry MempoolHeight.
func (view *UtxoViewpoint) AddTxOuts(tx *btcutil.Tx, blockHeight int32, blockTime int64) error {
	outpoint := wire.OutPoint{Hash: *tx.Hash()}
	for txOutIdx, txOut := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		if _, err := view.addTxOut(outpoint, txOut, false, false,
			blockHeight, blockTime, true); err != nil {
			return err
		}
	}
	return nil
}

// spendEntry marks the provided outpoint as spent in the view, recording the
// previous output data in the provided spent output, which must not be nil.
func (view *UtxoViewpoint) spendEntry(outpoint wire.OutPoint, stxo *spentTxOut) error {
	entry, err := view.FetchEntry(outpoint)
	if err != nil {
		return err
	}
	if entry == nil || entry.IsSpent() {
		return ruleError(ErrMissingTxOut, fmt.Sprintf("output %v is not "+
			"available to spend", outpoint))
	}

	stxo.amount = entry.amount
	stxo.pkScript = entry.pkScript
	stxo.blockHeight = entry.blockHeight
	stxo.blockTime = entry.blockTime
	stxo.isCoinBase = entry.IsCoinBase()
	stxo.isCoinStake = entry.IsCoinStake()
	entry.Spend()
	return nil
}

// connectTransaction updates the view by adding all new utxos created by the
// passed transaction and marking all utxos that the transaction spends as
// spent.  In addition, when the stxos argument is not nil, it will be updated
// to append an entry for each spent txout in the order each is spent.
func (view *UtxoViewpoint) connectTransaction(tx *btcutil.Tx, blockHeight int32,
	blockTime int64, isCoinStake bool, stxos *[]spentTxOut) error {

	isCoinBase := IsCoinBase(tx)
	if !isCoinBase {
		for _, txIn := range tx.MsgTx().TxIn {
			var stxo spentTxOut
			err := view.spendEntry(txIn.PreviousOutPoint, &stxo)
			if err != nil {
				return err
			}
			if stxos != nil {
				*stxos = append(*stxos, stxo)
			}
		}
	}

	// Add the transaction's outputs as available utxos.
	outpoint := wire.OutPoint{Hash: *tx.Hash()}
	for txOutIdx, txOut := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		overwrote, err := view.addTxOut(outpoint, txOut, isCoinBase,
			isCoinStake, blockHeight, blockTime, false)
		if err != nil {
			return err
		}
		if overwrote {
			return ruleError(ErrUtxoBackendCorruption, fmt.Sprintf(
				"output %v already exists unspent", outpoint))
		}
	}
	return nil
}

// disconnectTransactions updates the view by removing all of the transactions
// created by the passed block, restoring all utxos the transactions spent by
// using the provided spent txo information, and setting the best hash for the
// view to the block before the passed block.
//
// The returned unclean flag reports detectable inconsistencies, such as a
// created output that was already missing, that were repaired while applying
// the undo data.  They can legitimately occur when replaying after a partial
// flush and the caller decides whether they are tolerable.
func (view *UtxoViewpoint) disconnectTransactions(block *btcutil.Block,
	undo *blockUndoData) (unclean bool, err error) {

	stxos := undo.stxos
	stxoIdx := len(stxos) - 1
	transactions := block.Transactions()
	for txIdx := len(transactions) - 1; txIdx > -1; txIdx-- {
		tx := transactions[txIdx]
		isCoinBase := txIdx == 0

		// Remove all of the outputs the transaction created.  An output that
		// is already spent or missing indicates an unclean prior shutdown.
		outpoint := wire.OutPoint{Hash: *tx.Hash()}
		for txOutIdx, txOut := range tx.MsgTx().TxOut {
			if txscript.IsUnspendable(txOut.PkScript) {
				continue
			}
			outpoint.Index = uint32(txOutIdx)
			entry, err := view.FetchEntry(outpoint)
			if err != nil {
				return unclean, err
			}
			if entry == nil || entry.IsSpent() {
				unclean = true
				continue
			}
			entry.Spend()
		}

		// Restore the outputs the transaction spent, walking the undo data
		// backwards to match the order it was built.
		if isCoinBase {
			continue
		}
		txIns := tx.MsgTx().TxIn
		for txInIdx := len(txIns) - 1; txInIdx > -1; txInIdx-- {
			if stxoIdx < 0 {
				return unclean, corruptionError(ErrUndoDataCorrupt,
					fmt.Sprintf("undo data for block %v has too few "+
						"spent outputs", block.Hash()))
			}
			stxo := &stxos[stxoIdx]
			stxoIdx--

			outpoint := txIns[txInIdx].PreviousOutPoint
			payload, err := tokens.ExtractPayload(stxo.pkScript)
			if err != nil {
				return unclean, err
			}
			entry := &UtxoEntry{
				amount:       stxo.amount,
				pkScript:     stxo.pkScript,
				blockHeight:  stxo.blockHeight,
				blockTime:    stxo.blockTime,
				packedFlags:  utxoFlagModified,
				tokenPayload: payload,
			}
			if stxo.isCoinBase {
				entry.packedFlags |= utxoFlagCoinBase
			}
			if stxo.isCoinStake {
				entry.packedFlags |= utxoFlagCoinStake
			}
			existing, err := view.FetchEntry(outpoint)
			if err != nil {
				return unclean, err
			}
			if existing != nil && !existing.IsSpent() {
				unclean = true
			}
			view.entries[outpoint] = entry
		}
	}
	if stxoIdx != -1 {
		return unclean, corruptionError(ErrUndoDataCorrupt, fmt.Sprintf(
			"undo data for block %v has %d unconsumed spent outputs",
			block.Hash(), stxoIdx+1))
	}

	view.SetBestHash(&block.MsgBlock().Header.PrevBlock)
	return unclean, nil
}

// fetchInputUtxos loads the unspent transaction outputs for the inputs
// referenced by the transactions in the given block into the view from the
// backing layer as needed.  Outputs created earlier in the same block are
// left to connectTransaction.
func (view *UtxoViewpoint) fetchInputUtxos(block *btcutil.Block) error {
	txInFlight := map[chainhash.Hash]int{}
	transactions := block.Transactions()
	for i, tx := range transactions {
		txInFlight[*tx.Hash()] = i
	}

	for i, tx := range transactions[1:] {
		for _, txIn := range tx.MsgTx().TxIn {
			originHash := &txIn.PreviousOutPoint.Hash
			if inFlightIndex, ok := txInFlight[*originHash]; ok &&
				i >= inFlightIndex {
				continue
			}
			if _, err := view.FetchEntry(txIn.PreviousOutPoint); err != nil {
				return err
			}
		}
	}
	return nil
}
