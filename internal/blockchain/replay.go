// Copyright (c) 2019-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// replayBlocks brings the utxo and token state back in line with the block
// index after an interrupted flush.  The flush marker names the tip the
// database fully represented before the flush began (the old tip) and the
// tip the flush was moving toward (the new tip).  When the marker is
// present, any subset of the flush batch may have landed, so the recovery
// path disconnects from the old tip back to the common ancestor and rolls
// forward to the new tip with overwrites permitted; both directions are
// idempotent over partially committed state.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) replayBlocks() error {
	oldTipHash, newTipHash, err := b.utxoCache.FlushMarker()
	if err != nil {
		return err
	}
	if oldTipHash == nil {
		return nil
	}

	oldTip := b.index.LookupNode(oldTipHash)
	newTip := b.index.LookupNode(newTipHash)
	if oldTip == nil || newTip == nil {
		str := fmt.Sprintf("flush marker references unknown blocks %v and "+
			"%v", oldTipHash, newTipHash)
		return corruptionError(ErrUtxoBackendCorruption, str)
	}
	fork := findFork(oldTip, newTip)
	if fork == nil {
		str := fmt.Sprintf("flush marker blocks %v and %v share no common "+
			"ancestor", oldTipHash, newTipHash)
		return corruptionError(ErrUtxoBackendCorruption, str)
	}

	log.Infof("Replaying interrupted flush: old tip %v, new tip %v, fork "+
		"point %v", oldTipHash, newTipHash, fork.hash)

	// Disconnect the old branch.  Unclean results are expected here.
	for n := oldTip; n != fork; n = n.parent {
		if b.shutdownRequested() {
			return nil
		}
		if err := b.replayDisconnect(n); err != nil {
			return err
		}
	}

	// Roll forward to the new tip.
	attach := make([]*blockNode, 0, newTip.height-fork.height)
	for n := newTip; n != fork; n = n.parent {
		attach = append(attach, n)
	}
	for i := len(attach) - 1; i >= 0; i-- {
		if b.shutdownRequested() {
			return nil
		}
		if err := b.replayConnect(attach[i]); err != nil {
			return err
		}
	}

	b.bestChain.SetTip(newTip)
	b.stateLock.Lock()
	b.stateSnapshot = newBestState(newTip)
	b.stateLock.Unlock()
	return b.flushAll(true)
}

// replayDisconnect reverses the utxo and token effects of the provided block
// during replay, tolerating inconsistencies repaired along the way.
func (b *BlockChain) replayDisconnect(node *blockNode) error {
	block, err := b.fetchBlockByNode(node)
	if err != nil {
		return err
	}
	undoBytes, err := b.store.ReadUndo(blockLocation{
		file:   node.undoFile,
		offset: node.undoOffset,
	}, &node.parent.hash)
	if err != nil {
		return err
	}
	undo, err := deserializeBlockUndoData(undoBytes)
	if err != nil {
		return err
	}

	view := NewUtxoViewpoint(b.utxoCache)
	view.SetBestHash(&node.hash)
	tokenView := b.FetchTokenView()

	unclean, err := view.disconnectTransactions(block, undo)
	if err != nil {
		return err
	}
	if unclean {
		log.Debugf("Replay disconnect of block %v repaired inconsistent "+
			"entries", node.hash)
	}
	if undo.tokenUndo != nil {
		if err := tokenView.ApplyUndo(undo.tokenUndo); err != nil {
			return err
		}
	}

	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}
	b.tokenCache.Commit(tokenView)
	return nil
}

// replayConnect re-applies the utxo and token effects of the provided block
// during replay.  Unlike a normal connect no validation is performed --
// every block on the path was fully validated before the interrupted flush
// -- and overwrites of existing entries are permitted since the prior flush
// may have partially committed them.
func (b *BlockChain) replayConnect(node *blockNode) error {
	block, err := b.fetchBlockByNode(node)
	if err != nil {
		return err
	}

	view := NewUtxoViewpoint(b.utxoCache)
	view.SetBestHash(&node.parent.hash)
	tokenView := b.FetchTokenView()

	blockTime := block.MsgBlock().Header.Timestamp.Unix()
	blockIsPoS := IsProofOfStakeBlock(block.MsgBlock())
	for txIdx, tx := range block.Transactions() {
		isCoinBase := txIdx == 0
		if !isCoinBase {
			for _, txIn := range tx.MsgTx().TxIn {
				entry, err := view.FetchEntry(txIn.PreviousOutPoint)
				if err != nil {
					return err
				}
				// Inputs already consumed by the partially committed flush
				// are simply absent.
				if entry == nil || entry.IsSpent() {
					continue
				}
				entry.Spend()
			}
		}

		outpoint := wire.OutPoint{Hash: *tx.Hash()}
		for txOutIdx, txOut := range tx.MsgTx().TxOut {
			if txscript.IsUnspendable(txOut.PkScript) {
				continue
			}
			outpoint.Index = uint32(txOutIdx)
			_, err := view.addTxOut(outpoint, txOut, isCoinBase,
				blockIsPoS && txIdx == 1, node.height, blockTime, true)
			if err != nil {
				return err
			}
		}
	}

	// Token effects that the partial flush already committed surface as
	// rule errors (duplicate issuance, over-debited balances).  The blocks
	// on this path were fully validated before the flush, so such errors
	// can only mean the effect is already present.
	err = b.connectTokenTransactions(block, view, tokenView, nil)
	if err != nil {
		var tokenErr tokens.RuleError
		if !errors.As(err, &tokenErr) {
			return err
		}
		log.Debugf("Replay connect of block %v skipped already-applied "+
			"token effects: %v", node.hash, err)
	}

	view.SetBestHash(&node.hash)
	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}
	b.tokenCache.Commit(tokenView)
	return nil
}
