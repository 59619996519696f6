// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/emberproject/emberd/internal/tokens"
)

// VerifyChain performs consistency checks over the most recent depth blocks
// of the main chain at increasing levels of thoroughness:
//
//	0: the block index entry and data availability flags are consistent
//	1: each block passes the context free checks when reread from disk
//	2: each block's undo record is present, checksummed, and decodable
//	3: each block disconnects cleanly into a throw-away overlay
//	4: after disconnecting, each block reconnects and revalidates fully
//
// Levels 3 and 4 simulate against discarded overlays; the live chain state
// is never modified.
//
// This function is safe for concurrent access.
func (b *BlockChain) VerifyChain(level, depth int32) error {
	if level < 0 || level > 4 {
		return AssertError(fmt.Sprintf("invalid chain verification level %d",
			level))
	}

	// Level four reconnects blocks, which releases the chain lock around
	// its script batches, so the verification walk takes the process lock
	// like any other connect pipeline.
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tip := b.bestChain.Tip()
	stop := tip.height - depth
	if stop < 1 {
		stop = 1
	}
	prunedThrough := b.prunedThroughHeight()
	if stop <= prunedThrough {
		stop = prunedThrough + 1
	}

	log.Infof("Verifying chain at level %d from height %d to %d", level,
		tip.height, stop)

	// Levels 3 and 4 walk backwards accumulating a shared overlay so the
	// disconnects compose the same way a real reorganization would.
	view := NewUtxoViewpoint(b.utxoCache)
	view.SetBestHash(&tip.hash)
	tokenView := tokens.NewView(b.tokenCache)

	for node := tip; node != nil && node.height >= stop; node = node.parent {
		if b.shutdownRequested() {
			return nil
		}

		status := b.index.NodeStatus(node)
		if !status.HaveData() || !status.HasValidatedTransactions() {
			str := fmt.Sprintf("main chain block %v at height %d is "+
				"missing data or validation status %x", node.hash,
				node.height, status)
			return corruptionError(ErrUtxoBackendCorruption, str)
		}
		if level < 1 {
			continue
		}

		block, err := b.fetchBlockByNode(node)
		if err != nil {
			return err
		}
		if err := b.checkBlockSanity(block); err != nil {
			str := fmt.Sprintf("main chain block %v fails sanity checks "+
				"when reread from disk: %v", node.hash, err)
			return corruptionError(ErrUtxoBackendCorruption, str)
		}
		if level < 2 {
			continue
		}

		if !status.HaveUndo() {
			str := fmt.Sprintf("main chain block %v has no undo data",
				node.hash)
			return corruptionError(ErrUtxoBackendCorruption, str)
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
		if level < 3 {
			continue
		}

		unclean, err := view.disconnectTransactions(block, undo)
		if err != nil {
			return err
		}
		if unclean {
			str := fmt.Sprintf("main chain block %v does not disconnect "+
				"cleanly", node.hash)
			return corruptionError(ErrUtxoBackendCorruption, str)
		}
		if undo.tokenUndo != nil {
			if err := tokenView.ApplyUndo(undo.tokenUndo); err != nil {
				return err
			}
		}
	}

	if level < 4 {
		return nil
	}

	// Reconnect forward over the same overlay, revalidating fully.
	for node := b.bestChain.NodeByHeight(stop); node != nil; node = b.bestChain.Next(node) {
		if b.shutdownRequested() {
			return nil
		}
		block, err := b.fetchBlockByNode(node)
		if err != nil {
			return err
		}
		if _, err := b.checkConnectBlock(node, block, view, tokenView); err != nil {
			str := fmt.Sprintf("main chain block %v fails reconnection: %v",
				node.hash, err)
			return corruptionError(ErrUtxoBackendCorruption, str)
		}
	}
	return nil
}
