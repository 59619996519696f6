// Copyright (c) 2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
)

// prunedThroughHeight returns the highest block height whose data may have
// been removed by pruning.  Heights above it are guaranteed readable.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) prunedThroughHeight() int32 {
	b.store.mtx.Lock()
	defer b.store.mtx.Unlock()

	var height int32 = -1
	for fileNum := int32(0); fileNum < b.store.prunedThroughFile; fileNum++ {
		if info, ok := b.store.fileInfo[fileNum]; ok {
			if info.heightLast > height {
				height = info.heightLast
			}
		}
	}
	return height
}

// pruneBlockFiles deletes block and undo file pairs until the total stored
// size fits the configured byte budget.  A file pair is only eligible when
// every block in it is more than MinBlocksToKeep blocks below the active tip,
// so recent history always remains available for reorganizations.  The
// prunedblockfiles flag is set after the first deletion; subsequent reads of
// pruned data fail with ErrPrunedBlock.
//
// Per the flush ordering, the utxo and token state are forced to disk before
// any file is unlinked so no state can reference missing undo data.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) pruneBlockFiles() error {
	tip := b.bestChain.Tip()
	pruneableBelow := tip.height - b.chainParams.MinBlocksToKeep

	b.store.mtx.Lock()
	var totalSize uint64
	fileNums := make([]int32, 0, len(b.store.fileInfo))
	for fileNum, info := range b.store.fileInfo {
		totalSize += uint64(info.size) + uint64(info.undoSize)
		fileNums = append(fileNums, fileNum)
	}
	sort.Slice(fileNums, func(i, j int) bool {
		return fileNums[i] < fileNums[j]
	})

	var pruneThrough int32 = -1
	for _, fileNum := range fileNums {
		if totalSize <= b.pruneTarget {
			break
		}
		info := b.store.fileInfo[fileNum]
		if fileNum == b.store.curFile || info.heightLast >= pruneableBelow {
			break
		}
		totalSize -= uint64(info.size) + uint64(info.undoSize)
		pruneThrough = fileNum
	}
	b.store.mtx.Unlock()

	if pruneThrough == -1 {
		return nil
	}

	// Make sure nothing in the chain state still depends on the files about
	// to be removed.
	if err := b.store.Sync(); err != nil {
		return err
	}
	if err := b.flushBlockIndex(); err != nil {
		return err
	}
	if err := b.utxoCache.MaybeFlush(true, b.tokenCache.AppendToBatch); err != nil {
		return err
	}

	log.Infof("Pruning block files through %05d (tip height %d)",
		pruneThrough, tip.height)
	if err := b.store.RemoveFilesThrough(pruneThrough); err != nil {
		return err
	}

	// Clear the data flags on the affected nodes and record that pruning
	// has happened.
	b.index.Lock()
	for _, node := range b.index.index {
		if node.blockFile != blockLocationUnknown &&
			node.blockFile <= pruneThrough {
			node.blockFile = blockLocationUnknown
			node.undoFile = blockLocationUnknown
			b.index.unsetStatusFlags(node,
				statusDataStored|statusUndoStored)
		}
	}
	b.index.Unlock()

	batch := new(leveldb.Batch)
	batchPutFlag(batch, flagPrunedBlockFiles, true)
	return b.db.Write(batch, nil)
}

// PruneToHeight removes the block files whose blocks all lie below the
// provided height, subject to the MinBlocksToKeep floor.  A file that also
// holds blocks at or above the height is kept, along with its lower blocks.  It
// is the operator-facing entry point behind the prune control command.
//
// This function is safe for concurrent access.
func (b *BlockChain) PruneToHeight(height int32) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tip := b.bestChain.Tip()
	maxPrunable := tip.height - b.chainParams.MinBlocksToKeep
	if height > maxPrunable {
		height = maxPrunable
	}
	if height <= 0 {
		return nil
	}

	b.store.mtx.Lock()
	var pruneThrough int32 = -1
	for fileNum, info := range b.store.fileInfo {
		if fileNum != b.store.curFile && info.heightLast < height &&
			fileNum > pruneThrough {
			pruneThrough = fileNum
		}
	}
	b.store.mtx.Unlock()
	if pruneThrough == -1 {
		return nil
	}

	if err := b.store.Sync(); err != nil {
		return err
	}
	if err := b.flushBlockIndex(); err != nil {
		return err
	}
	if err := b.utxoCache.MaybeFlush(true, b.tokenCache.AppendToBatch); err != nil {
		return err
	}
	if err := b.store.RemoveFilesThrough(pruneThrough); err != nil {
		return err
	}

	b.index.Lock()
	for _, node := range b.index.index {
		if node.blockFile != blockLocationUnknown &&
			node.blockFile <= pruneThrough {
			node.blockFile = blockLocationUnknown
			node.undoFile = blockLocationUnknown
			b.index.unsetStatusFlags(node,
				statusDataStored|statusUndoStored)
		}
	}
	b.index.Unlock()

	batch := new(leveldb.Batch)
	batchPutFlag(batch, flagPrunedBlockFiles, true)
	return b.db.Write(batch, nil)
}
