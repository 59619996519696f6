// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// minWorkToAccept returns the block node whose cumulative work an unrequested
// block must reach before it is stored: the ancestor of the best header that
// lies the maximum reorganization depth below it, so stray low-work chains do
// not consume disk.  It returns nil when there is no such node.
func (b *BlockChain) minWorkToAccept() *blockNode {
	bestHeader := b.index.BestHeader()
	if bestHeader == nil {
		return nil
	}
	return bestHeader.Ancestor(bestHeader.height - b.chainParams.MaxReorgDepth)
}

// ProcessBlockHeader accepts a block header to the block index after
// performing all header level validation: proof of work or stake target
// plausibility, future timestamp ceiling, version floor, and the contextual
// checks against its predecessor.  The best-header pointer is updated when
// the new header has more cumulative work.
//
// A header whose predecessor is unknown fails with ErrMissingParent so the
// caller can request it.  Headers that are already known are accepted
// without error, unless they were previously found invalid.
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlockHeader(header *wire.BlockHeader) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	_, err := b.acceptBlockHeader(header)
	return err
}

// acceptBlockHeader is the internal form of ProcessBlockHeader.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) acceptBlockHeader(header *wire.BlockHeader) (*blockNode, error) {
	blockHash := header.BlockHash()
	if node := b.index.LookupNode(&blockHash); node != nil {
		if b.index.NodeStatus(node).KnownInvalid() {
			str := fmt.Sprintf("block %v is known to be invalid", blockHash)
			return nil, ruleError(ErrKnownInvalidBlock, str)
		}
		return node, nil
	}

	prevNode := b.index.LookupNode(&header.PrevBlock)
	if prevNode == nil {
		str := fmt.Sprintf("previous block %v is not known", header.PrevBlock)
		return nil, ruleError(ErrMissingParent, str)
	}

	// The proof-of-work check at the header level is necessarily tentative:
	// whether the block is staked is only known once its transactions are
	// seen, so only the target plausibility and timestamp rules are
	// enforced here and the hash requirement is deferred for headers that
	// turn out to be staked.
	if _, err := b.checkProofOfWorkRange(header.Bits); err != nil {
		return nil, err
	}
	if err := b.checkBlockHeaderSanity(header, true); err != nil {
		return nil, err
	}
	if err := b.checkBlockHeaderContext(header, prevNode); err != nil {
		return nil, err
	}

	node, err := b.index.InsertHeader(header, prevNode)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// BlockAcceptance describes how a block made it into the node for the
// purposes of the anti-spam rules applied to unsolicited data.
type BlockAcceptance uint8

const (
	// BlockRequested indicates the block was explicitly requested from a
	// peer, so the anti-spam restrictions do not apply.
	BlockRequested BlockAcceptance = iota

	// BlockUnrequested indicates the block arrived unsolicited.
	BlockUnrequested
)

// ProcessBlock is the main workhorse for handling insertion of new blocks
// into the block chain.  It includes functionality such as rejecting
// duplicate blocks, ensuring blocks follow all rules, and insertion into the
// block chain along with best chain selection and reorganization.
//
// It returns whether or not the block ended up on the main chain (rather
// than a side chain or unresolved branch).
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlock(block *btcutil.Block, acceptance BlockAcceptance) (bool, error) {
	// The process lock keeps the connect pipeline exclusive across the
	// spans where the chain lock is released for script verification.
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	blockHash := block.Hash()
	if b.recentBlocks.Contains(*blockHash) {
		// Already fully processed recently; nothing to do.
		return b.bestChain.Tip() != nil &&
			b.bestChain.Tip().hash == *blockHash, nil
	}

	node, err := b.acceptBlockHeader(&block.MsgBlock().Header)
	if err != nil {
		return false, err
	}
	if b.index.NodeStatus(node).HaveData() {
		str := fmt.Sprintf("already have block %v", blockHash)
		return false, ruleError(ErrDuplicateBlock, str)
	}

	// Unrequested blocks are silently dropped when they are too far behind
	// the required cumulative work, or too far ahead of the current tip to
	// be connectable any time soon, or would land on a pruned portion of
	// the chain.
	if acceptance == BlockUnrequested {
		if minWork := b.minWorkToAccept(); minWork != nil &&
			node.workSum.Cmp(minWork.workSum) < 0 {
			log.Debugf("Ignoring low-work unrequested block %v", blockHash)
			return false, nil
		}
		tip := b.bestChain.Tip()
		if node.height > tip.height+maxUnrequestedAhead {
			log.Debugf("Ignoring far-future unrequested block %v at height "+
				"%d (tip %d)", blockHash, node.height, tip.height)
			return false, nil
		}
		if b.pruneTarget != 0 && node.height <= b.prunedThroughHeight() {
			log.Debugf("Ignoring unrequested block %v on a pruned portion "+
				"of the chain", blockHash)
			return false, nil
		}
	}

	if err := b.maybeAcceptBlock(node, block); err != nil {
		return false, err
	}

	// Connecting the block might now be possible; run the best chain
	// selection loop.
	if err := b.activateBestChain(); err != nil {
		return false, err
	}

	b.recentBlocks.Put(*blockHash)
	onMainChain := b.bestChain.Contains(node)
	return onMainChain, nil
}

// maxUnrequestedAhead is the number of blocks past the current tip height an
// unrequested block may claim before it is ignored.
const maxUnrequestedAhead = 1024

// maybeAcceptBlock runs the context free and contextual block checks on a
// block whose header has already been accepted, stores its payload, and
// updates the index state so the block (and any descendants whose data is
// already present) become eligible for connection.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) maybeAcceptBlock(node *blockNode, block *btcutil.Block) error {
	block.SetHeight(node.height)

	if err := b.checkBlockSanity(block); err != nil {
		b.index.MarkBlockFailedValidation(node)
		return err
	}
	if err := b.checkBlockContext(block, node.parent); err != nil {
		b.index.MarkBlockFailedValidation(node)
		return err
	}

	// The block data is sound on its own: persist it.  The write happens
	// before the index is updated so a crash in between merely loses an
	// unreferenced region of a block file.
	loc, err := b.store.WriteBlock(block)
	if err != nil {
		return err
	}

	b.index.Lock()
	node.blockFile = loc.file
	node.blockOffset = loc.offset
	node.numTx = uint32(len(block.Transactions()))
	// Blocks are always stored with their witness data.
	b.index.setStatusFlags(node, statusDataStored|statusValidTransactions|
		statusOptWitness)
	b.index.Unlock()

	b.addRecentBlock(block)
	b.index.AcceptBlockData(node, b.bestChain.Tip())
	return nil
}

// addRecentBlock caches the full data of a recently stored block so the
// connect path that typically follows immediately does not need to read it
// back from disk.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) addRecentBlock(block *btcutil.Block) {
	b.recentBlockCache.Put(*block.Hash(), block)
}

// lookupRecentBlock fetches a recently processed block from the cache.
func (b *BlockChain) lookupRecentBlock(hash *chainhash.Hash) (*btcutil.Block, bool) {
	block, ok := b.recentBlockCache.Get(*hash)
	if !ok {
		return nil, false
	}
	return block, true
}
