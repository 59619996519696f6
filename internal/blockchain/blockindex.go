// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// blockStatus is a bit field representing the validation state of the block.
type blockStatus uint16

// The following constants specify possible status bit flags for a block.
//
// NOTE: This section specifically does not use iota since the block status is
// serialized and must be stable for long-term storage.
const (
	// statusNone indicates that the block has no validation state flags set.
	statusNone blockStatus = 0

	// statusValidTree indicates the header connects to a known predecessor
	// and passed all header-level checks.
	statusValidTree blockStatus = 1 << 0

	// statusValidTransactions indicates the block data passed all context
	// free checks, including the merkle root and witness commitment.
	statusValidTransactions blockStatus = 1 << 1

	// statusValidChain indicates the block and all of its ancestors have
	// been fully connected at some point, short of script verification.
	statusValidChain blockStatus = 1 << 2

	// statusValidScripts indicates the block passed full validation
	// including script verification.
	statusValidScripts blockStatus = 1 << 3

	// statusDataStored indicates the block's payload is stored on disk.
	statusDataStored blockStatus = 1 << 4

	// statusUndoStored indicates the undo record for the block is stored on
	// disk.  It implies statusDataStored.
	statusUndoStored blockStatus = 1 << 5

	// statusOptWitness indicates the stored block data includes witness
	// data.
	statusOptWitness blockStatus = 1 << 6

	// statusValidateFailed indicates the block has failed validation.
	statusValidateFailed blockStatus = 1 << 7

	// statusInvalidAncestor indicates one of the ancestors of the block has
	// failed validation, thus the block is also invalid.
	statusInvalidAncestor blockStatus = 1 << 8
)

// validityMask covers the monotonically increasing validity levels.
const validityMask = statusValidTree | statusValidTransactions |
	statusValidChain | statusValidScripts

// HaveData returns whether the full block data is stored on disk.
func (status blockStatus) HaveData() bool {
	return status&statusDataStored != 0
}

// HaveUndo returns whether the undo record for the block is stored on disk.
func (status blockStatus) HaveUndo() bool {
	return status&statusUndoStored != 0
}

// HasValidatedTransactions returns whether the block data is known to have
// passed all context free checks.
func (status blockStatus) HasValidatedTransactions() bool {
	return status&statusValidTransactions != 0
}

// KnownValid returns whether the block is known to have passed full
// validation including script checks.
func (status blockStatus) KnownValid() bool {
	return status&statusValidScripts != 0
}

// KnownInvalid returns whether either the block itself is known to be invalid
// or is known to have an invalid ancestor.  A return value of false in no way
// implies the block is valid or only has valid ancestors.
func (status blockStatus) KnownInvalid() bool {
	return status&(statusValidateFailed|statusInvalidAncestor) != 0
}

// KnownInvalidAncestor returns whether the block is known to have an invalid
// ancestor.
func (status blockStatus) KnownInvalidAncestor() bool {
	return status&statusInvalidAncestor != 0
}

// KnownValidateFailed returns whether the block is known to have failed
// validation.
func (status blockStatus) KnownValidateFailed() bool {
	return status&statusValidateFailed != 0
}

// blockNode represents a block within the block tree and is primarily used to
// aid in selecting the best chain to be the main chain.
type blockNode struct {
	// parent is the parent block for this node.
	parent *blockNode

	// skipToAncestor is used to provide a skip list to significantly speed
	// up traversal to ancestors deep in history.
	skipToAncestor *blockNode

	// hash is the hash of the block this node represents.
	hash chainhash.Hash

	// workSum is the total amount of work in the chain up to and including
	// this node.
	workSum *big.Int

	// Some fields from the block header to aid in best chain selection and
	// reconstructing headers from memory.  These must be treated as
	// immutable.
	height     int32
	version    int32
	bits       uint32
	nonce      uint32
	timestamp  int64
	merkleRoot chainhash.Hash

	// maxBlockTime is the maximum timestamp over this node and all of its
	// ancestors.
	maxBlockTime int64

	// isProofOfStake indicates the block is staked rather than mined and
	// stakeModifier is the accumulated kernel entropy used when checking
	// descendant proof-of-stake kernels.  The modifier is populated when
	// the block data is validated.
	isProofOfStake bool
	stakeModifier  chainhash.Hash

	// numTx is the number of transactions in the block and chainTxCount is
	// the total number of transactions in the chain up to and including
	// this node.  chainTxCount is zero until the data for the node and all
	// of its ancestors has been received.
	numTx        uint32
	chainTxCount uint64

	// blockFile/blockOffset and undoFile/undoOffset give the on-disk
	// locations of the block payload and undo record.  A file number of -1
	// means the data has not been stored (or has been pruned).
	blockFile   int32
	blockOffset uint32
	undoFile    int32
	undoOffset  uint32

	// status is a bitfield representing the validation state of the block.
	// It is not immutable and must only be accessed or updated using the
	// concurrent-safe methods on blockIndex once the node has been added.
	status blockStatus

	// sequenceID tracks the order the block data was received and is used
	// as the tie-break in best chain selection.  It is only stored in
	// memory.
	sequenceID uint32

	// isFullyLinked indicates whether or not this block builds on a branch
	// that has the block data for all of its ancestors and is therefore
	// eligible for validation.
	isFullyLinked bool
}

// clearLowestOneBit clears the lowest set bit in the passed value.
func clearLowestOneBit(n int32) int32 {
	return n & (n - 1)
}

// calcSkipListHeight calculates the height of an ancestor block to use when
// constructing the ancestor traversal skip list.  The blockchain is append
// only, so a deterministic single-level skip list that is reasonably close to
// O(log n) suffices.
func calcSkipListHeight(height int32) int32 {
	if height < 0 {
		return 0
	}
	return clearLowestOneBit(clearLowestOneBit(height))
}

// newBlockNode returns a new block node for the given block header and parent
// node.  The workSum is calculated based on the parent, or, in the case no
// parent is provided, it will just be the work for the passed block.
func newBlockNode(blockHeader *wire.BlockHeader, parent *blockNode) *blockNode {
	node := &blockNode{
		hash:       blockHeader.BlockHash(),
		workSum:    calcWork(blockHeader.Bits),
		version:    blockHeader.Version,
		bits:       blockHeader.Bits,
		nonce:      blockHeader.Nonce,
		timestamp:  blockHeader.Timestamp.Unix(),
		merkleRoot: blockHeader.MerkleRoot,
		blockFile:  -1,
		undoFile:   -1,
		status:     statusNone,
	}
	node.maxBlockTime = node.timestamp
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
		node.skipToAncestor = parent.Ancestor(calcSkipListHeight(node.height))
		node.workSum = node.workSum.Add(parent.workSum, node.workSum)
		if parent.maxBlockTime > node.maxBlockTime {
			node.maxBlockTime = parent.maxBlockTime
		}
	}
	return node
}

// Header constructs a block header from the node and returns it.
//
// This function is safe for concurrent access.
func (node *blockNode) Header() wire.BlockHeader {
	// No lock is needed because all accessed fields are immutable.
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	return wire.BlockHeader{
		Version:    node.version,
		PrevBlock:  prevHash,
		MerkleRoot: node.merkleRoot,
		Timestamp:  time.Unix(node.timestamp, 0),
		Bits:       node.bits,
		Nonce:      node.nonce,
	}
}

// Ancestor returns the ancestor block node at the provided height by
// following the chain backwards from this node.  The returned block will be
// nil when a height is requested that is after the height of the passed node
// or is less than zero.
//
// This function is safe for concurrent access.
func (node *blockNode) Ancestor(height int32) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for n != nil && n.height != height {
		// Skip to the linked ancestor when it won't overshoot the target
		// height.
		if n.skipToAncestor != nil && calcSkipListHeight(n.height) >= height {
			n = n.skipToAncestor
			continue
		}
		n = n.parent
	}
	return n
}

// RelativeAncestor returns the ancestor block node a relative 'distance'
// blocks before this node.
//
// This function is safe for concurrent access.
func (node *blockNode) RelativeAncestor(distance int32) *blockNode {
	return node.Ancestor(node.height - distance)
}

// medianTimeBlocks is the number of previous blocks which should be used to
// calculate the median time used to validate block timestamps.
const medianTimeBlocks = 11

// CalcPastMedianTime calculates the median time of the previous few blocks
// prior to, and including, the block node.
//
// This function is safe for concurrent access.
func (node *blockNode) CalcPastMedianTime() time.Time {
	timestamps := make([]int64, 0, medianTimeBlocks)
	for i, n := 0, node; i < medianTimeBlocks && n != nil; i, n = i+1, n.parent {
		timestamps = append(timestamps, n.timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	return time.Unix(timestamps[len(timestamps)/2], 0)
}

// findFork returns the final common block between the provided nodes, walking
// both chains upward until they meet.  It will return nil when there is no
// common block.
func findFork(a, b *blockNode) *blockNode {
	if a == nil || b == nil {
		return nil
	}
	if a.height > b.height {
		a = a.Ancestor(b.height)
	} else if b.height > a.height {
		b = b.Ancestor(a.height)
	}
	for a != nil && a != b {
		a, b = a.parent, b.parent
	}
	return a
}

// compareHashesAsUint256LE compares two raw hashes treated as if they were
// little-endian uint256s.  It returns 1 when a > b, -1 when a < b, and 0 when
// a == b.
func compareHashesAsUint256LE(a, b *chainhash.Hash) int {
	index := len(a) - 1
	for ; index >= 0 && a[index] == b[index]; index-- {
		// Nothing to do.
	}
	if index < 0 {
		return 0
	}
	if a[index] > b[index] {
		return 1
	}
	return -1
}

// workSorterLess returns whether node 'a' is a worse candidate than 'b' for
// the purposes of best chain selection.
//
// The criteria for determining what constitutes a worse candidate, in order
// of priority, is as follows:
//
// 1. Less total cumulative work
// 2. Receiving its block data later (a higher sequence id)
// 3. Hash that represents less work (larger value as a little-endian uint256)
//
// This function MUST be called with the block index lock held (for reads).
func workSorterLess(a, b *blockNode) bool {
	if workCmp := a.workSum.Cmp(b.workSum); workCmp != 0 {
		return workCmp < 0
	}
	if a.sequenceID != b.sequenceID {
		return a.sequenceID > b.sequenceID
	}
	return compareHashesAsUint256LE(&a.hash, &b.hash) > 0
}

// blockIndex provides facilities for keeping track of an in-memory index of
// the block tree.  Although the name block chain suggests a single chain of
// blocks, it is actually a tree-shaped structure where any node can have
// multiple children.  However, there can only be one active branch which does
// indeed form a chain from the tip all the way back to the genesis block.
type blockIndex struct {
	// These following fields are protected by the embedded mutex.
	//
	// index contains an entry for every known block tracked by the block
	// index.
	//
	// modified contains an entry for all nodes that have been mutated since
	// the last time the index was flushed to disk.
	//
	// chainTips contains the tips of all known side chains, keyed by their
	// height.
	sync.RWMutex
	index     map[chainhash.Hash]*blockNode
	modified  map[*blockNode]struct{}
	chainTips map[int32][]*blockNode

	// These fields are related to selecting the best chain.  They are
	// protected by the embedded mutex.
	//
	// bestHeader tracks the highest work block node in the index that is
	// not known to be invalid.
	//
	// bestInvalid tracks the highest work block node that was found to be
	// invalid.
	//
	// bestChainCandidates tracks the set of block nodes that are potential
	// candidates to become the best chain.  Every entry has validated
	// transactions and cumulative work greater than or equal to the current
	// best chain tip.
	//
	// unlinkedChildrenOf maps blocks that do not yet have the full block
	// data available to any immediate children that do, so newly eligible
	// blocks can be discovered when data arrives.
	//
	// nextSequenceID is assigned to block nodes and incremented each time
	// block data is received, ensuring no chain selection priority can be
	// gained by submitting a header early.
	bestHeader          *blockNode
	bestInvalid         *blockNode
	bestChainCandidates map[*blockNode]struct{}
	unlinkedChildrenOf  map[*blockNode][]*blockNode
	nextSequenceID      uint32
}

// newBlockIndex returns a new empty instance of a block index.
func newBlockIndex() *blockIndex {
	// The next sequence id starts at one since all entries loaded from disk
	// will be zero.
	return &blockIndex{
		index:               make(map[chainhash.Hash]*blockNode),
		modified:            make(map[*blockNode]struct{}),
		chainTips:           make(map[int32][]*blockNode),
		bestChainCandidates: make(map[*blockNode]struct{}),
		unlinkedChildrenOf:  make(map[*blockNode][]*blockNode),
		nextSequenceID:      1,
	}
}

// HaveBlock returns whether or not the block index contains the provided hash
// and the block data is available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) HaveBlock(hash *chainhash.Hash) bool {
	bi.RLock()
	node := bi.index[*hash]
	hasBlock := node != nil && node.status.HaveData()
	bi.RUnlock()
	return hasBlock
}

// lookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) lookupNode(hash *chainhash.Hash) *blockNode {
	return bi.index[*hash]
}

// LookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) LookupNode(hash *chainhash.Hash) *blockNode {
	bi.RLock()
	node := bi.lookupNode(hash)
	bi.RUnlock()
	return node
}

// addChainTip adds the passed block node as a new chain tip and removes its
// parent from the tips as needed.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addChainTip(tip *blockNode) {
	bi.chainTips[tip.height] = append(bi.chainTips[tip.height], tip)
	if tip.parent != nil {
		bi.removeChainTip(tip.parent)
	}
}

// removeChainTip removes the passed block node from the available chain tips.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) removeChainTip(tip *blockNode) {
	tips := bi.chainTips[tip.height]
	for i, n := range tips {
		if n == tip {
			copy(tips[i:], tips[i+1:])
			tips[len(tips)-1] = nil
			tips = tips[:len(tips)-1]
			break
		}
	}
	if len(tips) == 0 {
		delete(bi.chainTips, tip.height)
		return
	}
	bi.chainTips[tip.height] = tips
}

// forEachChainTip calls the provided function with each chain tip known to
// the block index.  Returning an error from the provided function stops the
// iteration early.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) forEachChainTip(f func(tip *blockNode) error) error {
	for _, tips := range bi.chainTips {
		for _, tip := range tips {
			if err := f(tip); err != nil {
				return err
			}
		}
	}
	return nil
}

// InsertHeader allocates a block node for the provided verified header,
// computes its height, cumulative work, and skip pointer from the provided
// parent node, raises statusValidTree, and adds it to the index.
//
// An error with kind ErrInvalidAncestorBlock is returned when the parent is
// known to be invalid.  The caller is responsible for resolving the parent
// node; a missing parent is surfaced at a higher level as ErrMissingParent.
//
// This function is safe for concurrent access.
func (bi *blockIndex) InsertHeader(header *wire.BlockHeader, parent *blockNode) (*blockNode, error) {
	bi.Lock()
	defer bi.Unlock()

	if parent.status.KnownInvalid() {
		str := fmt.Sprintf("header %v builds on known invalid block %v",
			header.BlockHash(), parent.hash)
		return nil, ruleError(ErrInvalidAncestorBlock, str)
	}

	node := newBlockNode(header, parent)
	node.status = statusValidTree
	bi.index[node.hash] = node
	bi.modified[node] = struct{}{}
	bi.addChainTip(node)

	if !node.status.KnownInvalid() &&
		(bi.bestHeader == nil || workSorterLess(bi.bestHeader, node)) {
		bi.bestHeader = node
	}
	return node, nil
}

// addNodeFromDB adds the provided node, which is expected to have come from
// storage, to the block index and updates the derived state accordingly.
//
// This function is NOT safe for concurrent access and therefore must only be
// called during block index initialization.
func (bi *blockIndex) addNodeFromDB(node *blockNode) {
	bi.index[node.hash] = node
	bi.addChainTip(node)

	if !node.status.KnownInvalid() &&
		(bi.bestHeader == nil || workSorterLess(bi.bestHeader, node)) {
		bi.bestHeader = node
	}

	if !node.isFullyLinked && node.status.HaveData() && node.parent != nil &&
		!node.parent.status.KnownInvalid() {

		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}

	if node.status.KnownInvalid() {
		bi.maybeUpdateBestInvalid(node)
	}
}

// NodeStatus returns the status associated with the provided node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) NodeStatus(node *blockNode) blockStatus {
	bi.RLock()
	status := node.status
	bi.RUnlock()
	return status
}

// setStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) setStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status |= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// SetStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.setStatusFlags(node, flags)
	bi.Unlock()
}

// unsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) unsetStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status &^= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// UnsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function is safe for concurrent access.
func (bi *blockIndex) UnsetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.unsetStatusFlags(node, flags)
	bi.Unlock()
}

// RaiseValidity monotonically raises the validity level of the provided node
// to the given level.  Levels already at or above the requested one are left
// untouched, so the validity level of an entry never decreases through this
// path.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RaiseValidity(node *blockNode, level blockStatus) {
	bi.Lock()
	current := node.status & validityMask
	raised := level & validityMask
	if raised > current {
		bi.setStatusFlags(node, raised)
	}
	bi.Unlock()
}

// maybeUpdateBestInvalid potentially updates the best known invalid block, as
// determined by having the most cumulative work.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) maybeUpdateBestInvalid(invalidNode *blockNode) {
	if bi.bestInvalid == nil || workSorterLess(bi.bestInvalid, invalidNode) {
		bi.bestInvalid = invalidNode
	}
}

// maybeUpdateBestHeaderForTip potentially updates the best known header by
// walking backwards from the provided tip so long as those headers have more
// work than the current best header and selecting the first one that is not
// known to be invalid.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) maybeUpdateBestHeaderForTip(tip *blockNode) {
	for n := tip; n != nil && workSorterLess(bi.bestHeader, n); n = n.parent {
		if !n.status.KnownInvalid() {
			bi.bestHeader = n
			return
		}
	}
}

// MarkBlockFailedValidation marks the passed node as having failed validation
// and then marks all of its descendants (if any) as having a failed ancestor,
// removing all of them from the best chain candidates.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkBlockFailedValidation(node *blockNode) {
	bi.Lock()
	bi.setStatusFlags(node, statusValidateFailed)
	bi.unsetStatusFlags(node, statusValidChain|statusValidScripts)
	delete(bi.bestChainCandidates, node)
	bi.maybeUpdateBestInvalid(node)
	delete(bi.unlinkedChildrenOf, node)

	// Mark all descendants of the failed block as having a failed ancestor.
	// Rather than iterating the entire block index, walk through all of the
	// known chain tips and check if the failed block is an ancestor.
	bi.forEachChainTip(func(tip *blockNode) error {
		if tip.height <= node.height || tip.Ancestor(node.height) != node {
			return nil
		}
		bi.maybeUpdateBestInvalid(tip)
		for n := tip; n != node; n = n.parent {
			if n.status.KnownInvalidAncestor() {
				continue
			}
			bi.setStatusFlags(n, statusInvalidAncestor)
			bi.unsetStatusFlags(n, statusValidChain|statusValidScripts)
			delete(bi.bestChainCandidates, n)
			delete(bi.unlinkedChildrenOf, n)
		}
		return nil
	})

	// Find a new best header when the current one is now invalid.
	if bi.bestHeader.status.KnownInvalid() {
		n := node.parent
		for n != nil && n.status.KnownInvalid() {
			n = n.parent
		}
		bi.bestHeader = n
		bi.forEachChainTip(func(tip *blockNode) error {
			if tip.Ancestor(node.height) == node {
				return nil
			}
			bi.maybeUpdateBestHeaderForTip(tip)
			return nil
		})
	}
	bi.Unlock()
}

// clearFailedStatus clears statusValidateFailed and statusInvalidAncestor
// from the provided node and all of its descendants.
//
// This function is safe for concurrent access.
func (bi *blockIndex) clearFailedStatus(node *blockNode) {
	bi.Lock()
	bi.unsetStatusFlags(node, statusValidateFailed|statusInvalidAncestor)
	bi.forEachChainTip(func(tip *blockNode) error {
		if tip.height <= node.height || tip.Ancestor(node.height) != node {
			return nil
		}
		for n := tip; n != node; n = n.parent {
			bi.unsetStatusFlags(n, statusValidateFailed|statusInvalidAncestor)
		}
		return nil
	})
	if bi.bestInvalid != nil && !bi.bestInvalid.status.KnownInvalid() {
		bi.bestInvalid = nil
	}
	bi.Unlock()
}

// canValidate returns whether or not the block associated with the provided
// node can be validated, which requires the block data for it and all of its
// ancestors to be available.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) canValidate(node *blockNode) bool {
	return node.isFullyLinked && node.status.HaveData()
}

// CanValidate returns whether or not the block associated with the provided
// node can be validated.
//
// This function is safe for concurrent access.
func (bi *blockIndex) CanValidate(node *blockNode) bool {
	bi.RLock()
	canValidate := bi.canValidate(node)
	bi.RUnlock()
	return canValidate
}

// addBestChainCandidate adds the passed block node as a potential candidate
// for becoming the tip of the best chain.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addBestChainCandidate(node *blockNode) {
	bi.bestChainCandidates[node] = struct{}{}
}

// AddBestChainCandidate adds the passed block node as a potential candidate
// for becoming the tip of the best chain.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AddBestChainCandidate(node *blockNode) {
	bi.Lock()
	bi.addBestChainCandidate(node)
	bi.Unlock()
}

// RemoveLessWorkCandidates removes all potential best chain candidates that
// have less work than the provided node, which is typically a newly connected
// best chain tip.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RemoveLessWorkCandidates(node *blockNode) {
	bi.Lock()
	for n := range bi.bestChainCandidates {
		if n.workSum.Cmp(node.workSum) < 0 {
			delete(bi.bestChainCandidates, n)
		}
	}

	// The best chain candidates must always contain at least the current
	// best chain tip.
	if len(bi.bestChainCandidates) == 0 {
		panicf("best chain candidates list is empty after removing less " +
			"work candidates")
	}
	bi.Unlock()
}

// linkBlockData marks the provided block as fully linked and determines if
// there are any unlinked blocks which depend on the passed block and links
// those as well until there are no more.  It returns the list of blocks that
// were linked.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) linkBlockData(node, tip *blockNode) []*blockNode {
	linkedNodes := []*blockNode{node}
	for nodeIndex := 0; nodeIndex < len(linkedNodes); nodeIndex++ {
		linkedNode := linkedNodes[nodeIndex]

		linkedNode.isFullyLinked = true
		linkedNode.sequenceID = bi.nextSequenceID
		bi.nextSequenceID++
		if linkedNode.parent != nil {
			linkedNode.chainTxCount = linkedNode.parent.chainTxCount +
				uint64(linkedNode.numTx)
		} else {
			linkedNode.chainTxCount = uint64(linkedNode.numTx)
		}
		bi.modified[linkedNode] = struct{}{}

		// The block is now a candidate to potentially become the best chain
		// if it has the same or more work than the current best chain tip.
		if linkedNode.workSum.Cmp(tip.workSum) >= 0 {
			bi.addBestChainCandidate(linkedNode)
		}

		unlinkedChildren := bi.unlinkedChildrenOf[linkedNode]
		if len(unlinkedChildren) > 0 {
			linkedNodes = append(linkedNodes, unlinkedChildren...)
			delete(bi.unlinkedChildrenOf, linkedNode)
		}
	}
	return linkedNodes
}

// AcceptBlockData updates the block index state to account for the full data
// for a block becoming available.  It returns a list of all blocks that were
// linked, if any.
//
// NOTE: It is up to the caller to only call this function when the data was
// not previously available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AcceptBlockData(node, tip *blockNode) []*blockNode {
	var linkedBlocks []*blockNode
	bi.Lock()
	if node.parent == nil || bi.canValidate(node.parent) ||
		node.parent.status.KnownValid() {
		linkedBlocks = bi.linkBlockData(node, tip)
	} else if !node.parent.status.KnownInvalid() {
		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}
	bi.Unlock()
	return linkedBlocks
}

// FindBestChainCandidate searches the block index for the best potentially
// valid chain that contains the most cumulative work and returns its tip.
//
// This function is safe for concurrent access.
func (bi *blockIndex) FindBestChainCandidate() *blockNode {
	bi.RLock()
	defer bi.RUnlock()

	var bestCandidate *blockNode
	for node := range bi.bestChainCandidates {
		if bestCandidate == nil || workSorterLess(bestCandidate, node) {
			bestCandidate = node
		}
	}
	return bestCandidate
}

// BestHeader returns the header with the most cumulative work that is not
// known to be invalid.
//
// This function is safe for concurrent access.
func (bi *blockIndex) BestHeader() *blockNode {
	bi.RLock()
	bestHeader := bi.bestHeader
	bi.RUnlock()
	return bestHeader
}

// panicf is a convenience function that formats according to the given format
// specifier and arguments and then logs the result at the critical level and
// panics with it.
func panicf(format string, args ...interface{}) {
	str := fmt.Sprintf(format, args...)
	log.Critical(str)
	panic(str)
}
