// Copyright (c) 2013-2018 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/container/lru"
	"github.com/emberproject/emberd/chaincfg"
	"github.com/emberproject/emberd/internal/tokens"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	// maxReorgConnectBatch is the maximum number of blocks connected in a
	// single batch during best chain selection before the shutdown flag is
	// polled and progress is logged.
	maxReorgConnectBatch = 32

	// recentBlockCacheSize is the number of recently processed blocks kept
	// in memory to avoid immediately rereading them from disk when they are
	// connected.
	recentBlockCacheSize = 16

	// recentHashCacheSize is the number of recently processed block hashes
	// tracked to short-circuit duplicate submissions.
	recentHashCacheSize = 512
)

// Config is a descriptor which specifies the blockchain instance
// configuration.
type Config struct {
	// DataDir is the directory the block files and databases live in.
	DataDir string

	// ChainParams identifies which chain parameters the chain is associated
	// with.
	ChainParams *chaincfg.Params

	// UtxoCacheSize is the soft byte budget of the utxo tip cache.
	UtxoCacheSize uint64

	// ScriptWorkers is the number of goroutines the script check engine
	// runs.  Zero runs every check inline.
	ScriptWorkers int

	// SigCacheSize is the maximum number of entries of the signature
	// verification cache.
	SigCacheSize uint

	// ValidationCacheSize is the maximum number of entries of the whole
	// transaction validation cache.
	ValidationCacheSize int

	// PruneTarget is the byte budget for stored block and undo files.  Zero
	// disables pruning.
	PruneTarget uint64

	// IndexTx, IndexAddress, IndexSpent, and IndexTimestamp enable the
	// corresponding secondary indexes.
	IndexTx        bool
	IndexAddress   bool
	IndexSpent     bool
	IndexTimestamp bool

	// Reconciler keeps the mempool consistent with the chain.  It may be
	// nil when no mempool is attached.
	Reconciler MempoolReconciler

	// TimeSource returns the current time and exists so tests can supply a
	// deterministic clock.  Nil means time.Now.
	TimeSource func() time.Time

	// Context carries the process-wide shutdown signal.  The best chain
	// selection loop, verification loops, and replay poll it.  Nil means
	// context.Background.
	Context context.Context
}

// BlockChain provides functions for working with the ember block chain: it
// accepts headers and blocks, selects the best chain by cumulative work, and
// keeps the utxo set, the token state, the secondary indexes, and the
// attached mempool consistent with the selected chain across
// reorganizations.
//
// A single chain lock serializes every public operation.  The script check
// engine workers are the only concurrent part and never touch shared chain
// state: per the locking protocol the controller assembles a batch inside
// the chain lock, releases it while awaiting the workers, and re-acquires it
// to commit.  The process lock serializes the connect pipelines themselves
// so that window only ever admits readers.
type BlockChain struct {
	// processLock must be held by every operation that connects or
	// disconnects blocks.  It is acquired before the chain lock and stays
	// held across the spans where the chain lock is temporarily released
	// for script verification.
	processLock sync.Mutex

	chainLock sync.RWMutex

	chainParams *chaincfg.Params
	ctx         context.Context
	timeSource  func() time.Time
	reconciler  MempoolReconciler

	db           *leveldb.DB // index database
	chainstateDB *leveldb.DB // utxo set + token state
	store        *blockStore

	index     *blockIndex
	bestChain *chainView

	utxoCache  *UtxoCache
	tokenDB    *tokens.Database
	tokenCache *tokens.Cache

	scriptEngine *ScriptCheckEngine
	governance   *governanceState

	indexTx        bool
	indexAddress   bool
	indexSpent     bool
	indexTimestamp bool

	pruneTarget uint64

	recentBlocks     *lru.Set[chainhash.Hash]
	recentBlockCache *lru.Map[chainhash.Hash, *btcutil.Block]

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback

	stateLock     sync.RWMutex
	stateSnapshot *BestState
}

// New returns a BlockChain instance using the provided configuration
// details, loading (or creating) all persistent state.
func New(config *Config) (*BlockChain, error) {
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}

	indexDB, err := leveldb.OpenFile(filepath.Join(config.DataDir, "index"), nil)
	if err != nil {
		return nil, err
	}
	chainstateDB, err := leveldb.OpenFile(
		filepath.Join(config.DataDir, "chainstate"), nil)
	if err != nil {
		indexDB.Close()
		return nil, err
	}
	store, err := newBlockStore(filepath.Join(config.DataDir, "blocks"),
		config.ChainParams.Net)
	if err != nil {
		indexDB.Close()
		chainstateDB.Close()
		return nil, err
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	timeSource := config.TimeSource
	if timeSource == nil {
		timeSource = time.Now
	}
	reconciler := config.Reconciler
	if reconciler == nil {
		reconciler = noopReconciler{}
	}

	tokenDB := tokens.NewDatabase(chainstateDB)
	b := &BlockChain{
		chainParams:  config.ChainParams,
		ctx:          ctx,
		timeSource:   timeSource,
		reconciler:   reconciler,
		db:           indexDB,
		chainstateDB: chainstateDB,
		store:        store,
		index:        newBlockIndex(),
		bestChain:    newChainView(nil),
		utxoCache: NewUtxoCache(&UtxoCacheConfig{
			DB:      chainstateDB,
			MaxSize: config.UtxoCacheSize,
		}),
		tokenDB:    tokenDB,
		tokenCache: tokens.NewCache(tokenDB),
		scriptEngine: NewScriptCheckEngine(config.ScriptWorkers,
			config.SigCacheSize, config.ValidationCacheSize, nonce),
		governance:     newGovernanceState(),
		indexTx:        config.IndexTx,
		indexAddress:   config.IndexAddress,
		indexSpent:     config.IndexSpent,
		indexTimestamp: config.IndexTimestamp,
		pruneTarget:    config.PruneTarget,
		recentBlocks:   lru.NewSet[chainhash.Hash](recentHashCacheSize),
		recentBlockCache: lru.NewMap[chainhash.Hash, *btcutil.Block](
			recentBlockCacheSize),
	}

	if err := b.initChainState(); err != nil {
		b.Close()
		return nil, err
	}

	tip := b.bestChain.Tip()
	log.Infof("Chain state: height %d, hash %v, work %v", tip.height,
		tip.hash, tip.workSum)
	return b, nil
}

// initChainState loads the block index and chain state from the databases,
// creating the genesis state when the databases are new, and replays any
// interrupted flush.
func (b *BlockChain) initChainState() error {
	stateHash, err := b.utxoCache.Initialize()
	if err != nil {
		return err
	}

	if stateHash == (chainhash.Hash{}) {
		return b.createChainState()
	}

	tip, err := b.loadBlockIndex(&stateHash)
	if err != nil {
		return err
	}
	b.bestChain.SetTip(tip)
	b.stateLock.Lock()
	b.stateSnapshot = newBestState(tip)
	b.stateLock.Unlock()

	// Recover from a flush that was interrupted part way through.
	return b.replayBlocks()
}

// createChainState initializes all databases from scratch with the genesis
// block state.
func (b *BlockChain) createChainState() error {
	genesisBlock := btcutil.NewBlock(b.chainParams.GenesisBlock)
	genesisBlock.SetHeight(0)

	genesisNode, err := b.loadBlockIndex(&b.chainParams.GenesisHash)
	if err != nil {
		return err
	}

	loc, err := b.store.WriteBlock(genesisBlock)
	if err != nil {
		return err
	}
	b.index.Lock()
	genesisNode.blockFile = loc.file
	genesisNode.blockOffset = loc.offset
	b.index.Unlock()

	// Connect the genesis outputs to the utxo set.
	view := NewUtxoViewpoint(b.utxoCache)
	err = view.connectTransaction(genesisBlock.Transactions()[0], 0,
		genesisBlock.MsgBlock().Header.Timestamp.Unix(), false, nil)
	if err != nil {
		return err
	}
	view.SetBestHash(&b.chainParams.GenesisHash)
	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}

	b.bestChain.SetTip(genesisNode)
	b.stateLock.Lock()
	b.stateSnapshot = newBestState(genesisNode)
	b.stateLock.Unlock()

	// Record the enabled index set and persist everything.
	batch := new(leveldb.Batch)
	batchPutFlag(batch, flagTxIndex, b.indexTx)
	batchPutFlag(batch, flagAddressIndex, b.indexAddress)
	batchPutFlag(batch, flagSpentIndex, b.indexSpent)
	batchPutFlag(batch, flagTimestampIndex, b.indexTimestamp)
	batchPutFlag(batch, flagTokenIndex, true)
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}
	return b.flushAll(true)
}

// shutdownRequested returns whether the process-wide shutdown signal has
// fired.
func (b *BlockChain) shutdownRequested() bool {
	return b.ctx.Err() != nil
}

// fetchBlockByNode returns the block for the provided node from the recent
// block cache or, failing that, the block files.
func (b *BlockChain) fetchBlockByNode(node *blockNode) (*btcutil.Block, error) {
	if block, ok := b.lookupRecentBlock(&node.hash); ok {
		return block, nil
	}
	block, err := b.store.ReadBlock(blockLocation{
		file:   node.blockFile,
		offset: node.blockOffset,
	})
	if err != nil {
		return nil, err
	}
	block.SetHeight(node.height)
	return block, nil
}

// connectTip extends the main chain by one block: it validates the block
// against a fresh utxo and token overlay, persists the undo record and
// secondary index entries, commits the overlays, and moves the tip pointer.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) connectTip(node *blockNode) error {
	parent := b.bestChain.Tip()
	if node.parent != parent {
		return AssertError(fmt.Sprintf("connectTip called with block %v "+
			"that is not a child of the current tip %v", node.hash,
			parent.hash))
	}

	block, err := b.fetchBlockByNode(node)
	if err != nil {
		return err
	}

	// Build the whole state transition in throw-away overlays; nothing
	// below mutates shared state until every check has passed.
	view := NewUtxoViewpoint(b.utxoCache)
	view.SetBestHash(&parent.hash)
	tokenView := tokens.NewView(b.tokenCache)

	undo, err := b.checkConnectBlock(node, block, view, tokenView)
	if err != nil {
		var ruleErr RuleError
		if errors.As(err, &ruleErr) && !ruleErr.CorruptionPossible {
			b.index.MarkBlockFailedValidation(node)
		}
		return err
	}

	// Apply the governance side effects and persist the undo record before
	// anything references it.
	undo.govUndo = b.governance.connectBlock(block)
	undoBytes, err := serializeBlockUndoData(undo)
	if err != nil {
		return err
	}
	undoLoc, err := b.store.WriteUndo(undoBytes, &node.parent.hash,
		node.blockFile)
	if err != nil {
		return err
	}
	b.index.Lock()
	node.undoFile = undoLoc.file
	node.undoOffset = undoLoc.offset
	b.index.setStatusFlags(node, statusUndoStored)
	b.index.Unlock()

	// Secondary index writes.
	batch := new(leveldb.Batch)
	if err := b.connectBlockIndexEntries(batch, block, undo); err != nil {
		return err
	}
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}

	// Commit the overlays and move the tip.  The utxo and token caches
	// absorb the overlays atomically and flush in lockstep later.
	if err := b.utxoCache.Commit(view); err != nil {
		return err
	}
	b.tokenCache.Commit(tokenView)

	b.index.RaiseValidity(node, statusValidScripts)
	b.index.SetStatusFlags(node, statusValidChain)
	b.bestChain.SetTip(node)
	b.index.Lock()
	if node.parent != nil && node.chainTxCount == 0 {
		node.chainTxCount = node.parent.chainTxCount + uint64(node.numTx)
	}
	b.index.Unlock()

	b.stateLock.Lock()
	b.stateSnapshot = newBestState(node)
	b.stateLock.Unlock()

	log.Debugf("Connected block %v (height %d) to the main chain",
		node.hash, node.height)
	b.reconciler.HandleConnectedBlock(block.Transactions())
	b.sendNotification(NTBlockConnected, block)
	for _, tx := range block.Transactions() {
		for _, txOut := range tx.MsgTx().TxOut {
			if op := decodeGovernanceOp(txOut.PkScript); op != nil {
				b.sendNotification(NTGovernanceOp, op)
			}
		}
	}
	return nil
}

// disconnectResult classifies the outcome of disconnecting a block.
type disconnectResult int

const (
	// disconnectOk means the block was reversed exactly.
	disconnectOk disconnectResult = iota

	// disconnectUnclean means the block was reversed, but detectable
	// inconsistencies such as overwrites were repaired along the way.  The
	// state is usable; re-applying the same undo data is idempotent.
	disconnectUnclean

	// disconnectFailed means the state is indeterminate and the caller
	// must abort.
	disconnectFailed
)

// disconnectTip removes the current tip block from the main chain: it reads
// the block and its undo record from disk, reverses its utxo, token,
// governance, and index effects in throw-away overlays, commits them, and
// moves the tip pointer to the predecessor.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) disconnectTip() (disconnectResult, error) {
	node := b.bestChain.Tip()
	if node.parent == nil {
		return disconnectFailed, AssertError("disconnectTip called with " +
			"the genesis block as the tip")
	}

	block, err := b.fetchBlockByNode(node)
	if err != nil {
		return disconnectFailed, err
	}
	undoBytes, err := b.store.ReadUndo(blockLocation{
		file:   node.undoFile,
		offset: node.undoOffset,
	}, &node.parent.hash)
	if err != nil {
		return disconnectFailed, err
	}
	undo, err := deserializeBlockUndoData(undoBytes)
	if err != nil {
		return disconnectFailed, err
	}

	view := NewUtxoViewpoint(b.utxoCache)
	view.SetBestHash(&node.hash)
	tokenView := tokens.NewView(b.tokenCache)

	unclean, err := view.disconnectTransactions(block, undo)
	if err != nil {
		return disconnectFailed, err
	}
	if undo.tokenUndo != nil {
		if err := tokenView.ApplyUndo(undo.tokenUndo); err != nil {
			return disconnectFailed, err
		}
	}
	b.governance.disconnectBlock(undo.govUndo)

	batch := new(leveldb.Batch)
	if err := b.disconnectBlockIndexEntries(batch, block, undo); err != nil {
		return disconnectFailed, err
	}
	if err := b.db.Write(batch, nil); err != nil {
		return disconnectFailed, err
	}

	if err := b.utxoCache.Commit(view); err != nil {
		return disconnectFailed, err
	}
	b.tokenCache.Commit(tokenView)
	b.bestChain.SetTip(node.parent)

	b.stateLock.Lock()
	b.stateSnapshot = newBestState(node.parent)
	b.stateLock.Unlock()

	log.Debugf("Disconnected block %v (height %d) from the main chain",
		node.hash, node.height)
	b.reconciler.HandleDisconnectedBlock(block.Transactions())
	b.sendNotification(NTBlockDisconnected, block)

	if unclean {
		return disconnectUnclean, nil
	}
	return disconnectOk, nil
}

// activateBestChain repeatedly compares the best candidate in the block
// index against the current tip, disconnecting and connecting blocks as
// needed, until the two agree or a shutdown is requested.  Invalid blocks
// found while connecting are marked failed together with their descendants
// and the loop restarts with the next best candidate.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) activateBestChain() error {
	// The first validation failure is remembered and returned after the
	// loop settles so the caller that submitted the offending block learns
	// its verdict even though the loop continues with other candidates.
	var firstRuleErr error
	for !b.shutdownRequested() {
		candidate := b.index.FindBestChainCandidate()
		tip := b.bestChain.Tip()
		if candidate == nil || candidate == tip {
			break
		}
		fork := findFork(tip, candidate)
		if fork == nil {
			return AssertError(fmt.Sprintf("no common ancestor between "+
				"tip %v and candidate %v", tip.hash, candidate.hash))
		}

		isReorg := fork != tip
		if isReorg {
			log.Infof("Reorganizing chain from tip %v (height %d) to %v "+
				"(height %d), fork point %v (height %d)", tip.hash,
				tip.height, candidate.hash, candidate.height, fork.hash,
				fork.height)
			b.sendNotification(NTChainReorgStarted, nil)
		}

		// Disconnect from the tip down to the fork point, step by step.
		for b.bestChain.Tip() != fork {
			if b.shutdownRequested() {
				return nil
			}
			result, err := b.disconnectTip()
			if err != nil || result == disconnectFailed {
				if err == nil {
					err = AssertError("disconnect failed with " +
						"indeterminate state")
				}
				return err
			}
		}

		// Connect from the fork point up to the candidate in bounded
		// batches, polling the shutdown flag in between.
		attach := make([]*blockNode, 0, candidate.height-fork.height)
		for n := candidate; n != fork; n = n.parent {
			attach = append(attach, n)
		}
		for left, right := 0, len(attach)-1; left < right; left, right = left+1, right-1 {
			attach[left], attach[right] = attach[right], attach[left]
		}

		connectErr := error(nil)
		for batchStart := 0; batchStart < len(attach); batchStart += maxReorgConnectBatch {
			if b.shutdownRequested() {
				return nil
			}
			batchEnd := batchStart + maxReorgConnectBatch
			if batchEnd > len(attach) {
				batchEnd = len(attach)
			}
			for _, node := range attach[batchStart:batchEnd] {
				if err := b.connectTip(node); err != nil {
					connectErr = err
					break
				}
			}
			if connectErr != nil {
				break
			}
		}
		if isReorg {
			b.sendNotification(NTChainReorgDone, nil)
		}

		if connectErr != nil {
			var ruleErr RuleError
			if errors.As(connectErr, &ruleErr) {
				if ruleErr.CorruptionPossible {
					// The stored block data itself is suspect; abort so the
					// operator can intervene rather than banning the chain.
					return connectErr
				}
				// The offending block and its descendants were already
				// marked failed by connectTip.  Restart the loop so the
				// next best candidate is tried.
				log.Warnf("Block connection failed: %v; retrying with the "+
					"next best candidate", connectErr)
				if firstRuleErr == nil {
					firstRuleErr = connectErr
				}
				continue
			}
			return connectErr
		}
	}

	// The chain has settled: reconcile the mempool, prune the candidate
	// set, and flush when warranted.
	newTip := b.bestChain.Tip()
	b.reconciler.ReplayDisconnectPool()
	b.index.RemoveLessWorkCandidates(newTip)

	if b.pruneTarget != 0 {
		if err := b.pruneBlockFiles(); err != nil {
			return err
		}
	}
	if err := b.flushAll(false); err != nil {
		return err
	}
	return firstRuleErr
}

// flushAll persists all dirty state in crash-safe order: block and undo
// files are fsynced first, the block index and file info batches second, and
// the utxo plus token state last.  A forced flush always writes; otherwise
// the utxo cache decides based on its budget and timer.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) flushAll(force bool) error {
	if err := b.store.Sync(); err != nil {
		return err
	}
	if err := b.flushBlockIndex(); err != nil {
		return err
	}
	return b.utxoCache.MaybeFlush(force, b.tokenCache.AppendToBatch)
}

// InvalidateBlock manually invalidates the provided block as if it had
// failed validation: the block and all of its descendants are marked failed,
// the chain is rewound when the block is part of the main chain, and the
// best remaining candidate becomes the tip.
//
// This function is safe for concurrent access.
func (b *BlockChain) InvalidateBlock(hash *chainhash.Hash) error {
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	node := b.index.LookupNode(hash)
	if node == nil {
		str := fmt.Sprintf("block %v is not known", hash)
		return ruleError(ErrDuplicateBlock, str)
	}
	if node.height == 0 {
		return ruleError(ErrKnownInvalidBlock, "the genesis block may not "+
			"be invalidated")
	}

	// Rewind the main chain to the parent of the block being invalidated.
	if b.bestChain.Contains(node) {
		for b.bestChain.Tip().height >= node.height {
			if b.shutdownRequested() {
				return nil
			}
			result, err := b.disconnectTip()
			if err != nil || result == disconnectFailed {
				if err == nil {
					err = AssertError("disconnect failed with " +
						"indeterminate state")
				}
				return err
			}
		}
	}

	b.index.MarkBlockFailedValidation(node)

	// The remaining tip and any still-valid branches with enough work must
	// be candidates again.
	b.reseedCandidates()
	return b.activateBestChain()
}

// ReconsiderBlock removes the failed validation status of the provided block
// and all of its descendants, reseeds the candidate set, and re-runs best
// chain selection so previously rejected chains compete again.
//
// This function is safe for concurrent access.
func (b *BlockChain) ReconsiderBlock(hash *chainhash.Hash) error {
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	node := b.index.LookupNode(hash)
	if node == nil {
		str := fmt.Sprintf("block %v is not known", hash)
		return ruleError(ErrDuplicateBlock, str)
	}

	b.index.clearFailedStatus(node)
	b.reseedCandidates()
	return b.activateBestChain()
}

// PreciousBlock treats the provided block as if it were received before any
// other block with the same amount of work, which typically makes it the
// preferred tip among equal-work competitors.
//
// This function is safe for concurrent access.
func (b *BlockChain) PreciousBlock(hash *chainhash.Hash) error {
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	node := b.index.LookupNode(hash)
	if node == nil {
		str := fmt.Sprintf("block %v is not known", hash)
		return ruleError(ErrDuplicateBlock, str)
	}
	if b.index.NodeStatus(node).KnownInvalid() {
		str := fmt.Sprintf("block %v is known to be invalid", hash)
		return ruleError(ErrKnownInvalidBlock, str)
	}

	b.index.Lock()
	node.sequenceID = 0
	if b.index.canValidate(node) && node.status.HasValidatedTransactions() &&
		node.workSum.Cmp(b.bestChain.Tip().workSum) >= 0 {
		b.index.addBestChainCandidate(node)
	}
	b.index.Unlock()
	return b.activateBestChain()
}

// reseedCandidates rebuilds the best chain candidate set from the block
// tree: every fully linked node with validated transactions, no failed
// ancestry, and at least as much work as the current tip is eligible.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) reseedCandidates() {
	tip := b.bestChain.Tip()
	b.index.Lock()
	b.index.forEachChainTip(func(tipNode *blockNode) error {
		for n := tipNode; n != nil; n = n.parent {
			if n.workSum.Cmp(tip.workSum) < 0 {
				break
			}
			if n.status.KnownInvalid() || !b.index.canValidate(n) ||
				!n.status.HasValidatedTransactions() {
				continue
			}
			b.index.addBestChainCandidate(n)
		}
		return nil
	})
	b.index.addBestChainCandidate(tip)
	b.index.Unlock()
}

// BestSnapshot returns information about the current best chain block and
// related state as of the current point in time.  The returned instance must
// be treated as immutable since it is shared by all callers.
//
// This function is safe for concurrent access.
func (b *BlockChain) BestSnapshot() *BestState {
	b.stateLock.RLock()
	snapshot := b.stateSnapshot
	b.stateLock.RUnlock()
	return snapshot
}

// ChainParams returns the network parameters of the chain.
func (b *BlockChain) ChainParams() *chaincfg.Params {
	return b.chainParams
}

// GovernanceParam returns the current value of the named governance
// parameter.
//
// This function is safe for concurrent access.
func (b *BlockChain) GovernanceParam(key string) (uint64, bool) {
	return b.governance.Param(key)
}

// HaveBlock returns whether or not the chain instance has the block
// represented by the passed hash, either on the main chain or a side chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) HaveBlock(hash *chainhash.Hash) bool {
	return b.index.HaveBlock(hash)
}

// MainChainHasBlock returns whether or not the block with the given hash is
// in the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) MainChainHasBlock(hash *chainhash.Hash) bool {
	node := b.index.LookupNode(hash)
	return node != nil && b.bestChain.Contains(node)
}

// BlockByHash returns the block from the main chain or a side chain with the
// given hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	node := b.index.LookupNode(hash)
	if node == nil || !b.index.NodeStatus(node).HaveData() {
		str := fmt.Sprintf("block %v is not known or has no data", hash)
		return nil, ruleError(ErrNoBlockData, str)
	}
	return b.fetchBlockByNode(node)
}

// BlockHashByHeight returns the hash of the block at the given height in the
// main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHashByHeight(height int32) (*chainhash.Hash, error) {
	node := b.bestChain.NodeByHeight(height)
	if node == nil {
		str := fmt.Sprintf("no block at height %d exists", height)
		return nil, ruleError(ErrNoBlockData, str)
	}
	return &node.hash, nil
}

// FetchUtxoEntry loads and returns the requested unspent transaction output
// from the point of view of the main chain tip.  The returned entry is nil
// when there is no such output (or it has been spent).
//
// This function is safe for concurrent access.
func (b *BlockChain) FetchUtxoEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	entry, err := b.utxoCache.FetchEntry(outpoint)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.IsSpent() {
		return nil, nil
	}
	return entry, nil
}

// ChainLock returns the node-wide chain lock.  Every subsystem that reads or
// writes chain state outside this package, the mempool foremost, acquires it
// before its own locks per the global lock order.
func (b *BlockChain) ChainLock() *sync.RWMutex {
	return &b.chainLock
}

// FetchUtxoView loads unspent transaction outputs for the inputs of the
// passed transaction, and the outputs of the transaction itself, into a new
// viewpoint from the main chain tip.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) FetchUtxoView(tx *btcutil.Tx) (*UtxoViewpoint, error) {
	view := NewUtxoViewpoint(b.utxoCache)
	tipHash := b.BestSnapshot().Hash
	view.SetBestHash(&tipHash)

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

// FetchTokenView returns a new token state overlay from the main chain tip.
//
// This function is safe for concurrent access.
func (b *BlockChain) FetchTokenView() *tokens.View {
	return tokens.NewView(b.tokenCache)
}

// CalcSequenceLock computes the relative lock-times for the passed
// transaction evaluated against the next block from the point of view of the
// current main chain tip.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) CalcSequenceLock(tx *btcutil.Tx, view *UtxoViewpoint) (*SequenceLock, error) {
	return b.calcSequenceLock(b.bestChain.Tip(), tx, view)
}

// CheckTransactionScripts verifies the input scripts of the provided
// transaction against the provided view under the provided flags using the
// node's script check engine, so the mempool and block validation share the
// engine and its caches.  Callers hold the chain lock for reads only, so it
// is not released here; the batch mutex alone keeps the engine exclusive.
func (b *BlockChain) CheckTransactionScripts(tx *btcutil.Tx, view *UtxoViewpoint, flags txscript.ScriptFlags) error {
	prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			str := fmt.Sprintf("unable to find unspent output %v",
				txIn.PreviousOutPoint)
			return ruleError(ErrMissingTxOut, str)
		}
		baseScript, _ := tokens.SplitScript(entry.PkScript())
		prevFetcher.AddPrevOut(txIn.PreviousOutPoint, &wire.TxOut{
			Value:    entry.Amount(),
			PkScript: baseScript,
		})
	}
	sigHashes := txscript.NewTxSigHashes(tx.MsgTx(), prevFetcher)

	checks := make([]*scriptCheck, 0, len(tx.MsgTx().TxIn))
	for txInIdx, txIn := range tx.MsgTx().TxIn {
		prevOut := prevFetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		checks = append(checks, &scriptCheck{
			tx:          tx,
			txInIdx:     txInIdx,
			pkScript:    prevOut.PkScript,
			amount:      prevOut.Value,
			flags:       flags,
			sigHashes:   sigHashes,
			prevFetcher: prevFetcher,
		})
	}
	b.scriptEngine.batchMtx.Lock()
	b.scriptEngine.PushBatch(checks)
	err := b.scriptEngine.Wait()
	b.scriptEngine.batchMtx.Unlock()
	return err
}

// Close shuts the chain instance down: a final flush is attempted, the
// script check workers are stopped, and the databases and block files are
// closed.
func (b *BlockChain) Close() error {
	// Taking the process lock first lets any in-flight connect pipeline
	// finish its commit before the databases go away.
	b.processLock.Lock()
	defer b.processLock.Unlock()
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	var firstErr error
	if b.bestChain.Tip() != nil {
		if err := b.flushAll(true); err != nil {
			firstErr = err
		}
	}
	b.scriptEngine.Shutdown()
	if err := b.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.chainstateDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
