// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
	"github.com/emberproject/emberd/internal/blockchain"
	"github.com/google/btree"
)

const (
	// DefaultMaxAncestors is the default maximum number of unconfirmed
	// in-pool ancestors, the transaction itself included, a transaction may
	// have.
	DefaultMaxAncestors = 25

	// DefaultMaxAncestorVBytes is the default maximum combined virtual size
	// of a transaction and its unconfirmed in-pool ancestors.
	DefaultMaxAncestorVBytes = 101000

	// DefaultMaxDescendants is the default maximum number of in-pool
	// descendants, the transaction itself included, any ancestor of a new
	// transaction may end up with.
	DefaultMaxDescendants = 25

	// DefaultMaxDescendantVBytes is the default maximum combined virtual
	// size of an in-pool transaction and its descendants.
	DefaultMaxDescendantVBytes = 101000

	// DefaultMaxPoolBytes is the default byte budget of the pool, measured
	// over the serialized size of the contained transactions.
	DefaultMaxPoolBytes = 64 * 1024 * 1024

	// DefaultMaxDisconnectBytes is the default byte budget of the
	// disconnect pool used to re-admit transactions after reorganizations.
	DefaultMaxDisconnectBytes = 16 * 1024 * 1024

	// maxReplacementEvictions is the maximum number of in-pool transactions
	// a single replacement is allowed to evict, counted over the transitive
	// descendants of every directly conflicting transaction.
	maxReplacementEvictions = 100
)

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// ChainParams identifies which chain parameters the mempool is
	// associated with.
	ChainParams *chaincfg.Params

	// ChainLock is the node-wide chain lock.  Public pool operations
	// acquire it for reading before the pool's own lock, matching the
	// global lock order; the chain-driven reconciler callbacks are invoked
	// with it already held.
	ChainLock *sync.RWMutex

	// BestSnapshot returns the current best chain state.
	BestSnapshot func() *blockchain.BestState

	// FetchUtxoView loads the utxos referenced by the passed transaction
	// from the point of view of the current tip.
	FetchUtxoView func(*btcutil.Tx) (*blockchain.UtxoViewpoint, error)

	// CalcSequenceLock computes the relative lock-times of the passed
	// transaction against the current tip.
	CalcSequenceLock func(*btcutil.Tx, *blockchain.UtxoViewpoint) (*blockchain.SequenceLock, error)

	// CheckTransactionInputs checks input existence, maturity, and amounts
	// against the provided view and returns the transaction fee.
	CheckTransactionInputs func(*btcutil.Tx, int32, *blockchain.UtxoViewpoint) (int64, error)

	// CheckTransactionScripts verifies the transaction's input scripts
	// under the provided flags on the shared script check engine.
	CheckTransactionScripts func(*btcutil.Tx, *blockchain.UtxoViewpoint, txscript.ScriptFlags) error

	// SigOpCost returns the weighted signature operation cost of the
	// transaction.
	SigOpCost func(*btcutil.Tx, *blockchain.UtxoViewpoint) (int, error)

	// MinRelayTxFee defines the minimum transaction fee in atoms per
	// kilo-vbyte to be considered a non-zero fee.
	MinRelayTxFee btcutil.Amount

	// IncrementalRelayFee is the fee rate, in atoms per kilo-vbyte, a
	// replacement must pay on top of the fees of everything it evicts.
	IncrementalRelayFee btcutil.Amount

	// AcceptReplacement enables the replacement policy.  When disabled,
	// conflicting transactions are always rejected.
	AcceptReplacement bool

	// MaxPoolBytes, MaxDisconnectBytes, MaxAncestors, MaxAncestorVBytes,
	// MaxDescendants, and MaxDescendantVBytes bound the pool.  Zero values
	// select the package defaults.
	MaxPoolBytes        uint64
	MaxDisconnectBytes  uint64
	MaxAncestors        int
	MaxAncestorVBytes   int64
	MaxDescendants      int
	MaxDescendantVBytes int64
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *btcutil.Tx

	// Added is the time when the entry was added to the pool.
	Added time.Time

	// Height is the best block height when the entry was added to the pool.
	Height int32

	// Fee is the total fee the transaction pays in atoms.
	Fee int64

	// FeeDelta is the fee prioritisation modifier applied to the entry.
	FeeDelta int64

	// VSize is the virtual size of the transaction.
	VSize int64

	// SigOpCost is the weighted signature operation cost of the
	// transaction.
	SigOpCost int

	// sequence is the insertion order of the entry and is used both as the
	// deterministic tie break for the fee index and to replay entries in
	// arrival order.
	sequence uint64
}

// feeRate returns the modified fee rate of the entry in atoms per
// kilo-vbyte.
func (desc *TxDesc) feeRate() int64 {
	if desc.VSize == 0 {
		return 0
	}
	return (desc.Fee + desc.FeeDelta) * 1000 / desc.VSize
}

// TxPool is used as a source of transactions that need to be mined into
// blocks and relayed to other peers.  It is safe for concurrent access from
// multiple peers.
type TxPool struct {
	// lastUpdated is the last time the pool contents changed.  It is
	// accessed atomically.
	lastUpdated int64

	mtx sync.RWMutex
	cfg Config

	pool      map[chainhash.Hash]*TxDesc
	outpoints map[wire.OutPoint]*btcutil.Tx
	feeDeltas map[chainhash.Hash]int64

	// orderIndex iterates entries in insertion order; feeIndex iterates
	// them from the lowest modified fee rate upward for eviction.
	orderIndex   *btree.BTreeG[*TxDesc]
	feeIndex     *btree.BTreeG[*TxDesc]
	nextSequence uint64

	poolBytes   uint64
	disconnects *disconnectPool
}

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	poolCfg := *cfg
	if poolCfg.MaxPoolBytes == 0 {
		poolCfg.MaxPoolBytes = DefaultMaxPoolBytes
	}
	if poolCfg.MaxDisconnectBytes == 0 {
		poolCfg.MaxDisconnectBytes = DefaultMaxDisconnectBytes
	}
	if poolCfg.MaxAncestors == 0 {
		poolCfg.MaxAncestors = DefaultMaxAncestors
	}
	if poolCfg.MaxAncestorVBytes == 0 {
		poolCfg.MaxAncestorVBytes = DefaultMaxAncestorVBytes
	}
	if poolCfg.MaxDescendants == 0 {
		poolCfg.MaxDescendants = DefaultMaxDescendants
	}
	if poolCfg.MaxDescendantVBytes == 0 {
		poolCfg.MaxDescendantVBytes = DefaultMaxDescendantVBytes
	}

	orderLess := func(a, b *TxDesc) bool {
		return a.sequence < b.sequence
	}
	feeLess := func(a, b *TxDesc) bool {
		aRate, bRate := a.feeRate(), b.feeRate()
		if aRate != bRate {
			return aRate < bRate
		}
		return a.sequence < b.sequence
	}
	return &TxPool{
		cfg:          poolCfg,
		pool:         make(map[chainhash.Hash]*TxDesc),
		outpoints:    make(map[wire.OutPoint]*btcutil.Tx),
		feeDeltas:    make(map[chainhash.Hash]int64),
		orderIndex:   btree.NewG(8, orderLess),
		feeIndex:     btree.NewG(8, feeLess),
		nextSequence: 1,
		disconnects:  newDisconnectPool(poolCfg.MaxDisconnectBytes),
	}
}

// markUpdated records that the pool contents changed.
func (mp *TxPool) markUpdated() {
	atomic.StoreInt64(&mp.lastUpdated, time.Now().Unix())
}

// LastUpdated returns the last time a transaction was added to or removed
// from the pool.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}

// haveTransaction returns whether the passed transaction hash exists in the
// pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) haveTransaction(hash *chainhash.Hash) bool {
	_, exists := mp.pool[*hash]
	return exists
}

// HaveTransaction returns whether the passed transaction hash exists in the
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	haveTx := mp.haveTransaction(hash)
	mp.mtx.RUnlock()
	return haveTx
}

// FetchTransaction returns the requested transaction from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	mp.mtx.RLock()
	desc, exists := mp.pool[*txHash]
	mp.mtx.RUnlock()
	if !exists {
		return nil, fmt.Errorf("transaction is not in the pool")
	}
	return desc.Tx, nil
}

// Count returns the number of transactions in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()
	return count
}

// TxDescs returns descriptors for all of the transactions in the pool in
// insertion order.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxDescs() []*TxDesc {
	mp.mtx.RLock()
	descs := make([]*TxDesc, 0, len(mp.pool))
	mp.orderIndex.Ascend(func(desc *TxDesc) bool {
		descs = append(descs, desc)
		return true
	})
	mp.mtx.RUnlock()
	return descs
}

// PrioritiseTransaction applies a fee modifier to the transaction with the
// provided hash.  The modifier affects acceptance, mining preference, and
// eviction order, and survives the transaction itself not being in the pool
// yet.
//
// This function is safe for concurrent access.
func (mp *TxPool) PrioritiseTransaction(txHash *chainhash.Hash, delta int64) {
	mp.mtx.Lock()
	mp.feeDeltas[*txHash] += delta
	if desc, exists := mp.pool[*txHash]; exists {
		mp.feeIndex.Delete(desc)
		desc.FeeDelta = mp.feeDeltas[*txHash]
		mp.feeIndex.ReplaceOrInsert(desc)
	}
	mp.mtx.Unlock()
}

// poolChildren returns the in-pool transactions that directly spend outputs
// of the provided transaction.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) poolChildren(tx *btcutil.Tx) []*btcutil.Tx {
	var children []*btcutil.Tx
	outpoint := wire.OutPoint{Hash: *tx.Hash()}
	for txOutIdx := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		if spender, exists := mp.outpoints[outpoint]; exists {
			children = append(children, spender)
		}
	}
	return children
}

// calcAncestors returns the transitive in-pool ancestor set of a transaction
// with the provided inputs, keyed by hash.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) calcAncestors(txIns []*wire.TxIn) map[chainhash.Hash]*TxDesc {
	ancestors := make(map[chainhash.Hash]*TxDesc)
	queue := make([]*wire.TxIn, len(txIns))
	copy(queue, txIns)
	for len(queue) > 0 {
		txIn := queue[0]
		queue = queue[1:]

		parent, exists := mp.pool[txIn.PreviousOutPoint.Hash]
		if !exists {
			continue
		}
		if _, seen := ancestors[*parent.Tx.Hash()]; seen {
			continue
		}
		ancestors[*parent.Tx.Hash()] = parent
		queue = append(queue, parent.Tx.MsgTx().TxIn...)
	}
	return ancestors
}

// calcDescendants returns the transitive in-pool descendant set of the
// provided transaction, the transaction itself excluded.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) calcDescendants(tx *btcutil.Tx) map[chainhash.Hash]*TxDesc {
	descendants := make(map[chainhash.Hash]*TxDesc)
	queue := mp.poolChildren(tx)
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		if _, seen := descendants[*child.Hash()]; seen {
			continue
		}
		if desc, exists := mp.pool[*child.Hash()]; exists {
			descendants[*child.Hash()] = desc
			queue = append(queue, mp.poolChildren(child)...)
		}
	}
	return descendants
}

// checkAncestorLimits enforces the transitive ancestor and descendant limits
// for a new transaction with the provided virtual size.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkAncestorLimits(tx *btcutil.Tx, vsize int64) error {
	ancestors := mp.calcAncestors(tx.MsgTx().TxIn)
	ancestorCount := len(ancestors) + 1
	ancestorVBytes := vsize
	for _, ancestor := range ancestors {
		ancestorVBytes += ancestor.VSize
	}
	if ancestorCount > mp.cfg.MaxAncestors ||
		ancestorVBytes > mp.cfg.MaxAncestorVBytes {
		str := fmt.Sprintf("too-long-mempool-chain: %d ancestors (%d "+
			"vbytes) exceeds limit of %d (%d vbytes)", ancestorCount,
			ancestorVBytes, mp.cfg.MaxAncestors, mp.cfg.MaxAncestorVBytes)
		return ruleError(ErrTooLongMempoolChain, str)
	}

	// Admitting this transaction must not push any ancestor's descendant
	// count or size over the limit either.
	for _, ancestor := range ancestors {
		descendants := mp.calcDescendants(ancestor.Tx)
		descendantCount := len(descendants) + 2 // ancestor itself + new tx
		descendantVBytes := ancestor.VSize + vsize
		for _, descendant := range descendants {
			descendantVBytes += descendant.VSize
		}
		if descendantCount > mp.cfg.MaxDescendants ||
			descendantVBytes > mp.cfg.MaxDescendantVBytes {
			str := fmt.Sprintf("too-long-mempool-chain: ancestor %v would "+
				"have %d descendants (%d vbytes) exceeding limit of %d "+
				"(%d vbytes)", ancestor.Tx.Hash(), descendantCount,
				descendantVBytes, mp.cfg.MaxDescendants,
				mp.cfg.MaxDescendantVBytes)
			return ruleError(ErrTooLongMempoolChain, str)
		}
	}
	return nil
}

// txConflicts returns the in-pool transactions that spend any of the same
// outputs as the provided transaction.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) txConflicts(tx *btcutil.Tx) []*TxDesc {
	var conflicts []*TxDesc
	seen := make(map[chainhash.Hash]struct{})
	for _, txIn := range tx.MsgTx().TxIn {
		conflict, exists := mp.outpoints[txIn.PreviousOutPoint]
		if !exists {
			continue
		}
		if _, dup := seen[*conflict.Hash()]; dup {
			continue
		}
		seen[*conflict.Hash()] = struct{}{}
		conflicts = append(conflicts, mp.pool[*conflict.Hash()])
	}
	return conflicts
}

// checkReplacement enforces the replacement policy for a new transaction
// against the in-pool transactions it conflicts with.  It returns the full
// set of entries, descendants included, that would be evicted.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkReplacement(tx *btcutil.Tx, fee, vsize int64,
	conflicts []*TxDesc) (map[chainhash.Hash]*TxDesc, error) {

	newFeeRate := fee * 1000 / vsize
	evicted := make(map[chainhash.Hash]*TxDesc)
	var replacedFees int64
	for _, conflict := range conflicts {
		// The replacement must pay a strictly higher fee rate than every
		// transaction it directly replaces.
		if newFeeRate <= conflict.feeRate() {
			str := fmt.Sprintf("replacement fee rate of %d does not "+
				"exceed the rate of %d paid by %v", newFeeRate,
				conflict.feeRate(), conflict.Tx.Hash())
			return nil, ruleError(ErrReplacementPolicy, str)
		}

		evicted[*conflict.Tx.Hash()] = conflict
		replacedFees += conflict.Fee
		for hash, descendant := range mp.calcDescendants(conflict.Tx) {
			if _, exists := evicted[hash]; !exists {
				evicted[hash] = descendant
				replacedFees += descendant.Fee
			}
		}
	}
	if len(evicted) > maxReplacementEvictions {
		str := fmt.Sprintf("replacement evicts %d transactions which "+
			"exceeds the limit of %d", len(evicted),
			maxReplacementEvictions)
		return nil, ruleError(ErrReplacementPolicy, str)
	}

	// Every input of the replacement must be confirmed; unconfirmed inputs
	// could themselves be evicted by the replacement.
	for _, txIn := range tx.MsgTx().TxIn {
		if _, exists := mp.pool[txIn.PreviousOutPoint.Hash]; exists {
			str := fmt.Sprintf("replacement spends unconfirmed input %v",
				txIn.PreviousOutPoint)
			return nil, ruleError(ErrReplacementPolicy, str)
		}
	}

	// The new fees must cover the replaced fees plus the incremental relay
	// fee for the replacement's own size.
	incremental := calcMinRequiredTxRelayFee(vsize, mp.cfg.IncrementalRelayFee)
	if fee < replacedFees+incremental {
		str := fmt.Sprintf("replacement fee of %d does not cover the %d "+
			"of fees it evicts plus the incremental fee of %d", fee,
			replacedFees, incremental)
		return nil, ruleError(ErrReplacementPolicy, str)
	}
	return evicted, nil
}

// fetchInputView loads the utxos referenced by the transaction from the
// chain and augments the view with the outputs of in-pool parents.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) fetchInputView(tx *btcutil.Tx) (*blockchain.UtxoViewpoint, error) {
	view, err := mp.cfg.FetchUtxoView(tx)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	for _, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry != nil && !entry.IsSpent() {
			continue
		}
		if parent, exists := mp.pool[txIn.PreviousOutPoint.Hash]; exists {
			err := view.AddTxOuts(parent.Tx, blockchain.MempoolHeight, now)
			if err != nil {
				return nil, err
			}
		}
	}
	return view, nil
}

// maybeAcceptTransaction is the main workhorse for handling insertion of new
// free-standing transactions into the memory pool.  It includes functionality
// such as rejecting duplicate transactions, ensuring transactions follow all
// rules, detecting orphan transactions, and insertion into the memory pool.
//
// When testOnly is set everything is validated but nothing is mutated.  When
// bypassLimits is set the fee requirements and the ancestor, descendant, and
// pool size limits are skipped; it is used when re-admitting transactions
// after a reorganization.
//
// It returns the hashes of any missing parents when the transaction is not
// acceptable solely because its inputs are unknown.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) maybeAcceptTransaction(tx *btcutil.Tx, bypassLimits, testOnly bool) ([]*chainhash.Hash, *TxDesc, error) {
	txHash := tx.Hash()

	// Structural checks: never a coinbase or coinstake, context free
	// sanity, and standardness under the configured policy.
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return nil, nil, chainRuleError(err)
	}
	if blockchain.IsCoinBase(tx) {
		str := fmt.Sprintf("transaction %v is an individual coinbase",
			txHash)
		return nil, nil, ruleError(ErrCoinbase, str)
	}
	if blockchain.IsCoinStakeTx(tx.MsgTx()) {
		str := fmt.Sprintf("transaction %v is an individual coinstake",
			txHash)
		return nil, nil, ruleError(ErrCoinstake, str)
	}
	if mp.haveTransaction(txHash) {
		str := fmt.Sprintf("already have transaction %v", txHash)
		return nil, nil, ruleError(ErrDuplicate, str)
	}
	if !mp.cfg.ChainParams.RelayNonStdTxs {
		if err := checkTransactionStandard(tx, mp.cfg.MinRelayTxFee); err != nil {
			return nil, nil, err
		}
	}

	best := mp.cfg.BestSnapshot()
	nextBlockHeight := best.Height + 1
	medianTime := time.Unix(best.MedianTime, 0)
	if !blockchain.IsFinalizedTransaction(tx, nextBlockHeight, medianTime) {
		return nil, nil, ruleError(ErrUnfinalized, "transaction is not "+
			"finalized")
	}

	// Conflict detection against the pool.
	conflicts := mp.txConflicts(tx)
	if len(conflicts) > 0 && !mp.cfg.AcceptReplacement {
		str := fmt.Sprintf("txn-mempool-conflict: transaction %v spends an "+
			"outpoint already spent by %v in the memory pool", txHash,
			conflicts[0].Tx.Hash())
		return nil, nil, ruleError(ErrMempoolConflict, str)
	}

	// Input availability via the pool-augmented view.  Unknown outpoints
	// are reported as missing parents, which is not an invalidity.
	view, err := mp.fetchInputView(tx)
	if err != nil {
		return nil, nil, err
	}

	// The transaction must not already exist confirmed and unspent.
	outpoint := wire.OutPoint{Hash: *txHash}
	for txOutIdx := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		entry := view.LookupEntry(outpoint)
		if entry != nil && !entry.IsSpent() {
			return nil, nil, ruleError(ErrAlreadyExists, "transaction "+
				"already exists in the utxo set")
		}
	}

	var missingParents []*chainhash.Hash
	for _, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			hashCopy := txIn.PreviousOutPoint.Hash
			missingParents = append(missingParents, &hashCopy)
		}
	}
	if len(missingParents) > 0 {
		return missingParents, nil, nil
	}

	// Maturity, amounts, and the resulting fee.
	fee, err := mp.cfg.CheckTransactionInputs(tx, nextBlockHeight, view)
	if err != nil {
		return nil, nil, chainRuleError(err)
	}

	// Relative lock times must be active as of the next block.
	seqLock, err := mp.cfg.CalcSequenceLock(tx, view)
	if err != nil {
		return nil, nil, chainRuleError(err)
	}
	if !blockchain.SequenceLockActive(seqLock, nextBlockHeight, medianTime) {
		return nil, nil, ruleError(ErrSeqLockUnmet, "transaction sequence "+
			"locks are not met")
	}

	if !mp.cfg.ChainParams.RelayNonStdTxs {
		if err := checkInputsStandard(tx, view); err != nil {
			return nil, nil, err
		}
	}

	// Signature operation cost cap.
	sigOpCost, err := mp.cfg.SigOpCost(tx, view)
	if err != nil {
		return nil, nil, chainRuleError(err)
	}
	if sigOpCost > maxStandardSigOpsCost {
		str := fmt.Sprintf("transaction sigop cost of %d is higher than "+
			"the standard cap of %d", sigOpCost, maxStandardSigOpsCost)
		return nil, nil, ruleError(ErrTooManySigOps, str)
	}

	// Fee requirements with the prioritisation modifier applied.
	vsize := GetTxVirtualSize(tx)
	feeDelta := mp.feeDeltas[*txHash]
	if !bypassLimits {
		minFee := calcMinRequiredTxRelayFee(vsize, mp.cfg.MinRelayTxFee)
		if fee+feeDelta < minFee {
			str := fmt.Sprintf("transaction fee of %d is under the "+
				"required minimum of %d for a size of %d vbytes", fee,
				minFee, vsize)
			return nil, nil, ruleError(ErrInsufficientFee, str)
		}
	}

	// Replacement policy for any conflicts that survived to this point.
	var evicted map[chainhash.Hash]*TxDesc
	if len(conflicts) > 0 {
		evicted, err = mp.checkReplacement(tx, fee+feeDelta, vsize, conflicts)
		if err != nil {
			return nil, nil, err
		}
	}

	// Ancestor and descendant limits.
	if !bypassLimits {
		if err := mp.checkAncestorLimits(tx, vsize); err != nil {
			return nil, nil, err
		}
	}

	// Script verification under the standardness flags first.  A failure
	// that disappears under the mandatory flags alone is classified as
	// possibly stemming from local corruption rather than a hard
	// invalidity, mirroring how block validation treats suspect state.
	standardFlags := blockchain.BaseScriptFlags | standardScriptFlags
	if err := mp.cfg.CheckTransactionScripts(tx, view, standardFlags); err != nil {
		mandatoryErr := mp.cfg.CheckTransactionScripts(tx, view,
			blockchain.BaseScriptFlags)
		if mandatoryErr != nil {
			return nil, nil, chainRuleError(mandatoryErr)
		}
		str := fmt.Sprintf("transaction %v fails the standard script "+
			"flags but passes the mandatory ones: %v", txHash, err)
		return nil, nil, ruleError(ErrCorruptionPossible, str)
	}

	// Verify again under the consensus flags of the current tip so the
	// result lands in the shared validation caches.
	err = mp.cfg.CheckTransactionScripts(tx, view, blockchain.BaseScriptFlags)
	if err != nil {
		return nil, nil, chainRuleError(err)
	}

	if testOnly {
		return nil, nil, nil
	}

	// Evict anything the replacement displaces, then insert.
	for _, victim := range evicted {
		log.Debugf("Replacing transaction %v (fee rate %d) with %v",
			victim.Tx.Hash(), victim.feeRate(), txHash)
		mp.removeTransaction(victim.Tx, false)
	}

	desc := &TxDesc{
		Tx:        tx,
		Added:     time.Now(),
		Height:    best.Height,
		Fee:       fee,
		FeeDelta:  feeDelta,
		VSize:     vsize,
		SigOpCost: sigOpCost,
		sequence:  mp.nextSequence,
	}
	mp.nextSequence++
	mp.addTransaction(desc)

	if !bypassLimits {
		mp.trimToSize()
	}
	return nil, desc, nil
}

// chainRuleError converts an error from the blockchain package into a
// mempool rule error, preserving the corruption-possible classification.
func chainRuleError(err error) error {
	var chainErr blockchain.RuleError
	if errors.As(err, &chainErr) {
		kind := ErrInvalid
		if chainErr.CorruptionPossible {
			kind = ErrCorruptionPossible
		}
		return RuleError{Err: kind, Description: chainErr.Description}
	}
	return err
}

// addTransaction inserts the provided descriptor into the pool and all of
// its indexes.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addTransaction(desc *TxDesc) {
	mp.pool[*desc.Tx.Hash()] = desc
	for _, txIn := range desc.Tx.MsgTx().TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = desc.Tx
	}
	mp.orderIndex.ReplaceOrInsert(desc)
	mp.feeIndex.ReplaceOrInsert(desc)
	mp.poolBytes += uint64(desc.Tx.MsgTx().SerializeSize())
	mp.markUpdated()

	log.Debugf("Accepted transaction %v (pool %d txns, %d bytes)",
		desc.Tx.Hash(), len(mp.pool), mp.poolBytes)
}

// removeTransaction removes the passed transaction from the mempool.  When
// the removeRedeemers flag is set, any transactions that redeem outputs of
// the removed transaction are also removed recursively.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeTransaction(tx *btcutil.Tx, removeRedeemers bool) {
	txHash := tx.Hash()
	if removeRedeemers {
		outpoint := wire.OutPoint{Hash: *txHash}
		for txOutIdx := range tx.MsgTx().TxOut {
			outpoint.Index = uint32(txOutIdx)
			if redeemer, exists := mp.outpoints[outpoint]; exists {
				mp.removeTransaction(redeemer, true)
			}
		}
	}

	desc, exists := mp.pool[*txHash]
	if !exists {
		return
	}
	for _, txIn := range desc.Tx.MsgTx().TxIn {
		delete(mp.outpoints, txIn.PreviousOutPoint)
	}
	mp.orderIndex.Delete(desc)
	mp.feeIndex.Delete(desc)
	delete(mp.pool, *txHash)
	mp.poolBytes -= uint64(desc.Tx.MsgTx().SerializeSize())
	mp.markUpdated()
}

// RemoveTransaction removes the passed transaction from the mempool.  When
// the removeRedeemers flag is set, any transactions that redeem outputs of
// the removed transaction are also removed recursively.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *btcutil.Tx, removeRedeemers bool) {
	mp.mtx.Lock()
	mp.removeTransaction(tx, removeRedeemers)
	mp.mtx.Unlock()
}

// removeDoubleSpends removes all transactions which spend outputs spent by
// the passed transaction.  Removing those transactions then leads to removing
// all transactions which rely on them, recursively.  This is necessary when a
// block is connected because the block may contain transactions which were
// previously unknown to the memory pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeDoubleSpends(tx *btcutil.Tx) {
	for _, txIn := range tx.MsgTx().TxIn {
		if conflict, exists := mp.outpoints[txIn.PreviousOutPoint]; exists {
			if *conflict.Hash() != *tx.Hash() {
				mp.removeTransaction(conflict, true)
			}
		}
	}
}

// trimToSize evicts the lowest fee rate entries, along with their
// descendants, until the pool fits its byte budget again.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) trimToSize() {
	for mp.poolBytes > mp.cfg.MaxPoolBytes {
		worst, ok := mp.feeIndex.Min()
		if !ok {
			break
		}
		log.Debugf("Mempool full: evicting %v (fee rate %d) and its "+
			"descendants", worst.Tx.Hash(), worst.feeRate())
		mp.removeTransaction(worst.Tx, true)
	}
}

// ProcessTransaction is the main entry for adding new transactions to the
// pool.  It validates the transaction under the full accept pipeline and,
// when acceptable, inserts it and returns its descriptor.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessTransaction(tx *btcutil.Tx) (*TxDesc, error) {
	mp.cfg.ChainLock.RLock()
	defer mp.cfg.ChainLock.RUnlock()
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	missingParents, desc, err := mp.maybeAcceptTransaction(tx, false, false)
	if err != nil {
		return nil, err
	}
	if len(missingParents) > 0 {
		str := fmt.Sprintf("transaction %v references outputs of unknown "+
			"or fully spent transaction %v", tx.Hash(), missingParents[0])
		return nil, ruleError(ErrMissingInputs, str)
	}
	return desc, nil
}

// TryAccept validates the transaction under the full accept pipeline without
// mutating the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) TryAccept(tx *btcutil.Tx) error {
	mp.cfg.ChainLock.RLock()
	defer mp.cfg.ChainLock.RUnlock()
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	missingParents, _, err := mp.maybeAcceptTransaction(tx, false, true)
	if err != nil {
		return err
	}
	if len(missingParents) > 0 {
		str := fmt.Sprintf("transaction %v references outputs of unknown "+
			"or fully spent transaction %v", tx.Hash(), missingParents[0])
		return ruleError(ErrMissingInputs, str)
	}
	return nil
}

// HandleConnectedBlock removes the provided now-confirmed transactions from
// the pool along with anything that double spends them, and drops them from
// the disconnect pool.  It implements blockchain.MempoolReconciler.
//
// This function is invoked by the chain with the chain lock already held.
func (mp *TxPool) HandleConnectedBlock(txns []*btcutil.Tx) {
	mp.mtx.Lock()
	for i, tx := range txns {
		if i == 0 || blockchain.IsCoinStakeTx(tx.MsgTx()) {
			continue
		}
		mp.removeTransaction(tx, false)
		mp.removeDoubleSpends(tx)
		mp.disconnects.remove(tx.Hash())
	}
	mp.mtx.Unlock()
}

// HandleDisconnectedBlock adds the transactions of a disconnected block to
// the disconnect pool in reverse block order, excluding the coinbase and
// coinstake whose outputs no longer exist.  It implements
// blockchain.MempoolReconciler.
//
// This function is invoked by the chain with the chain lock already held.
func (mp *TxPool) HandleDisconnectedBlock(txns []*btcutil.Tx) {
	mp.mtx.Lock()
	for i := len(txns) - 1; i >= 1; i-- {
		if blockchain.IsCoinStakeTx(txns[i].MsgTx()) {
			continue
		}
		mp.disconnects.add(txns[i])
	}
	mp.mtx.Unlock()
}

// ReplayDisconnectPool attempts to re-admit every transaction in the
// disconnect pool, parents before children, with the fee and chain limits
// bypassed.  Transactions that fail to re-admit are removed from the pool
// recursively together with any dependents that made it in earlier.  It
// implements blockchain.MempoolReconciler.
//
// This function is invoked by the chain with the chain lock already held.
func (mp *TxPool) ReplayDisconnectPool() {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	for _, tx := range mp.disconnects.drainReversed() {
		missingParents, _, err := mp.maybeAcceptTransaction(tx, true, false)
		if err != nil || len(missingParents) > 0 {
			if err != nil {
				log.Debugf("Evicting unreadmittable transaction %v: %v",
					tx.Hash(), err)
			}
			mp.removeTransaction(tx, true)
		}
	}
	mp.trimToSize()
}
