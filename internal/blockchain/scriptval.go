// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// validationCache is a content-addressed cache of successful whole
// transaction script verifications.  The key commits to a per-process random
// nonce, the witness transaction hash, and the verification flags, so an
// entry can only match an identical verification in this process.  The cache
// is a bounded set with random eviction.
type validationCache struct {
	mtx        sync.Mutex
	nonce      [32]byte
	maxEntries int
	entries    map[chainhash.Hash]struct{}
}

// newValidationCache returns a validation cache holding at most maxEntries
// results, keyed with the provided nonce.
func newValidationCache(nonce [32]byte, maxEntries int) *validationCache {
	return &validationCache{
		nonce:      nonce,
		maxEntries: maxEntries,
		entries:    make(map[chainhash.Hash]struct{}, maxEntries),
	}
}

// key derives the cache key for the provided witness transaction hash under
// the provided script flags.
func (c *validationCache) key(witnessHash *chainhash.Hash, flags txscript.ScriptFlags) chainhash.Hash {
	var buf [32 + chainhash.HashSize + 4]byte
	copy(buf[:32], c.nonce[:])
	copy(buf[32:], witnessHash[:])
	binary.LittleEndian.PutUint32(buf[32+chainhash.HashSize:], uint32(flags))
	return chainhash.DoubleHashH(buf[:])
}

// Contains reports whether the provided key is in the cache.
func (c *validationCache) Contains(key chainhash.Hash) bool {
	c.mtx.Lock()
	_, ok := c.entries[key]
	c.mtx.Unlock()
	return ok
}

// Add inserts the provided key, evicting a random entry when the cache is
// full.
func (c *validationCache) Add(key chainhash.Hash) {
	c.mtx.Lock()
	if len(c.entries) >= c.maxEntries {
		// Map iteration order is randomized, so deleting the first visited
		// entry implements random eviction without extra bookkeeping.
		for evict := range c.entries {
			delete(c.entries, evict)
			break
		}
	}
	c.entries[key] = struct{}{}
	c.mtx.Unlock()
}

// scriptCheck holds everything needed to verify a single transaction input:
// the spending transaction, the input index, the executable portion of the
// previous output script, its amount, and the precomputed sighash midstate
// bundle shared by all inputs of the transaction.
type scriptCheck struct {
	tx          *btcutil.Tx
	txInIdx     int
	pkScript    []byte
	amount      int64
	flags       txscript.ScriptFlags
	sigHashes   *txscript.TxSigHashes
	prevFetcher txscript.PrevOutputFetcher
}

// ScriptCheckEngine verifies transaction input scripts on a bounded worker
// pool.  There is a single instance per node and at most one batch is in
// flight at a time: callers hold batchMtx for the full push/wait span.  The
// batch mutex is deliberately independent of the chain lock so the block
// connect path can release the chain lock while its batch drains.
//
// A worker count of zero runs every check inline on the pushing goroutine.
// On the first failure the batch is latched failed and subsequent pushes
// short-circuit; remaining queued checks may still run but their results are
// ignored.
type ScriptCheckEngine struct {
	sigCache *txscript.SigCache
	valCache *validationCache

	// batchMtx serializes batches.  It is always acquired after the chain
	// lock when both are needed and is never held while acquiring it.
	batchMtx sync.Mutex

	workers  int
	tasks    chan *scriptCheck
	pending  sync.WaitGroup
	workerWG sync.WaitGroup
	quit     chan struct{}

	mtx      sync.Mutex
	batchErr error
}

// NewScriptCheckEngine returns a script check engine with the provided
// number of workers.  The engine owns the node's signature cache and
// validation cache; the provided nonce keys the validation cache.
func NewScriptCheckEngine(workers int, sigCacheSize uint, valCacheSize int, nonce [32]byte) *ScriptCheckEngine {
	e := &ScriptCheckEngine{
		sigCache: txscript.NewSigCache(sigCacheSize),
		valCache: newValidationCache(nonce, valCacheSize),
		workers:  workers,
		quit:     make(chan struct{}),
	}
	if workers > 0 {
		e.tasks = make(chan *scriptCheck, 1024)
		e.workerWG.Add(workers)
		for i := 0; i < workers; i++ {
			go e.worker()
		}
	}
	return e
}

// SigCache returns the engine's shared signature verification cache.
func (e *ScriptCheckEngine) SigCache() *txscript.SigCache {
	return e.sigCache
}

// worker drains the task channel until the engine shuts down.
func (e *ScriptCheckEngine) worker() {
	defer e.workerWG.Done()
	for {
		select {
		case <-e.quit:
			return
		case check := <-e.tasks:
			e.runCheck(check)
			e.pending.Done()
		}
	}
}

// failed reports whether the current batch has already failed.
func (e *ScriptCheckEngine) failed() bool {
	e.mtx.Lock()
	failed := e.batchErr != nil
	e.mtx.Unlock()
	return failed
}

// setErr latches the first error of the current batch.
func (e *ScriptCheckEngine) setErr(err error) {
	e.mtx.Lock()
	if e.batchErr == nil {
		e.batchErr = err
	}
	e.mtx.Unlock()
}

// runCheck executes a single script check unless the batch already failed.
func (e *ScriptCheckEngine) runCheck(check *scriptCheck) {
	if e.failed() {
		return
	}

	vm, err := txscript.NewEngine(check.pkScript, check.tx.MsgTx(),
		check.txInIdx, check.flags, e.sigCache, check.sigHashes,
		check.amount, check.prevFetcher)
	if err != nil {
		str := fmt.Sprintf("failed to parse input %s:%d - %v (prev output "+
			"script bytes %x)", check.tx.Hash(), check.txInIdx, err,
			check.pkScript)
		e.setErr(ruleError(ErrScriptMalformed, str))
		return
	}
	if err := vm.Execute(); err != nil {
		str := fmt.Sprintf("failed to validate input %s:%d - %v (prev "+
			"output script bytes %x)", check.tx.Hash(), check.txInIdx, err,
			check.pkScript)
		e.setErr(ruleError(ErrScriptValidation, str))
	}
}

// PushBatch appends the provided checks to the engine's queue.  When the
// current batch has already failed the checks are dropped.
func (e *ScriptCheckEngine) PushBatch(checks []*scriptCheck) {
	if e.failed() {
		return
	}
	if e.workers == 0 {
		for _, check := range checks {
			e.runCheck(check)
		}
		return
	}
	e.pending.Add(len(checks))
	for _, check := range checks {
		e.tasks <- check
	}
}

// Wait blocks until every pending check of the current batch completes and
// returns nil when all of them succeeded.  The batch state is reset for the
// next caller.
func (e *ScriptCheckEngine) Wait() error {
	e.pending.Wait()
	e.mtx.Lock()
	err := e.batchErr
	e.batchErr = nil
	e.mtx.Unlock()
	return err
}

// Shutdown stops the workers.  In-flight checks finish; queued checks are
// abandoned.
func (e *ScriptCheckEngine) Shutdown() {
	close(e.quit)
	e.workerWG.Wait()
}

// checkBlockScripts queues script checks for every input of every
// transaction in the block that is not already covered by the validation
// cache, waits for them, and records successful whole-transaction results.
//
// The utxo view must already contain every input.  The checks are assembled
// from task-local copies of the input data while the chain lock is held, the
// lock is then released while the worker pool drains the batch, and it is
// re-acquired before returning so the caller commits under the lock as
// usual.  The process lock held by every connect pipeline guarantees no
// other writer can mutate the chain state within that window.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) checkBlockScripts(block *btcutil.Block, view *UtxoViewpoint, flags txscript.ScriptFlags) error {
	engine := b.scriptEngine

	transactions := block.Transactions()
	var cachedKeys []chainhash.Hash
	checks := make([]*scriptCheck, 0, 32)
	for txIdx, tx := range transactions {
		if txIdx == 0 {
			continue
		}

		key := engine.valCache.key(tx.WitnessHash(), flags)
		if engine.valCache.Contains(key) {
			continue
		}
		cachedKeys = append(cachedKeys, key)

		// Build the previous output fetcher and cached sighash components
		// shared by all of the transaction's inputs.
		prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
		for _, txIn := range tx.MsgTx().TxIn {
			entry := view.LookupEntry(txIn.PreviousOutPoint)
			if entry == nil {
				str := fmt.Sprintf("unable to find unspent output %v "+
					"referenced from transaction %s", txIn.PreviousOutPoint,
					tx.Hash())
				return ruleError(ErrMissingTxOut, str)
			}
			baseScript, _ := tokens.SplitScript(entry.PkScript())
			prevFetcher.AddPrevOut(txIn.PreviousOutPoint, &wire.TxOut{
				Value:    entry.Amount(),
				PkScript: baseScript,
			})
		}
		sigHashes := txscript.NewTxSigHashes(tx.MsgTx(), prevFetcher)

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
	}

	// Push the batch and release the chain lock while awaiting completion
	// so other chain-lock holders, the mempool foremost, are not stalled
	// behind the parallel verification.  The batch mutex keeps any other
	// batch out of the engine for the duration and is dropped before the
	// chain lock is re-acquired to preserve the lock order.
	engine.batchMtx.Lock()
	b.chainLock.Unlock()
	engine.PushBatch(checks)
	err := engine.Wait()
	engine.batchMtx.Unlock()
	b.chainLock.Lock()
	if err != nil {
		return err
	}

	// Every check passed; remember the whole-transaction results.
	for _, key := range cachedKeys {
		engine.valCache.Add(key)
	}
	return nil
}
