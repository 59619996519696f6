// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"container/list"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// disconnectPool holds transactions that were evicted from disconnected
// blocks during a reorganization until they are re-admitted to the mempool.
// It is an insertion-ordered set with hash lookup, bounded by the serialized
// byte size of its contents: when the budget is exceeded the oldest entries
// are dropped, since they are the ones furthest from the new tip.
type disconnectPool struct {
	byHash   map[chainhash.Hash]*list.Element
	order    *list.List // of *btcutil.Tx, insertion order
	numBytes uint64
	maxBytes uint64
}

// newDisconnectPool returns an empty disconnect pool bounded by the provided
// byte budget.
func newDisconnectPool(maxBytes uint64) *disconnectPool {
	return &disconnectPool{
		byHash:   make(map[chainhash.Hash]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
	}
}

// add appends the provided transaction, dropping the oldest entries when the
// byte budget would be exceeded.  Duplicates are ignored.
func (p *disconnectPool) add(tx *btcutil.Tx) {
	if _, exists := p.byHash[*tx.Hash()]; exists {
		return
	}
	p.byHash[*tx.Hash()] = p.order.PushBack(tx)
	p.numBytes += uint64(tx.MsgTx().SerializeSize())

	for p.numBytes > p.maxBytes && p.order.Len() > 0 {
		oldest := p.order.Front()
		p.removeElement(oldest)
	}
}

// remove deletes the transaction with the provided hash, if present.
func (p *disconnectPool) remove(hash *chainhash.Hash) {
	if elem, exists := p.byHash[*hash]; exists {
		p.removeElement(elem)
	}
}

// removeElement removes the provided list element and its index entry.
func (p *disconnectPool) removeElement(elem *list.Element) {
	tx := elem.Value.(*btcutil.Tx)
	delete(p.byHash, *tx.Hash())
	p.order.Remove(elem)
	p.numBytes -= uint64(tx.MsgTx().SerializeSize())
}

// drainReversed removes and returns all entries in reverse insertion order.
// Since disconnected block transactions are inserted in reverse block order,
// the returned sequence yields dependency parents before their children.
func (p *disconnectPool) drainReversed() []*btcutil.Tx {
	txns := make([]*btcutil.Tx, 0, p.order.Len())
	for elem := p.order.Back(); elem != nil; elem = elem.Prev() {
		txns = append(txns, elem.Value.(*btcutil.Tx))
	}
	p.byHash = make(map[chainhash.Hash]*list.Element)
	p.order.Init()
	p.numBytes = 0
	return txns
}

// contains reports whether a transaction with the provided hash is present.
func (p *disconnectPool) contains(hash *chainhash.Hash) bool {
	_, exists := p.byHash[*hash]
	return exists
}
