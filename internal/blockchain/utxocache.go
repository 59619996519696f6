// Copyright (c) 2021-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

const (
	// periodicFlushInterval is the amount of time to wait before a periodic
	// flush is required.
	periodicFlushInterval = time.Minute * 2
)

// Chainstate database key layout.  The utxo set and the token state share
// this database so a single batch commits both atomically.
//
//	c<outpoint>  -> serialized utxo entry
//	B            -> best block hash the stored state corresponds to
//	H            -> flush-in-progress marker: old tip || new tip
//	k*           -> token state tables (see the tokens package)
var (
	utxoKeyPrefix         = []byte("c")
	bestChainStateKeyName = []byte("B")
	flushMarkerKeyName    = []byte("H")
)

// outpointKey returns the chainstate database key for the provided outpoint.
func outpointKey(outpoint wire.OutPoint) []byte {
	key := make([]byte, 0, len(utxoKeyPrefix)+chainhash.HashSize+4)
	key = append(key, utxoKeyPrefix...)
	key = append(key, outpoint.Hash[:]...)
	key = append(key, byte(outpoint.Index), byte(outpoint.Index>>8),
		byte(outpoint.Index>>16), byte(outpoint.Index>>24))
	return key
}

// serializeUtxoEntry returns the serialized form of an unspent utxo entry.
func serializeUtxoEntry(entry *UtxoEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(entry.amount)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(entry.blockHeight)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(entry.blockTime)); err != nil {
		return nil, err
	}
	flags := byte(entry.packedFlags & (utxoFlagCoinBase | utxoFlagCoinStake))
	buf.WriteByte(flags)
	if err := wire.WriteVarBytes(&buf, 0, entry.pkScript); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeUtxoEntry decodes an entry produced by serializeUtxoEntry.
func deserializeUtxoEntry(serialized []byte) (*UtxoEntry, error) {
	r := bytes.NewReader(serialized)
	amount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	height, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	blockTime, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	script, err := wire.ReadVarBytes(r, 0, maxScriptAllocSize, "script")
	if err != nil {
		return nil, err
	}
	payload, err := tokens.ExtractPayload(script)
	if err != nil {
		return nil, err
	}
	return &UtxoEntry{
		amount:       int64(amount),
		blockHeight:  int32(height),
		blockTime:    int64(blockTime),
		packedFlags:  utxoFlags(flags) & (utxoFlagCoinBase | utxoFlagCoinStake),
		pkScript:     script,
		tokenPayload: payload,
	}, nil
}

// UtxoCache is the tip layer of the utxo view stack.  It caches entries on
// top of the chainstate database under a soft byte budget and accumulates the
// mutations committed from per-block viewpoints until they are flushed.
//
// The flush ordering contract with the rest of the node is: block and undo
// files are fsynced first, then the block index batch is written, and only
// then is the cache (together with the token cache) rewritten, so an
// interrupted flush is always recoverable by replaying blocks.
type UtxoCache struct {
	mtx sync.Mutex

	db          *leveldb.DB
	maxSize     uint64
	totalSize   uint64
	entries     map[wire.OutPoint]*UtxoEntry
	lastFlush   time.Time
	bestHash    chainhash.Hash // state the database + pending entries represent
	flushedHash chainhash.Hash // state the database alone represents
}

// UtxoCacheConfig is a descriptor which specifies the utxo cache instance
// configuration.
type UtxoCacheConfig struct {
	// DB is the chainstate database.
	DB *leveldb.DB

	// MaxSize defines the soft byte budget for cached entries.  When the
	// budget is exceeded during a flush the entire cache is written and
	// cleared.
	MaxSize uint64
}

// NewUtxoCache returns a UtxoCache instance using the provided configuration
// details.
func NewUtxoCache(config *UtxoCacheConfig) *UtxoCache {
	return &UtxoCache{
		db:        config.DB,
		maxSize:   config.MaxSize,
		entries:   make(map[wire.OutPoint]*UtxoEntry),
		lastFlush: time.Now(),
	}
}

// Initialize loads the best chain state marker from the chainstate database.
// The returned hash is all zeros when the database is new.
func (c *UtxoCache) Initialize() (chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	serialized, err := c.db.Get(bestChainStateKeyName, nil)
	if err == ldberrors.ErrNotFound {
		return chainhash.Hash{}, nil
	}
	if err != nil {
		return chainhash.Hash{}, err
	}
	copy(c.bestHash[:], serialized)
	c.flushedHash = c.bestHash
	return c.bestHash, nil
}

// fetchFromDB loads an entry directly from the chainstate database.
func (c *UtxoCache) fetchFromDB(outpoint wire.OutPoint) (*UtxoEntry, error) {
	serialized, err := c.db.Get(outpointKey(outpoint), nil)
	if err == ldberrors.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeUtxoEntry(serialized)
}

// FetchEntry returns the utxo entry for the provided outpoint, resolving
// through to the database and populating the cache on a miss.  The returned
// entry may be a spent tombstone; callers check IsSpent.
func (c *UtxoCache) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if entry, ok := c.entries[outpoint]; ok {
		return entry, nil
	}
	entry, err := c.fetchFromDB(outpoint)
	if err != nil {
		return nil, err
	}
	c.entries[outpoint] = entry
	if entry != nil {
		c.totalSize += entry.size()
	}
	return entry, nil
}

// Commit atomically absorbs all modified entries of the provided view into
// the cache and clears the view.  Either every modified entry is applied or,
// on error, the cache is left untouched.
func (c *UtxoCache) Commit(view *UtxoViewpoint) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for outpoint, entry := range view.entries {
		if entry == nil || !entry.isModified() {
			continue
		}

		if entry.IsSpent() {
			cached, ok := c.entries[outpoint]
			if ok && cached != nil && cached.isFresh() {
				// The output was created after the last flush, so the
				// database never saw it.  Forget it entirely.
				c.totalSize -= cached.size()
				delete(c.entries, outpoint)
				continue
			}
			if entry.isFresh() {
				continue
			}
			// Keep a tombstone so the flush deletes it from the database.
			if ok && cached != nil {
				c.totalSize -= cached.size()
			}
			tombstone := entry.Clone()
			c.entries[outpoint] = tombstone
			c.totalSize += tombstone.size()
			continue
		}

		cached, ok := c.entries[outpoint]
		if ok && cached != nil {
			c.totalSize -= cached.size()
		}
		fresh := entry.isFresh()
		if ok && cached != nil && !cached.isFresh() {
			fresh = false
		}
		committed := entry.Clone()
		committed.packedFlags |= utxoFlagModified
		if fresh {
			committed.packedFlags |= utxoFlagFresh
		} else {
			committed.packedFlags &^= utxoFlagFresh
		}
		c.entries[outpoint] = committed
		c.totalSize += committed.size()
	}

	c.bestHash = view.bestHash
	view.entries = make(map[wire.OutPoint]*UtxoEntry)
	return nil
}

// flush writes every modified entry, plus everything the provided extra
// callbacks append (the token cache uses this to land in the same batch), to
// the chainstate database.  The flush is staged so an interruption is
// detectable: a marker naming the old and new tips is written first, the data
// batch second, and the final best state last, removing the marker.
func (c *UtxoCache) flush(extra func(batch *leveldb.Batch)) error {
	// Stage 1: record that a flush from flushedHash to bestHash is in
	// progress so startup can replay the gap when interrupted.
	var marker [2 * chainhash.HashSize]byte
	copy(marker[:chainhash.HashSize], c.flushedHash[:])
	copy(marker[chainhash.HashSize:], c.bestHash[:])
	if err := c.db.Put(flushMarkerKeyName, marker[:], nil); err != nil {
		return err
	}

	// Stage 2: the data batch.
	batch := new(leveldb.Batch)
	for outpoint, entry := range c.entries {
		if entry == nil || !entry.isModified() {
			continue
		}
		if entry.IsSpent() {
			batch.Delete(outpointKey(outpoint))
		} else {
			serialized, err := serializeUtxoEntry(entry)
			if err != nil {
				return err
			}
			batch.Put(outpointKey(outpoint), serialized)
		}
	}
	if extra != nil {
		extra(batch)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return err
	}

	// Stage 3: move the best state marker and drop the in-progress marker.
	// The best block marker is always the last write of a flush.
	final := new(leveldb.Batch)
	final.Put(bestChainStateKeyName, c.bestHash[:])
	final.Delete(flushMarkerKeyName)
	if err := c.db.Write(final, nil); err != nil {
		return err
	}

	// All entries now match the database; drop the modified and fresh
	// markers, and clear the cache entirely when it is over budget.
	if c.totalSize > c.maxSize {
		c.entries = make(map[wire.OutPoint]*UtxoEntry)
		c.totalSize = 0
	} else {
		for outpoint, entry := range c.entries {
			if entry == nil {
				continue
			}
			if entry.IsSpent() {
				c.totalSize -= entry.size()
				delete(c.entries, outpoint)
				continue
			}
			entry.packedFlags &^= utxoFlagModified | utxoFlagFresh
		}
	}
	c.flushedHash = c.bestHash
	c.lastFlush = time.Now()
	return nil
}

// MaybeFlush conditionally flushes the cache (and, through the extra
// callback, the token cache) to the chainstate database.  A flush is forced
// by the caller during shutdown and pruning; otherwise it is triggered when
// the cache exceeds its byte budget or the periodic interval has elapsed.
func (c *UtxoCache) MaybeFlush(force bool, extra func(batch *leveldb.Batch)) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !force && c.totalSize <= c.maxSize &&
		time.Since(c.lastFlush) < periodicFlushInterval {
		return nil
	}
	if c.bestHash == c.flushedHash && !force {
		return nil
	}

	log.Debugf("Flushing utxo cache (%d entries, %d bytes) to best block %v",
		len(c.entries), c.totalSize, c.bestHash)
	return c.flush(extra)
}

// FlushMarker returns the flush-in-progress marker hashes when one exists.
// The first return is the tip the database fully represents and the second is
// the tip an interrupted flush was moving toward.
func (c *UtxoCache) FlushMarker() (oldTip, newTip *chainhash.Hash, err error) {
	serialized, err := c.db.Get(flushMarkerKeyName, nil)
	if err == ldberrors.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(serialized) != 2*chainhash.HashSize {
		return nil, nil, corruptionError(ErrUtxoBackendCorruption, fmt.Sprintf(
			"flush marker has unexpected length %d", len(serialized)))
	}
	var oldHash, newHash chainhash.Hash
	copy(oldHash[:], serialized[:chainhash.HashSize])
	copy(newHash[:], serialized[chainhash.HashSize:])
	return &oldHash, &newHash, nil
}
