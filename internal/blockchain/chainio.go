// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Index database key layout.  All metadata that is not part of the utxo or
// token state lives in the index database:
//
//	b|<hash>                  -> block index entry
//	f|<file u32>              -> block file info
//	t|<txid>                  -> tx index entry {file, block offset, tx offset}
//	a|<type,skey,height,...>  -> address index entry
//	u|<type,skey,outpoint>    -> unspent address index entry
//	s|<outpoint>              -> spent index entry
//	T|<time u32><height u32>  -> timestamp index entry
//	F|<name>                  -> boolean flag
//	R                         -> reindex sentinel
var (
	blockIndexKeyPrefix     = []byte("b|")
	fileInfoKeyPrefix       = []byte("f|")
	txIndexKeyPrefix        = []byte("t|")
	addrIndexKeyPrefix      = []byte("a|")
	unspentIndexKeyPrefix   = []byte("u|")
	spentIndexKeyPrefix     = []byte("s|")
	timestampIndexKeyPrefix = []byte("T|")
	flagKeyPrefix           = []byte("F|")
	reindexKeyName          = []byte("R")
)

// Flag names stored under the F| prefix.
const (
	flagTxIndex          = "txindex"
	flagAddressIndex     = "addressindex"
	flagTokenIndex       = "tokenindex"
	flagTimestampIndex   = "timestampindex"
	flagSpentIndex       = "spentindex"
	flagPrunedBlockFiles = "prunedblockfiles"
)

// blockIndexKey returns the index database key for the block index entry of
// the provided hash.
func blockIndexKey(hash *chainhash.Hash) []byte {
	key := make([]byte, 0, len(blockIndexKeyPrefix)+chainhash.HashSize)
	key = append(key, blockIndexKeyPrefix...)
	key = append(key, hash[:]...)
	return key
}

// fileInfoKey returns the index database key for the numbered block file.
func fileInfoKey(fileNum int32) []byte {
	key := make([]byte, len(fileInfoKeyPrefix)+4)
	copy(key, fileInfoKeyPrefix)
	binary.LittleEndian.PutUint32(key[len(fileInfoKeyPrefix):], uint32(fileNum))
	return key
}

// txIndexKey returns the index database key for the provided transaction
// hash.
func txIndexKey(txHash *chainhash.Hash) []byte {
	key := make([]byte, 0, len(txIndexKeyPrefix)+chainhash.HashSize)
	key = append(key, txIndexKeyPrefix...)
	key = append(key, txHash[:]...)
	return key
}

// flagKey returns the index database key for the named boolean flag.
func flagKey(name string) []byte {
	return append(append([]byte{}, flagKeyPrefix...), name...)
}

// serializeBlockNode returns the serialized form of a block index entry.
func serializeBlockNode(node *blockNode) ([]byte, error) {
	var buf bytes.Buffer
	header := node.Header()
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}

	var fields [40]byte
	binary.LittleEndian.PutUint32(fields[0:4], uint32(node.height))
	binary.LittleEndian.PutUint16(fields[4:6], uint16(node.status))
	binary.LittleEndian.PutUint32(fields[6:10], node.numTx)
	binary.LittleEndian.PutUint32(fields[10:14], uint32(node.blockFile))
	binary.LittleEndian.PutUint32(fields[14:18], node.blockOffset)
	binary.LittleEndian.PutUint32(fields[18:22], uint32(node.undoFile))
	binary.LittleEndian.PutUint32(fields[22:26], node.undoOffset)
	if node.isProofOfStake {
		fields[26] = 1
	}
	buf.Write(fields[:27])
	buf.Write(node.stakeModifier[:])
	return buf.Bytes(), nil
}

// blockIndexEntry is the decoded form of a serialized block index entry.
type blockIndexEntry struct {
	header         wire.BlockHeader
	height         int32
	status         blockStatus
	numTx          uint32
	blockLoc       blockLocation
	undoLoc        blockLocation
	isProofOfStake bool
	stakeModifier  chainhash.Hash
}

// deserializeBlockNode decodes an entry produced by serializeBlockNode.
func deserializeBlockNode(serialized []byte) (*blockIndexEntry, error) {
	r := bytes.NewReader(serialized)
	var entry blockIndexEntry
	if err := entry.header.Deserialize(r); err != nil {
		return nil, err
	}

	var fields [27]byte
	if _, err := io.ReadFull(r, fields[:]); err != nil {
		return nil, err
	}
	entry.height = int32(binary.LittleEndian.Uint32(fields[0:4]))
	entry.status = blockStatus(binary.LittleEndian.Uint16(fields[4:6]))
	entry.numTx = binary.LittleEndian.Uint32(fields[6:10])
	entry.blockLoc = blockLocation{
		file:   int32(binary.LittleEndian.Uint32(fields[10:14])),
		offset: binary.LittleEndian.Uint32(fields[14:18]),
	}
	entry.undoLoc = blockLocation{
		file:   int32(binary.LittleEndian.Uint32(fields[18:22])),
		offset: binary.LittleEndian.Uint32(fields[22:26]),
	}
	entry.isProofOfStake = fields[26] != 0
	if _, err := io.ReadFull(r, entry.stakeModifier[:]); err != nil {
		return nil, err
	}
	return &entry, nil
}

// serializeFileInfo returns the serialized form of a block file info record.
func serializeFileInfo(info *blockFileInfo) []byte {
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:4], info.blocks)
	binary.LittleEndian.PutUint32(buf[4:8], info.size)
	binary.LittleEndian.PutUint32(buf[8:12], info.undoSize)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(info.heightFirst))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(info.heightLast))
	return buf[:]
}

// deserializeFileInfo decodes a record produced by serializeFileInfo.
func deserializeFileInfo(serialized []byte) (*blockFileInfo, error) {
	if len(serialized) < 20 {
		return nil, fmt.Errorf("short block file info record (%d bytes)",
			len(serialized))
	}
	return &blockFileInfo{
		blocks:      binary.LittleEndian.Uint32(serialized[0:4]),
		size:        binary.LittleEndian.Uint32(serialized[4:8]),
		undoSize:    binary.LittleEndian.Uint32(serialized[8:12]),
		heightFirst: int32(binary.LittleEndian.Uint32(serialized[12:16])),
		heightLast:  int32(binary.LittleEndian.Uint32(serialized[16:20])),
	}, nil
}

// txIndexEntry locates a transaction on disk: the block file and offset of
// the containing block plus the offset of the transaction within the
// serialized block.
type txIndexEntry struct {
	blockLoc blockLocation
	txOffset uint32
}

// serializeTxIndexEntry returns the serialized form of a tx index entry.
func serializeTxIndexEntry(entry *txIndexEntry) []byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(entry.blockLoc.file))
	binary.LittleEndian.PutUint32(buf[4:8], entry.blockLoc.offset)
	binary.LittleEndian.PutUint32(buf[8:12], entry.txOffset)
	return buf[:]
}

// deserializeTxIndexEntry decodes a record produced by
// serializeTxIndexEntry.
func deserializeTxIndexEntry(serialized []byte) (*txIndexEntry, error) {
	if len(serialized) < 12 {
		return nil, fmt.Errorf("short tx index record (%d bytes)",
			len(serialized))
	}
	return &txIndexEntry{
		blockLoc: blockLocation{
			file:   int32(binary.LittleEndian.Uint32(serialized[0:4])),
			offset: binary.LittleEndian.Uint32(serialized[4:8]),
		},
		txOffset: binary.LittleEndian.Uint32(serialized[8:12]),
	}, nil
}

// dbFetchFlag returns the value of the named boolean flag from the index
// database.  Missing flags are false.
func dbFetchFlag(db *leveldb.DB, name string) (bool, error) {
	value, err := db.Get(flagKey(name), nil)
	if err == ldberrors.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// batchPutFlag stages a write of the named boolean flag to the provided
// batch.
func batchPutFlag(batch *leveldb.Batch, name string, value bool) {
	b := []byte{0}
	if value {
		b[0] = 1
	}
	batch.Put(flagKey(name), b)
}

// flushBlockIndex writes all block index entries in the modified set, plus
// all dirty block file info records, to the index database in a single batch
// and clears both dirty sets when it succeeds.
//
// Per the flush ordering contract this must only be called after the block
// store has been synced.
func (b *BlockChain) flushBlockIndex() error {
	batch := new(leveldb.Batch)

	b.index.Lock()
	for node := range b.index.modified {
		serialized, err := serializeBlockNode(node)
		if err != nil {
			b.index.Unlock()
			return err
		}
		batch.Put(blockIndexKey(&node.hash), serialized)
	}
	b.index.Unlock()

	b.store.mtx.Lock()
	for fileNum := range b.store.dirtyFiles {
		info := b.store.fileInfoLocked(fileNum)
		batch.Put(fileInfoKey(fileNum), serializeFileInfo(info))
	}
	b.store.mtx.Unlock()

	if err := b.db.Write(batch, nil); err != nil {
		return err
	}

	b.index.Lock()
	b.index.modified = make(map[*blockNode]struct{})
	b.index.Unlock()
	return nil
}

// loadBlockIndex reads every block index entry from the index database,
// reconstructs the in-memory block tree including parent links and skip
// pointers, and returns the node for the provided best chain state hash.
// When the database is empty the genesis block node is created.
func (b *BlockChain) loadBlockIndex(stateHash *chainhash.Hash) (*blockNode, error) {
	var entries []*blockIndexEntry
	iter := b.db.NewIterator(util.BytesPrefix(blockIndexKeyPrefix), nil)
	for iter.Next() {
		entry, err := deserializeBlockNode(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		entries = append(entries, entry)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	// Create the genesis node fresh when the index is empty.
	if len(entries) == 0 {
		genesisHeader := &b.chainParams.GenesisBlock.Header
		node := newBlockNode(genesisHeader, nil)
		node.status = statusValidTree | statusValidTransactions |
			statusValidChain | statusValidScripts | statusDataStored
		node.numTx = uint32(len(b.chainParams.GenesisBlock.Transactions))
		node.chainTxCount = uint64(node.numTx)
		node.isFullyLinked = true
		b.index.addNodeFromDB(node)
		b.index.modified[node] = struct{}{}
		b.index.addBestChainCandidate(node)
		return node, nil
	}

	// Entries must be linked parents-first, so order by height.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].height < entries[j].height
	})

	var tip *blockNode
	for _, entry := range entries {
		var parent *blockNode
		if entry.height != 0 {
			parent = b.index.lookupNode(&entry.header.PrevBlock)
			if parent == nil {
				str := fmt.Sprintf("block index entry %v references "+
					"unknown parent %v", entry.header.BlockHash(),
					entry.header.PrevBlock)
				return nil, corruptionError(ErrUtxoBackendCorruption, str)
			}
		}
		node := newBlockNode(&entry.header, parent)
		node.status = entry.status
		node.numTx = entry.numTx
		node.blockFile = entry.blockLoc.file
		node.blockOffset = entry.blockLoc.offset
		node.undoFile = entry.undoLoc.file
		node.undoOffset = entry.undoLoc.offset
		node.isProofOfStake = entry.isProofOfStake
		node.stakeModifier = entry.stakeModifier
		if node.status.HaveData() &&
			(parent == nil || parent.chainTxCount != 0) {
			node.isFullyLinked = true
			if parent != nil {
				node.chainTxCount = parent.chainTxCount + uint64(node.numTx)
			} else {
				node.chainTxCount = uint64(node.numTx)
			}
		}
		b.index.addNodeFromDB(node)

		if node.hash == *stateHash {
			tip = node
		}
	}
	if tip == nil {
		str := fmt.Sprintf("chain state references unknown block %v",
			stateHash)
		return nil, corruptionError(ErrUtxoBackendCorruption, str)
	}

	// Reseed the best chain candidates with every fully linked node that
	// has validated transactions and at least as much work as the tip.
	b.index.forEachChainTip(func(tipNode *blockNode) error {
		for n := tipNode; n != nil; n = n.parent {
			if n.workSum.Cmp(tip.workSum) < 0 {
				break
			}
			if n.status.KnownInvalid() || !b.index.canValidate(n) {
				continue
			}
			if n.status.HasValidatedTransactions() {
				b.index.addBestChainCandidate(n)
			}
		}
		return nil
	})
	b.index.addBestChainCandidate(tip)

	// Restore the block store's file metadata.
	iter = b.db.NewIterator(util.BytesPrefix(fileInfoKeyPrefix), nil)
	for iter.Next() {
		fileNum := int32(binary.LittleEndian.Uint32(
			iter.Key()[len(fileInfoKeyPrefix):]))
		info, err := deserializeFileInfo(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		b.store.fileInfo[fileNum] = info
		if fileNum > b.store.curFile {
			b.store.curFile = fileNum
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return tip, nil
}
