// Copyright (c) 2016-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
	"github.com/syndtr/goleveldb/leveldb"
)

// Address index entries are keyed by a script type byte, the script key of
// the paying script, an optional token name, the block height, and the
// position of the transaction within the block, so that iterating a prefix
// yields a script's history in chain order.  The unspent index drops the
// positional suffix and is keyed by outpoint instead so entries can be
// removed exactly when spent.

// scriptTypeByte collapses the standard script classes into the single type
// byte used by the address index keys.
func scriptTypeByte(pkScript []byte) byte {
	base, _ := tokens.SplitScript(pkScript)
	switch txscript.GetScriptClass(base) {
	case txscript.PubKeyHashTy:
		return 1
	case txscript.ScriptHashTy:
		return 2
	case txscript.WitnessV0PubKeyHashTy:
		return 3
	case txscript.WitnessV0ScriptHashTy:
		return 4
	case txscript.PubKeyTy:
		return 5
	default:
		return 0
	}
}

// addrIndexKey builds an address index key.  The token name is empty for
// plain coin entries.
func addrIndexKey(pkScript []byte, tokenName string, height int32, txIdx, outIdx uint32, spending bool) []byte {
	base, _ := tokens.SplitScript(pkScript)
	scriptKey := tokens.MakeScriptKey(base)

	key := make([]byte, 0, len(addrIndexKeyPrefix)+1+len(scriptKey)+
		1+len(tokenName)+13)
	key = append(key, addrIndexKeyPrefix...)
	key = append(key, scriptTypeByte(pkScript))
	key = append(key, scriptKey[:]...)
	key = append(key, byte(len(tokenName)))
	key = append(key, tokenName...)

	var suffix [13]byte
	binary.BigEndian.PutUint32(suffix[0:4], uint32(height))
	binary.BigEndian.PutUint32(suffix[4:8], txIdx)
	binary.BigEndian.PutUint32(suffix[8:12], outIdx)
	if spending {
		suffix[12] = 1
	}
	return append(key, suffix[:]...)
}

// unspentIndexKey builds an unspent address index key.
func unspentIndexKey(pkScript []byte, tokenName string, outpoint wire.OutPoint) []byte {
	base, _ := tokens.SplitScript(pkScript)
	scriptKey := tokens.MakeScriptKey(base)

	key := make([]byte, 0, len(unspentIndexKeyPrefix)+1+len(scriptKey)+
		1+len(tokenName)+36)
	key = append(key, unspentIndexKeyPrefix...)
	key = append(key, scriptTypeByte(pkScript))
	key = append(key, scriptKey[:]...)
	key = append(key, byte(len(tokenName)))
	key = append(key, tokenName...)
	key = append(key, outpoint.Hash[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], outpoint.Index)
	return append(key, idx[:]...)
}

// spentIndexKey builds a spent index key for the provided previous outpoint.
func spentIndexKey(prevOut wire.OutPoint) []byte {
	key := make([]byte, 0, len(spentIndexKeyPrefix)+36)
	key = append(key, spentIndexKeyPrefix...)
	key = append(key, prevOut.Hash[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], prevOut.Index)
	return append(key, idx[:]...)
}

// timestampIndexKey builds a timestamp index key mapping a block time and
// height to its hash.
func timestampIndexKey(blockTime int64, height int32) []byte {
	key := make([]byte, len(timestampIndexKeyPrefix)+8)
	copy(key, timestampIndexKeyPrefix)
	off := len(timestampIndexKeyPrefix)
	binary.BigEndian.PutUint32(key[off:off+4], uint32(blockTime))
	binary.BigEndian.PutUint32(key[off+4:off+8], uint32(height))
	return key
}

// connectBlockIndexEntries stages every secondary index mutation for a newly
// connected block into the provided batch.  The enabled index set is fixed at
// startup; the corresponding F| flags are written once during chain
// initialization.
func (b *BlockChain) connectBlockIndexEntries(batch *leveldb.Batch, block *btcutil.Block, undo *blockUndoData) error {
	node := b.index.LookupNode(block.Hash())
	if node == nil {
		return AssertError("connectBlockIndexEntries called with unknown block")
	}
	blockLoc := blockLocation{file: node.blockFile, offset: node.blockOffset}
	height := block.Height()
	blockTime := block.MsgBlock().Header.Timestamp.Unix()

	txLocs, err := block.TxLoc()
	if err != nil {
		return err
	}

	stxoIdx := 0
	var amountBuf [8]byte
	for txIdx, tx := range block.Transactions() {
		// Transaction index.
		if b.indexTx {
			entry := txIndexEntry{
				blockLoc: blockLoc,
				txOffset: uint32(txLocs[txIdx].TxStart),
			}
			batch.Put(txIndexKey(tx.Hash()), serializeTxIndexEntry(&entry))
		}

		// Spent index plus spending-side address index entries.
		if txIdx != 0 {
			for txInIdx, txIn := range tx.MsgTx().TxIn {
				stxo := &undo.stxos[stxoIdx]
				stxoIdx++

				if b.indexSpent {
					var value [40]byte
					copy(value[:32], tx.Hash()[:])
					binary.LittleEndian.PutUint32(value[32:36], uint32(txInIdx))
					binary.LittleEndian.PutUint32(value[36:40], uint32(height))
					batch.Put(spentIndexKey(txIn.PreviousOutPoint), value[:])
				}
				if b.indexAddress {
					tokenName := ""
					if payload, _ := tokens.ExtractPayload(stxo.pkScript); payload != nil {
						tokenName = payload.Name
					}
					binary.LittleEndian.PutUint64(amountBuf[:], uint64(stxo.amount))
					batch.Put(addrIndexKey(stxo.pkScript, tokenName, height,
						uint32(txIdx), uint32(txInIdx), true), amountBuf[:])
					batch.Delete(unspentIndexKey(stxo.pkScript, tokenName,
						txIn.PreviousOutPoint))
				}
			}
		}

		// Receiving-side address index and unspent index entries.
		if b.indexAddress {
			outpoint := wire.OutPoint{Hash: *tx.Hash()}
			for outIdx, txOut := range tx.MsgTx().TxOut {
				if txscript.IsUnspendable(txOut.PkScript) {
					continue
				}
				outpoint.Index = uint32(outIdx)
				tokenName := ""
				if payload, _ := tokens.ExtractPayload(txOut.PkScript); payload != nil {
					tokenName = payload.Name
				}
				binary.LittleEndian.PutUint64(amountBuf[:], uint64(txOut.Value))
				batch.Put(addrIndexKey(txOut.PkScript, tokenName, height,
					uint32(txIdx), uint32(outIdx), false), amountBuf[:])
				batch.Put(unspentIndexKey(txOut.PkScript, tokenName, outpoint),
					amountBuf[:])
			}
		}
	}

	if b.indexTimestamp {
		batch.Put(timestampIndexKey(blockTime, height), block.Hash()[:])
	}
	return nil
}

// disconnectBlockIndexEntries stages the removal of every secondary index
// mutation the provided block performed, restoring unspent index entries for
// the outputs its transactions spent.
func (b *BlockChain) disconnectBlockIndexEntries(batch *leveldb.Batch, block *btcutil.Block, undo *blockUndoData) error {
	height := block.Height()
	blockTime := block.MsgBlock().Header.Timestamp.Unix()

	stxoIdx := 0
	var amountBuf [8]byte
	for txIdx, tx := range block.Transactions() {
		if b.indexTx {
			batch.Delete(txIndexKey(tx.Hash()))
		}

		if txIdx != 0 {
			for txInIdx, txIn := range tx.MsgTx().TxIn {
				stxo := &undo.stxos[stxoIdx]
				stxoIdx++

				if b.indexSpent {
					batch.Delete(spentIndexKey(txIn.PreviousOutPoint))
				}
				if b.indexAddress {
					tokenName := ""
					if payload, _ := tokens.ExtractPayload(stxo.pkScript); payload != nil {
						tokenName = payload.Name
					}
					batch.Delete(addrIndexKey(stxo.pkScript, tokenName, height,
						uint32(txIdx), uint32(txInIdx), true))
					binary.LittleEndian.PutUint64(amountBuf[:], uint64(stxo.amount))
					batch.Put(unspentIndexKey(stxo.pkScript, tokenName,
						txIn.PreviousOutPoint), amountBuf[:])
				}
			}
		}

		if b.indexAddress {
			outpoint := wire.OutPoint{Hash: *tx.Hash()}
			for outIdx, txOut := range tx.MsgTx().TxOut {
				if txscript.IsUnspendable(txOut.PkScript) {
					continue
				}
				outpoint.Index = uint32(outIdx)
				tokenName := ""
				if payload, _ := tokens.ExtractPayload(txOut.PkScript); payload != nil {
					tokenName = payload.Name
				}
				batch.Delete(addrIndexKey(txOut.PkScript, tokenName, height,
					uint32(txIdx), uint32(outIdx), false))
				batch.Delete(unspentIndexKey(txOut.PkScript, tokenName, outpoint))
			}
		}
	}

	if b.indexTimestamp {
		batch.Delete(timestampIndexKey(blockTime, height))
	}
	return nil
}
