// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// mempoolDumpVersion is the format version written at the head of a mempool
// dump file.
const mempoolDumpVersion uint32 = 1

// DumpMempool writes the current pool contents to the provided path in
// insertion order so a subsequent load replays them the same way they
// arrived.  Fee prioritisation modifiers are preserved.
//
// This function is safe for concurrent access.
func (mp *TxPool) DumpMempool(path string) error {
	mp.mtx.RLock()
	descs := make([]*TxDesc, 0, len(mp.pool))
	mp.orderIndex.Ascend(func(desc *TxDesc) bool {
		descs = append(descs, desc)
		return true
	})
	mp.mtx.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], mempoolDumpVersion)
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(descs)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	for _, desc := range descs {
		if err := desc.Tx.MsgTx().Serialize(w); err != nil {
			return err
		}
		var meta [16]byte
		binary.LittleEndian.PutUint64(meta[0:8], uint64(desc.FeeDelta))
		binary.LittleEndian.PutUint64(meta[8:16], uint64(desc.Added.Unix()))
		if _, err := w.Write(meta[:]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	log.Infof("Dumped %d mempool transactions to %s", len(descs), path)
	return f.Sync()
}

// LoadMempool reads a dump produced by DumpMempool and attempts to re-accept
// every transaction through the normal accept pipeline.  Transactions that
// are no longer acceptable, for example because they confirmed in the
// meantime, are skipped.
//
// This function is safe for concurrent access.
func (mp *TxPool) LoadMempool(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	version := binary.LittleEndian.Uint32(header[0:4])
	if version != mempoolDumpVersion {
		return fmt.Errorf("unsupported mempool dump version %d", version)
	}
	count := binary.LittleEndian.Uint64(header[4:12])

	var accepted, skipped uint64
	for i := uint64(0); i < count; i++ {
		var msgTx wire.MsgTx
		if err := msgTx.Deserialize(r); err != nil {
			return fmt.Errorf("unable to decode mempool dump entry %d: %w",
				i, err)
		}
		var meta [16]byte
		if _, err := io.ReadFull(r, meta[:]); err != nil {
			return err
		}
		feeDelta := int64(binary.LittleEndian.Uint64(meta[0:8]))

		tx := btcutil.NewTx(&msgTx)
		if feeDelta != 0 {
			mp.PrioritiseTransaction(tx.Hash(), feeDelta)
		}
		if _, err := mp.ProcessTransaction(tx); err != nil {
			skipped++
			log.Debugf("Skipping unacceptable dumped transaction %v: %v",
				tx.Hash(), err)
			continue
		}
		accepted++
	}

	log.Infof("Loaded mempool dump from %s: %d accepted, %d skipped", path,
		accepted, skipped)
	return nil
}
