// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// maxBlockFileSize is the maximum size a block or undo file is allowed
	// to grow to before a new one is started.
	maxBlockFileSize uint32 = 128 * 1024 * 1024

	// blockLocationUnknown is the file number used for blocks whose data is
	// not stored (or has been pruned).
	blockLocationUnknown int32 = -1
)

// blockLocation identifies the on-disk position of a block payload or undo
// record as a file number and the byte offset of its framing header within
// that file.
type blockLocation struct {
	file   int32
	offset uint32
}

// blockFileInfo tracks the aggregate contents of a single block file and its
// parallel undo file.
type blockFileInfo struct {
	blocks      uint32
	size        uint32
	undoSize    uint32
	heightFirst int32
	heightLast  int32
}

// blockStore manages the append-only block files (blk?????.dat) and undo
// files (rev?????.dat) in the data directory.  Each block is framed with the
// network magic and a little-endian length; undo records additionally carry a
// trailing checksum of the predecessor hash and the undo payload so torn
// writes are detectable.
//
// The store has its own lock, which is always acquired after the chain lock
// per the locking order of the subsystem.
type blockStore struct {
	mtx sync.Mutex

	dir         string
	net         wire.BitcoinNet
	maxFileSize uint32

	curFile    int32
	fileInfo   map[int32]*blockFileInfo
	dirtyFiles map[int32]struct{}

	// blkHandle and revHandle are the append handles for the current file
	// pair.  They are lazily opened and replaced on rotation.
	blkHandle *os.File
	revHandle *os.File

	// prunedThroughFile is one past the highest file number removed by
	// pruning.  Reads from earlier files fail with ErrPrunedBlock.
	prunedThroughFile int32
}

// newBlockStore returns a block store rooted at the provided directory.
func newBlockStore(dir string, net wire.BitcoinNet) (*blockStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &blockStore{
		dir:         dir,
		net:         net,
		maxFileSize: maxBlockFileSize,
		fileInfo:    make(map[int32]*blockFileInfo),
		dirtyFiles:  make(map[int32]struct{}),
	}, nil
}

// blockFilePath returns the path of the numbered block file.
func (s *blockStore) blockFilePath(fileNum int32) string {
	return filepath.Join(s.dir, fmt.Sprintf("blk%05d.dat", fileNum))
}

// undoFilePath returns the path of the numbered undo file.
func (s *blockStore) undoFilePath(fileNum int32) string {
	return filepath.Join(s.dir, fmt.Sprintf("rev%05d.dat", fileNum))
}

// fileInfoLocked returns the info record for the numbered file, creating it
// when needed.
//
// This function MUST be called with the store lock held.
func (s *blockStore) fileInfoLocked(fileNum int32) *blockFileInfo {
	info, ok := s.fileInfo[fileNum]
	if !ok {
		info = &blockFileInfo{heightFirst: -1, heightLast: -1}
		s.fileInfo[fileNum] = info
	}
	return info
}

// openAppendHandles ensures the append handles for the current file pair are
// open.
//
// This function MUST be called with the store lock held.
func (s *blockStore) openAppendHandles() error {
	if s.blkHandle == nil {
		f, err := os.OpenFile(s.blockFilePath(s.curFile),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		s.blkHandle = f
	}
	if s.revHandle == nil {
		f, err := os.OpenFile(s.undoFilePath(s.curFile),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		s.revHandle = f
	}
	return nil
}

// maybeRotate starts a new file pair when appending the provided number of
// bytes to the current block file would exceed the maximum file size.
//
// This function MUST be called with the store lock held.
func (s *blockStore) maybeRotate(addedBytes uint32) error {
	info := s.fileInfoLocked(s.curFile)
	if info.size+addedBytes <= s.maxFileSize || info.blocks == 0 {
		return nil
	}

	if s.blkHandle != nil {
		if err := s.blkHandle.Sync(); err != nil {
			return err
		}
		s.blkHandle.Close()
		s.blkHandle = nil
	}
	if s.revHandle != nil {
		if err := s.revHandle.Sync(); err != nil {
			return err
		}
		s.revHandle.Close()
		s.revHandle = nil
	}
	s.curFile++
	return nil
}

// appendFrame writes magic ‖ size ‖ payload (‖ checksum) to the provided
// handle and returns the offset the frame starts at.
func (s *blockStore) appendFrame(f *os.File, payload, checksum []byte) (uint32, error) {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(s.net))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := f.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := f.Write(payload); err != nil {
		return 0, err
	}
	if len(checksum) > 0 {
		if _, err := f.Write(checksum); err != nil {
			return 0, err
		}
	}
	return uint32(offset), nil
}

// readFrame reads a magic ‖ size framed payload (plus checksumLen trailing
// bytes) from the provided path and offset.
func (s *blockStore) readFrame(path string, offset uint32, checksumLen int) (payload, checksum []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var header [8]byte
	if _, err := f.ReadAt(header[:], int64(offset)); err != nil {
		return nil, nil, err
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != uint32(s.net) {
		str := fmt.Sprintf("frame at %s offset %d has wrong magic %08x",
			path, offset, magic)
		return nil, nil, corruptionError(ErrUtxoBackendCorruption, str)
	}
	size := binary.LittleEndian.Uint32(header[4:8])

	buf := make([]byte, int(size)+checksumLen)
	if _, err := f.ReadAt(buf, int64(offset)+8); err != nil {
		return nil, nil, err
	}
	return buf[:size], buf[size:], nil
}

// WriteBlock appends the serialized block, including witness data, to the
// current block file, rotating to a new file pair as needed, and returns the
// location it was written to.
func (s *blockStore) WriteBlock(block *btcutil.Block) (blockLocation, error) {
	var buf bytes.Buffer
	if err := block.MsgBlock().Serialize(&buf); err != nil {
		return blockLocation{}, err
	}
	serialized := buf.Bytes()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.maybeRotate(uint32(len(serialized)) + 8); err != nil {
		return blockLocation{}, err
	}
	if err := s.openAppendHandles(); err != nil {
		return blockLocation{}, err
	}
	offset, err := s.appendFrame(s.blkHandle, serialized, nil)
	if err != nil {
		return blockLocation{}, err
	}

	info := s.fileInfoLocked(s.curFile)
	info.blocks++
	info.size = offset + uint32(len(serialized)) + 8
	height := block.Height()
	if info.heightFirst == -1 || height < info.heightFirst {
		info.heightFirst = height
	}
	if height > info.heightLast {
		info.heightLast = height
	}
	s.dirtyFiles[s.curFile] = struct{}{}

	return blockLocation{file: s.curFile, offset: offset}, nil
}

// ReadBlock reads the block stored at the provided location.
func (s *blockStore) ReadBlock(loc blockLocation) (*btcutil.Block, error) {
	if loc.file == blockLocationUnknown {
		return nil, ruleError(ErrNoBlockData, "block data is not stored")
	}
	if loc.file < s.prunedThroughFile {
		str := fmt.Sprintf("block file %d has been pruned", loc.file)
		return nil, ruleError(ErrPrunedBlock, str)
	}

	payload, _, err := s.readFrame(s.blockFilePath(loc.file), loc.offset, 0)
	if err != nil {
		if os.IsNotExist(err) {
			str := fmt.Sprintf("block file %d does not exist", loc.file)
			return nil, ruleError(ErrPrunedBlock, str)
		}
		return nil, err
	}

	var msgBlock wire.MsgBlock
	if err := msgBlock.Deserialize(bytes.NewReader(payload)); err != nil {
		str := fmt.Sprintf("unable to deserialize block at file %d offset "+
			"%d: %v", loc.file, loc.offset, err)
		return nil, corruptionError(ErrUtxoBackendCorruption, str)
	}
	return btcutil.NewBlock(&msgBlock), nil
}

// undoChecksum computes the integrity checksum stored after each undo record:
// the double-SHA256 of the predecessor block hash concatenated with the undo
// payload.
func undoChecksum(prevHash *chainhash.Hash, undo []byte) chainhash.Hash {
	data := make([]byte, 0, chainhash.HashSize+len(undo))
	data = append(data, prevHash[:]...)
	data = append(data, undo...)
	return chainhash.DoubleHashH(data)
}

// WriteUndo appends the serialized undo record for a block, framed and
// followed by its checksum, to the undo file paired with the block file the
// block lives in.
func (s *blockStore) WriteUndo(undo []byte, prevHash *chainhash.Hash, blockFile int32) (blockLocation, error) {
	checksum := undoChecksum(prevHash, undo)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Undo data is written when its block connects, which may be long after
	// the block itself was stored, so append to the undo file paired with
	// the block's file rather than the current one.
	f, err := os.OpenFile(s.undoFilePath(blockFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return blockLocation{}, err
	}
	if blockFile == s.curFile && s.revHandle != nil {
		// Reuse the cached handle for the current file.
		f.Close()
		f = s.revHandle
	} else {
		defer f.Close()
	}

	offset, err := s.appendFrame(f, undo, checksum[:])
	if err != nil {
		return blockLocation{}, err
	}
	if f != s.revHandle {
		if err := f.Sync(); err != nil {
			return blockLocation{}, err
		}
	}

	info := s.fileInfoLocked(blockFile)
	info.undoSize = offset + uint32(len(undo)) + 8 + chainhash.HashSize
	s.dirtyFiles[blockFile] = struct{}{}

	return blockLocation{file: blockFile, offset: offset}, nil
}

// ReadUndo reads and verifies the undo record stored at the provided
// location.
func (s *blockStore) ReadUndo(loc blockLocation, prevHash *chainhash.Hash) ([]byte, error) {
	if loc.file == blockLocationUnknown {
		return nil, ruleError(ErrNoBlockData, "undo data is not stored")
	}
	if loc.file < s.prunedThroughFile {
		str := fmt.Sprintf("undo file %d has been pruned", loc.file)
		return nil, ruleError(ErrPrunedBlock, str)
	}

	payload, checksum, err := s.readFrame(s.undoFilePath(loc.file),
		loc.offset, chainhash.HashSize)
	if err != nil {
		if os.IsNotExist(err) {
			str := fmt.Sprintf("undo file %d does not exist", loc.file)
			return nil, ruleError(ErrPrunedBlock, str)
		}
		return nil, err
	}

	want := undoChecksum(prevHash, payload)
	if !bytes.Equal(want[:], checksum) {
		str := fmt.Sprintf("undo record at file %d offset %d failed its "+
			"integrity check", loc.file, loc.offset)
		return nil, corruptionError(ErrUndoDataCorrupt, str)
	}
	return payload, nil
}

// Sync flushes every file touched since the last sync to stable storage.  It
// is the first stage of the global flush ordering: block and undo data always
// hit the disk before the index and chain state that reference them.
func (s *blockStore) Sync() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for fileNum := range s.dirtyFiles {
		for _, path := range []string{s.blockFilePath(fileNum),
			s.undoFilePath(fileNum)} {

			f, err := os.OpenFile(path, os.O_RDWR, 0600)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			err = f.Sync()
			f.Close()
			if err != nil {
				return err
			}
		}
		delete(s.dirtyFiles, fileNum)
	}
	return nil
}

// RemoveFilesThrough unlinks every block and undo file pair with a file
// number at or below the provided one.  It is used by pruning.
func (s *blockStore) RemoveFilesThrough(fileNum int32) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for num := s.prunedThroughFile; num <= fileNum; num++ {
		if num == s.curFile {
			break
		}
		if err := os.Remove(s.blockFilePath(num)); err != nil &&
			!os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(s.undoFilePath(num)); err != nil &&
			!os.IsNotExist(err) {
			return err
		}
		delete(s.fileInfo, num)
		delete(s.dirtyFiles, num)
	}
	if fileNum >= s.prunedThroughFile {
		s.prunedThroughFile = fileNum + 1
	}
	return nil
}

// Close releases the append handles.
func (s *blockStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.blkHandle != nil {
		s.blkHandle.Close()
		s.blkHandle = nil
	}
	if s.revHandle != nil {
		s.revHandle.Close()
		s.revHandle = nil
	}
	return nil
}
