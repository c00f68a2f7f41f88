package core

// store_file.go implements FileStore, the innermost layer of the recursive
// block store: a single append-only file of size-prefixed records behind a
// fixed 24-byte header. FileDirStore and DirDirStore build on top of this
// layer to shard records across many files and directories.
//
// FileStore is not internally synchronized: callers must serialize writes
// to a given instance, typically by routing all appends through one writer
// goroutine per node.

import (
	"encoding/binary"
	"io"
	"os"

	logrus "github.com/sirupsen/logrus"
)

const (
	fileStoreMagic      uint32 = 0x504C4642 // "PLFB"
	fileStoreVersion    uint16 = 1
	fileStoreHeaderSize uint64 = 24
	minFileStoreMaxSize uint64 = 1 << 20 // 1 MiB
)

// blockIndexEntry records where a stored block's size-prefixed record begins
// within the file and how large its payload is.
type blockIndexEntry struct {
	offset int64
	size   uint64
}

// FileStore is a single append-only file holding size-prefixed records
// behind a 24-byte header (magic, version, reserved, blockCount, headerSize).
type FileStore struct {
	path        string
	f           *os.File
	maxSize     uint64
	currentSize uint64
	blockCount  uint64

	index      []blockIndexEntry
	indexBuilt bool

	log *logrus.Entry
}

// InitFileStore creates a new FileStore at filepath. It fails if the file
// already exists or maxSize is below the 1 MiB floor.
func InitFileStore(filepath string, maxSize uint64) (*FileStore, error) {
	if maxSize < minFileStoreMaxSize {
		return nil, newErrf(ErrLedgerInitFailed, nil, "filestore: maxSize %d below 1MiB floor", maxSize)
	}
	if _, err := os.Stat(filepath); err == nil {
		return nil, newErrf(ErrLedgerInitFailed, nil, "filestore: %s already exists", filepath)
	} else if !os.IsNotExist(err) {
		return nil, newErrf(ErrLedgerInitFailed, err, "filestore: stat %s", filepath)
	}

	f, err := os.OpenFile(filepath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, newErrf(ErrLedgerInitFailed, err, "filestore: create %s", filepath)
	}

	fs := &FileStore{
		path:        filepath,
		f:           f,
		maxSize:     maxSize,
		currentSize: fileStoreHeaderSize,
		blockCount:  0,
		index:       nil,
		indexBuilt:  true, // a freshly created file trivially has an empty, correct index
		log:         logrus.WithField("component", "filestore").WithField("path", filepath),
	}
	if err := fs.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	fs.log.Debug("initialized")
	return fs, nil
}

// MountFileStore opens an existing FileStore. The header's blockCount is
// trusted until the first index-keyed read triggers a lazy rebuild.
func MountFileStore(filepath string, maxSize uint64) (*FileStore, error) {
	f, err := os.OpenFile(filepath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, newErrf(ErrLedgerMountFailed, err, "filestore: open %s", filepath)
	}
	fs := &FileStore{path: filepath, f: f, maxSize: maxSize, log: logrus.WithField("component", "filestore").WithField("path", filepath)}
	if err := fs.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErrf(ErrLedgerMountFailed, err, "filestore: stat %s", filepath)
	}
	fs.currentSize = uint64(info.Size())
	fs.log.WithField("blockCount", fs.blockCount).Debug("mounted")
	return fs, nil
}

func (fs *FileStore) writeHeader() error {
	var hdr [24]byte
	binary.BigEndian.PutUint32(hdr[0:4], fileStoreMagic)
	binary.BigEndian.PutUint16(hdr[4:6], fileStoreVersion)
	binary.BigEndian.PutUint16(hdr[6:8], 0)
	binary.BigEndian.PutUint64(hdr[8:16], fs.blockCount)
	binary.BigEndian.PutUint64(hdr[16:24], fileStoreHeaderSize)
	if _, err := fs.f.WriteAt(hdr[:], 0); err != nil {
		return newErrf(ErrLedgerWrite, err, "filestore: write header")
	}
	return fs.f.Sync()
}

// updateBlockCount performs the best-effort in-place header update after an
// append. A crash between the payload write and this call is tolerated:
// the lazy index scan reconstructs the true count on next mount.
func (fs *FileStore) updateBlockCount() error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], fs.blockCount)
	if _, err := fs.f.WriteAt(b[:], 8); err != nil {
		return newErrf(ErrLedgerWrite, err, "filestore: update blockCount")
	}
	return fs.f.Sync()
}

func (fs *FileStore) readHeader() error {
	var hdr [24]byte
	if _, err := fs.f.ReadAt(hdr[:], 0); err != nil {
		return newErrf(ErrLedgerMountFailed, err, "filestore: read header")
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != fileStoreMagic {
		return newErrf(ErrLedgerMountFailed, nil, "filestore: bad magic %x", magic)
	}
	version := binary.BigEndian.Uint16(hdr[4:6])
	if version > fileStoreVersion {
		return newErrf(ErrLedgerMountFailed, nil, "filestore: unsupported version %d", version)
	}
	fs.blockCount = binary.BigEndian.Uint64(hdr[8:16])
	return nil
}

// CanFit reports whether a record of size bytes can be appended without
// exceeding maxSize. This is the single source of truth for admission by
// the enclosing FileDirStore.
func (fs *FileStore) CanFit(size uint64) bool {
	return fs.currentSize+8+size <= fs.maxSize
}

// BlockCount returns the number of records currently stored.
func (fs *FileStore) BlockCount() uint64 { return fs.blockCount }

// AppendBlock writes payload as a new size-prefixed record and returns the
// index the block occupies within this file (0-based).
func (fs *FileStore) AppendBlock(payload []byte) (uint64, error) {
	offset, err := fs.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, newErrf(ErrLedgerWrite, err, "filestore: seek end")
	}
	if err := writeRecord(fs.f, payload); err != nil {
		return 0, newErrf(ErrLedgerWrite, err, "filestore: append")
	}
	if err := fs.f.Sync(); err != nil {
		return 0, newErrf(ErrLedgerWrite, err, "filestore: sync")
	}

	idx := fs.blockCount
	if fs.indexBuilt {
		fs.index = append(fs.index, blockIndexEntry{offset: offset, size: uint64(len(payload))})
	}
	fs.currentSize += 8 + uint64(len(payload))
	fs.blockCount++
	if err := fs.updateBlockCount(); err != nil {
		return 0, err
	}
	return idx, nil
}

// ReadBlock returns the payload stored at index i, building the in-memory
// block index on first use.
func (fs *FileStore) ReadBlock(i uint64) ([]byte, error) {
	if err := fs.ensureIndex(); err != nil {
		return nil, err
	}
	if i >= uint64(len(fs.index)) {
		return nil, newErrf(ErrBlockNotFound, nil, "filestore: block %d out of range (have %d)", i, len(fs.index))
	}
	entry := fs.index[i]
	buf := make([]byte, entry.size)
	if _, err := fs.f.ReadAt(buf, entry.offset+8); err != nil {
		return nil, newErrf(ErrLedgerRead, err, "filestore: read block %d", i)
	}
	return buf, nil
}

// ensureIndex performs the lazy sequential scan described in the
// specification: walk the file from HEADER_SIZE, recording (offset, size)
// pairs. If the scan disagrees with the header's blockCount, the scan wins.
func (fs *FileStore) ensureIndex() error {
	if fs.indexBuilt {
		return nil
	}
	var entries []blockIndexEntry
	offset := int64(fileStoreHeaderSize)
	for {
		var szBuf [8]byte
		n, err := fs.f.ReadAt(szBuf[:], offset)
		if n < 8 {
			break // EOF or truncated trailing size prefix: stop at last complete record
		}
		if err != nil && n != 8 {
			return newErrf(ErrLedgerRead, err, "filestore: scan size prefix")
		}
		size := binary.BigEndian.Uint64(szBuf[:])
		payloadOff := offset + 8
		if payloadOff+int64(size) > fs.fileSizeHint() {
			break // incomplete trailing payload from a crash mid-write
		}
		entries = append(entries, blockIndexEntry{offset: offset, size: size})
		offset = payloadOff + int64(size)
	}
	fs.index = entries
	fs.indexBuilt = true
	if uint64(len(entries)) != fs.blockCount {
		fs.log.WithFields(logrus.Fields{"headerCount": fs.blockCount, "scanCount": len(entries)}).
			Warn("filestore: block count mismatch, trusting scan")
		fs.blockCount = uint64(len(entries))
	}
	fs.currentSize = uint64(offset)
	return nil
}

func (fs *FileStore) fileSizeHint() int64 {
	info, err := fs.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// RewindTo truncates the store so that only the first n blocks remain.
func (fs *FileStore) RewindTo(n uint64) error {
	if err := fs.ensureIndex(); err != nil {
		return err
	}
	if n > fs.blockCount {
		return newErrf(ErrInvalidSequence, nil, "filestore: rewindTo(%d) exceeds blockCount %d", n, fs.blockCount)
	}
	if n == fs.blockCount {
		return nil
	}
	var truncOffset int64
	if n == 0 {
		truncOffset = int64(fileStoreHeaderSize)
	} else {
		truncOffset = fs.index[n].offset
	}
	if err := fs.f.Truncate(truncOffset); err != nil {
		return newErrf(ErrLedgerWrite, err, "filestore: truncate")
	}
	fs.index = fs.index[:n]
	fs.blockCount = n
	fs.currentSize = uint64(truncOffset)
	return fs.writeHeader()
}

// Close flushes the header and releases the underlying file descriptor.
func (fs *FileStore) Close() error {
	if err := fs.writeHeader(); err != nil {
		fs.f.Close()
		return err
	}
	return fs.f.Close()
}
