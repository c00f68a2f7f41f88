package core

// store_filedir.go implements FileDirStore: a directory of FileStore files
// (000001.dat, 000002.dat, ...) fronted by an idx.dat file recording, for
// each numbered file, the global block id at which it starts. Block ids are
// dense and monotonic across the whole directory.

import (
	"fmt"
	"os"
	"path/filepath"

	logrus "github.com/sirupsen/logrus"
)

const (
	fileDirMagic   uint32 = 0x504C4944 // "PLID"
	fileDirVersion uint16 = 1
)

// fileDirEntry is one (fileId, startBlockId) record from idx.dat.
type fileDirEntry struct {
	fileID       uint32
	startBlockID uint64
	store        *FileStore
}

// FileDirInitConfig carries the parameters persisted into idx.dat on init.
type FileDirInitConfig struct {
	DirPath      string
	MaxFileCount uint32
	MaxFileSize  uint64
}

// FileDirStore shards an unbounded block stream across a bounded number of
// FileStore files, each up to MaxFileSize bytes.
type FileDirStore struct {
	dirPath      string
	maxFileCount uint32
	maxFileSize  uint64

	entries         []*fileDirEntry
	totalBlockCount uint64

	log *logrus.Entry
}

// InitFileDirStore creates a new directory-backed store. The directory must
// not already exist.
func InitFileDirStore(cfg FileDirInitConfig) (*FileDirStore, error) {
	if _, err := os.Stat(cfg.DirPath); err == nil {
		return nil, newErrf(ErrLedgerInitFailed, nil, "filedirstore: %s already exists", cfg.DirPath)
	}
	if err := os.MkdirAll(cfg.DirPath, 0o755); err != nil {
		return nil, newErrf(ErrLedgerInitFailed, err, "filedirstore: mkdir %s", cfg.DirPath)
	}
	fds := &FileDirStore{
		dirPath:      cfg.DirPath,
		maxFileCount: cfg.MaxFileCount,
		maxFileSize:  cfg.MaxFileSize,
		log:          logrus.WithField("component", "filedirstore").WithField("path", cfg.DirPath),
	}
	if err := fds.persistIndex(); err != nil {
		return nil, err
	}
	fds.log.Debug("initialized")
	return fds, nil
}

// MountFileDirStore opens an existing directory, reading maxFileCount and
// maxFileSize from idx.dat (authoritative, not the caller's values).
func MountFileDirStore(dirPath string) (*FileDirStore, error) {
	fds := &FileDirStore{dirPath: dirPath, log: logrus.WithField("component", "filedirstore").WithField("path", dirPath)}
	if err := fds.loadIndex(); err != nil {
		return nil, err
	}
	for _, e := range fds.entries {
		fs, err := MountFileStore(fds.filePath(e.fileID), fds.maxFileSize)
		if err != nil {
			fds.closeAll()
			return nil, newErrf(ErrLedgerMountFailed, err, "filedirstore: mount file %d", e.fileID)
		}
		e.store = fs
		fds.totalBlockCount += fs.BlockCount()
	}
	fds.log.WithField("totalBlockCount", fds.totalBlockCount).Debug("mounted")
	return fds, nil
}

func (fds *FileDirStore) idxPath() string { return filepath.Join(fds.dirPath, "idx.dat") }

func (fds *FileDirStore) filePath(id uint32) string {
	return filepath.Join(fds.dirPath, fmt.Sprintf("%06d.dat", id))
}

func (fds *FileDirStore) persistIndex() error {
	ar := NewOutputArchive()
	magic := fileDirMagic
	version := fileDirVersion
	_ = ar.U32(&magic)
	_ = ar.U16(&version)
	maxCount := fds.maxFileCount
	maxSize := fds.maxFileSize
	_ = ar.U32(&maxCount)
	_ = ar.U64(&maxSize)
	for _, e := range fds.entries {
		id := e.fileID
		start := e.startBlockID
		_ = ar.U32(&id)
		_ = ar.U64(&start)
	}
	if err := os.WriteFile(fds.idxPath(), ar.Bytes(), 0o644); err != nil {
		return newErrf(ErrLedgerWrite, err, "filedirstore: write idx.dat")
	}
	return nil
}

func (fds *FileDirStore) loadIndex() error {
	data, err := os.ReadFile(fds.idxPath())
	if err != nil {
		return newErrf(ErrLedgerMountFailed, err, "filedirstore: read idx.dat")
	}
	ar := NewInputArchive(data)
	var magic uint32
	var version uint16
	_ = ar.U32(&magic)
	_ = ar.U16(&version)
	if magic != fileDirMagic {
		return newErrf(ErrLedgerMountFailed, nil, "filedirstore: bad idx magic %x", magic)
	}
	if version > fileDirVersion {
		return newErrf(ErrLedgerMountFailed, nil, "filedirstore: unsupported idx version %d", version)
	}
	_ = ar.U32(&fds.maxFileCount)
	_ = ar.U64(&fds.maxFileSize)
	for ar.Remaining() > 0 {
		var id uint32
		var start uint64
		_ = ar.U32(&id)
		if err := ar.U64(&start); err != nil {
			return newErrf(ErrLedgerMountFailed, err, "filedirstore: decode idx entry")
		}
		fds.entries = append(fds.entries, &fileDirEntry{fileID: id, startBlockID: start})
	}
	return ar.Failed()
}

func (fds *FileDirStore) active() *fileDirEntry {
	if len(fds.entries) == 0 {
		return nil
	}
	return fds.entries[len(fds.entries)-1]
}

// CanFit reports whether a record of size bytes can be admitted: either the
// active file has room, or a new file may still be created.
func (fds *FileDirStore) CanFit(size uint64) bool {
	if size > fds.maxFileSize {
		return false
	}
	if a := fds.active(); a != nil && a.store.CanFit(size) {
		return true
	}
	return uint32(len(fds.entries)) < fds.maxFileCount
}

// AppendBlock appends payload, creating a new numbered file when the active
// one cannot fit it, and returns the resulting global block id.
func (fds *FileDirStore) AppendBlock(payload []byte) (uint64, error) {
	size := uint64(len(payload))
	if size > fds.maxFileSize {
		return 0, newErrf(ErrLedgerWrite, nil, "filedirstore: payload %d exceeds maxFileSize %d", size, fds.maxFileSize)
	}
	a := fds.active()
	if a == nil || !a.store.CanFit(size) {
		if uint32(len(fds.entries)) >= fds.maxFileCount {
			return 0, newErrf(ErrLedgerWrite, nil, "filedirstore: directory %s full (maxFileCount=%d)", fds.dirPath, fds.maxFileCount)
		}
		newID := uint32(len(fds.entries)) + 1
		fs, err := InitFileStore(fds.filePath(newID), fds.maxFileSize)
		if err != nil {
			return 0, err
		}
		a = &fileDirEntry{fileID: newID, startBlockID: fds.totalBlockCount, store: fs}
		fds.entries = append(fds.entries, a)
	}
	if _, err := a.store.AppendBlock(payload); err != nil {
		return 0, err
	}
	id := fds.totalBlockCount
	fds.totalBlockCount++
	if err := fds.persistIndex(); err != nil {
		return 0, err
	}
	return id, nil
}

// ReadBlock locates the owning file for globalID and returns its payload.
func (fds *FileDirStore) ReadBlock(globalID uint64) ([]byte, error) {
	e := fds.findOwning(globalID)
	if e == nil {
		return nil, newErrf(ErrBlockNotFound, nil, "filedirstore: block %d not found", globalID)
	}
	return e.store.ReadBlock(globalID - e.startBlockID)
}

func (fds *FileDirStore) findOwning(globalID uint64) *fileDirEntry {
	for idx, e := range fds.entries {
		var next uint64
		if idx+1 < len(fds.entries) {
			next = fds.entries[idx+1].startBlockID
		} else {
			next = fds.totalBlockCount
		}
		if globalID >= e.startBlockID && globalID < next {
			return e
		}
	}
	return nil
}

// BlockCount returns the total number of blocks stored across all files.
func (fds *FileDirStore) BlockCount() uint64 { return fds.totalBlockCount }

// RewindTo truncates the directory so only the first n blocks remain,
// deleting any file whose entire contents fall after n.
func (fds *FileDirStore) RewindTo(n uint64) error {
	if n > fds.totalBlockCount {
		return newErrf(ErrInvalidSequence, nil, "filedirstore: rewindTo(%d) exceeds total %d", n, fds.totalBlockCount)
	}
	e := fds.findOwning(n)
	var keep []*fileDirEntry
	if n == fds.totalBlockCount {
		keep = fds.entries
	} else {
		for _, entry := range fds.entries {
			if entry == e {
				local := n - entry.startBlockID
				if err := entry.store.RewindTo(local); err != nil {
					return err
				}
				keep = append(keep, entry)
				break
			}
			keep = append(keep, entry)
		}
		// drop and delete files entirely after the owning one
		for _, entry := range fds.entries {
			found := false
			for _, k := range keep {
				if k == entry {
					found = true
					break
				}
			}
			if !found {
				entry.store.Close()
				if err := os.Remove(fds.filePath(entry.fileID)); err != nil {
					return newErrf(ErrLedgerWrite, err, "filedirstore: remove %d.dat", entry.fileID)
				}
			}
		}
	}
	fds.entries = keep
	fds.totalBlockCount = n
	return fds.persistIndex()
}

// RelocateToSubdir closes every managed file, renames the directory aside,
// recreates it empty, then moves the renamed directory in as `name`. Used by
// DirDirStore when an embedded FileDirStore must be nested one level deeper.
func (fds *FileDirStore) RelocateToSubdir(name string) error {
	fds.closeAll()
	tmp := fds.dirPath + ".relocate.tmp"
	if err := os.Rename(fds.dirPath, tmp); err != nil {
		return newErrf(ErrLedgerWrite, err, "filedirstore: rename to tmp")
	}
	if err := os.MkdirAll(fds.dirPath, 0o755); err != nil {
		return newErrf(ErrLedgerWrite, err, "filedirstore: recreate dir")
	}
	dest := filepath.Join(fds.dirPath, name)
	if err := os.Rename(tmp, dest); err != nil {
		return newErrf(ErrLedgerWrite, err, "filedirstore: rename into subdir")
	}
	fds.dirPath = dest
	for _, e := range fds.entries {
		fs, err := MountFileStore(fds.filePath(e.fileID), fds.maxFileSize)
		if err != nil {
			return newErrf(ErrLedgerMountFailed, err, "filedirstore: remount after relocate")
		}
		e.store = fs
	}
	fds.log = fds.log.WithField("path", fds.dirPath)
	return nil
}

func (fds *FileDirStore) closeAll() {
	for _, e := range fds.entries {
		if e.store != nil {
			e.store.Close()
		}
	}
}

// Close flushes the index and every managed file.
func (fds *FileDirStore) Close() error {
	fds.closeAll()
	return fds.persistIndex()
}
