package core

// store_dirdir.go implements DirDirStore: the recursive layer of the block
// store. It starts in FILES mode backed by a single embedded FileDirStore;
// once that embedded store is full it relocates into a numbered subdir and
// the DirDirStore switches to DIRS mode, fanning out across sibling
// FileDirStore/DirDirStore children as each fills up, up to maxLevel deep.

import (
	"fmt"
	"os"
	"path/filepath"

	logrus "github.com/sirupsen/logrus"
)

const (
	dirDirMagic   uint32 = 0x504C4444 // "PLDD"
	dirDirVersion uint16 = 1
)

type dirStoreMode int

const (
	modeFiles dirStoreMode = iota
	modeDirs
)

// blockChild is the tagged union of the two store kinds a DirDirStore may
// nest: a leaf FileDirStore or a recursive DirDirStore.
type blockChild struct {
	fileDir *FileDirStore
	dirDir  *DirDirStore
}

func (c *blockChild) canFit(size uint64) bool {
	if c.fileDir != nil {
		return c.fileDir.CanFit(size)
	}
	return c.dirDir.CanFit(size)
}

func (c *blockChild) appendBlock(payload []byte) (uint64, error) {
	if c.fileDir != nil {
		return c.fileDir.AppendBlock(payload)
	}
	return c.dirDir.AppendBlock(payload)
}

func (c *blockChild) readBlock(id uint64) ([]byte, error) {
	if c.fileDir != nil {
		return c.fileDir.ReadBlock(id)
	}
	return c.dirDir.ReadBlock(id)
}

func (c *blockChild) blockCount() uint64 {
	if c.fileDir != nil {
		return c.fileDir.BlockCount()
	}
	return c.dirDir.BlockCount()
}

func (c *blockChild) rewindTo(n uint64) error {
	if c.fileDir != nil {
		return c.fileDir.RewindTo(n)
	}
	return c.dirDir.RewindTo(n)
}

func (c *blockChild) close() error {
	if c.fileDir != nil {
		return c.fileDir.Close()
	}
	return c.dirDir.Close()
}

type dirDirEntry struct {
	dirID        uint32
	startBlockID uint64
	isRecursive  bool
	child        *blockChild
}

// DirDirConfig carries the store's layout parameters. idx.dat does not
// persist them, so MountDirDirStore takes them from the caller again.
type DirDirConfig struct {
	DirPath      string
	MaxFileCount uint32 // forwarded to embedded/child FileDirStores
	MaxFileSize  uint64
	MaxDirCount  uint32
	MaxLevel     uint32 // 0 means children are always FileDirStore
}

// DirDirStore is the recursive directory-of-directories block store.
type DirDirStore struct {
	dirPath string
	cfg     DirDirConfig
	level   uint32

	mode     dirStoreMode
	embedded *FileDirStore // valid in FILES mode
	entries  []*dirDirEntry

	totalBlockCount uint64

	log *logrus.Entry
}

// InitDirDirStore creates a new recursive store rooted at cfg.DirPath,
// starting in FILES mode with a single embedded FileDirStore.
func InitDirDirStore(cfg DirDirConfig) (*DirDirStore, error) {
	return initDirDirStoreAt(cfg, 0)
}

func initDirDirStoreAt(cfg DirDirConfig, level uint32) (*DirDirStore, error) {
	if _, err := os.Stat(cfg.DirPath); err == nil {
		return nil, newErrf(ErrLedgerInitFailed, nil, "dirdirstore: %s already exists", cfg.DirPath)
	}
	if err := os.MkdirAll(cfg.DirPath, 0o755); err != nil {
		return nil, newErrf(ErrLedgerInitFailed, err, "dirdirstore: mkdir %s", cfg.DirPath)
	}
	dds := &DirDirStore{
		dirPath: cfg.DirPath,
		cfg:     cfg,
		level:   level,
		mode:    modeFiles,
		log:     logrus.WithField("component", "dirdirstore").WithField("path", cfg.DirPath),
	}
	embedded, err := InitFileDirStore(FileDirInitConfig{
		DirPath:      filepath.Join(cfg.DirPath, "embedded"),
		MaxFileCount: cfg.MaxFileCount,
		MaxFileSize:  cfg.MaxFileSize,
	})
	if err != nil {
		return nil, err
	}
	dds.embedded = embedded
	if err := dds.persistIndex(); err != nil {
		return nil, err
	}
	dds.log.Debug("initialized in FILES mode")
	return dds, nil
}

// MountDirDirStore opens an existing recursive store.
func MountDirDirStore(dirPath string, cfg DirDirConfig) (*DirDirStore, error) {
	return mountDirDirStoreAt(dirPath, cfg, 0)
}

func mountDirDirStoreAt(dirPath string, cfg DirDirConfig, level uint32) (*DirDirStore, error) {
	dds := &DirDirStore{dirPath: dirPath, cfg: cfg, level: level, log: logrus.WithField("component", "dirdirstore").WithField("path", dirPath)}
	if err := dds.loadIndex(); err != nil {
		return nil, err
	}
	if dds.mode == modeFiles {
		embedded, err := MountFileDirStore(filepath.Join(dirPath, "embedded"))
		if err != nil {
			return nil, newErrf(ErrLedgerMountFailed, err, "dirdirstore: mount embedded")
		}
		dds.embedded = embedded
		dds.totalBlockCount = embedded.BlockCount()
	} else {
		for _, e := range dds.entries {
			child, err := dds.mountChild(e)
			if err != nil {
				return nil, err
			}
			e.child = child
			dds.totalBlockCount += child.blockCount()
		}
	}
	dds.log.WithField("totalBlockCount", dds.totalBlockCount).Debug("mounted")
	return dds, nil
}

func (dds *DirDirStore) subdirPath(id uint32) string {
	return filepath.Join(dds.dirPath, fmt.Sprintf("%06d", id))
}

func (dds *DirDirStore) mountChild(e *dirDirEntry) (*blockChild, error) {
	path := dds.subdirPath(e.dirID)
	if e.isRecursive {
		sub, err := mountDirDirStoreAt(path, dds.cfg, dds.level+1)
		if err != nil {
			return nil, err
		}
		return &blockChild{dirDir: sub}, nil
	}
	fds, err := MountFileDirStore(path)
	if err != nil {
		return nil, newErrf(ErrLedgerMountFailed, err, "dirdirstore: mount subdir %d", e.dirID)
	}
	return &blockChild{fileDir: fds}, nil
}

func (dds *DirDirStore) idxPath() string { return filepath.Join(dds.dirPath, "idx.dat") }

func (dds *DirDirStore) persistIndex() error {
	ar := NewOutputArchive()
	magic := dirDirMagic
	version := dirDirVersion
	_ = ar.U32(&magic)
	_ = ar.U16(&version)
	for _, e := range dds.entries {
		id := e.dirID
		start := e.startBlockID
		rec := e.isRecursive
		_ = ar.U32(&id)
		_ = ar.U64(&start)
		_ = ar.Bool(&rec)
	}
	if err := os.WriteFile(dds.idxPath(), ar.Bytes(), 0o644); err != nil {
		return newErrf(ErrLedgerWrite, err, "dirdirstore: write idx.dat")
	}
	return nil
}

func (dds *DirDirStore) loadIndex() error {
	data, err := os.ReadFile(dds.idxPath())
	if err != nil {
		return newErrf(ErrLedgerMountFailed, err, "dirdirstore: read idx.dat")
	}
	ar := NewInputArchive(data)
	var magic uint32
	var version uint16
	_ = ar.U32(&magic)
	_ = ar.U16(&version)
	if magic != dirDirMagic {
		return newErrf(ErrLedgerMountFailed, nil, "dirdirstore: bad idx magic %x", magic)
	}
	if version > dirDirVersion {
		return newErrf(ErrLedgerMountFailed, nil, "dirdirstore: unsupported idx version %d", version)
	}
	for ar.Remaining() > 0 {
		var id uint32
		var start uint64
		var recursive bool
		_ = ar.U32(&id)
		_ = ar.U64(&start)
		if err := ar.Bool(&recursive); err != nil {
			return newErrf(ErrLedgerMountFailed, err, "dirdirstore: decode idx entry")
		}
		dds.entries = append(dds.entries, &dirDirEntry{dirID: id, startBlockID: start, isRecursive: recursive})
	}
	// mode follows directly from whether any subdir has been created yet: a
	// store relocates out of modeFiles exactly once, at its first entry.
	if len(dds.entries) > 0 {
		dds.mode = modeDirs
	}
	return ar.Failed()
}

func (dds *DirDirStore) activeEntry() *dirDirEntry {
	if len(dds.entries) == 0 {
		return nil
	}
	return dds.entries[len(dds.entries)-1]
}

// CanFit reports whether a record of size bytes can be admitted somewhere in
// the subtree, accounting for relocation and new-subdir capacity.
func (dds *DirDirStore) CanFit(size uint64) bool {
	switch dds.mode {
	case modeFiles:
		if dds.embedded.CanFit(size) {
			return true
		}
		// embedded is full: relocating it consumes one subdir slot by
		// itself, so room for the overflow requires capacity for a second
		// subdir beyond that.
		return dds.cfg.MaxDirCount > 1 || dds.level < dds.cfg.MaxLevel
	default:
		if a := dds.activeEntry(); a != nil && a.child.canFit(size) {
			return true
		}
		return dds.canCreateSubdir()
	}
}

func (dds *DirDirStore) canCreateSubdir() bool {
	if uint32(len(dds.entries)) < dds.cfg.MaxDirCount {
		return true
	}
	// width exhausted at this level: a deeper recursive child is still an
	// option as long as maxLevel allows it.
	return dds.level < dds.cfg.MaxLevel
}

// AppendBlock resolves the active child (relocating/creating as needed) and
// delegates the append, returning the resulting global block id.
func (dds *DirDirStore) AppendBlock(payload []byte) (uint64, error) {
	size := uint64(len(payload))

	if dds.mode == modeFiles {
		if dds.embedded.CanFit(size) {
			id, err := dds.embedded.AppendBlock(payload)
			if err != nil {
				return 0, err
			}
			dds.totalBlockCount++
			return id, nil
		}
		if err := dds.relocate(); err != nil {
			return 0, err
		}
		// fall through to DIRS mode handling below
	}

	a := dds.activeEntry()
	if a == nil || !a.child.canFit(size) {
		if !dds.canCreateSubdir() {
			return 0, newErrf(ErrLedgerWrite, nil, "dirdirstore: %s full at maxDirCount=%d", dds.dirPath, dds.cfg.MaxDirCount)
		}
		var err error
		a, err = dds.createSubdir()
		if err != nil {
			return 0, err
		}
	}
	localID, err := a.child.appendBlock(payload)
	if err != nil {
		return 0, err
	}
	globalID := a.startBlockID + localID
	dds.totalBlockCount++
	if err := dds.persistIndex(); err != nil {
		return 0, err
	}
	return globalID, nil
}

// relocate moves the embedded FileDirStore into subdir "000001" and switches
// the store into DIRS mode.
func (dds *DirDirStore) relocate() error {
	const firstSubdir = "000001"
	if err := dds.embedded.RelocateToSubdir(firstSubdir); err != nil {
		return newErrf(ErrLedgerWrite, err, "dirdirstore: relocate embedded store")
	}
	// RelocateToSubdir nests the store inside its own directory
	// (<root>/embedded/000001); lift it to <root>/000001, where mountChild
	// opens subdir 1, and drop the emptied embedded directory. Open file
	// handles stay valid across the rename.
	nested := dds.embedded.dirPath
	dest := dds.subdirPath(1)
	if err := os.Rename(nested, dest); err != nil {
		return newErrf(ErrLedgerWrite, err, "dirdirstore: move relocated store to %s", dest)
	}
	if err := os.Remove(filepath.Dir(nested)); err != nil {
		return newErrf(ErrLedgerWrite, err, "dirdirstore: remove emptied embedded dir")
	}
	dds.embedded.dirPath = dest
	dds.mode = modeDirs
	dds.entries = append(dds.entries, &dirDirEntry{
		dirID:        1,
		startBlockID: 0,
		isRecursive:  false,
		child:        &blockChild{fileDir: dds.embedded},
	})
	dds.embedded = nil
	dds.log.Info("relocated embedded store into subdir, entering DIRS mode")
	return dds.persistIndex()
}

// createSubdir allocates the next numbered subdir, deciding between a leaf
// FileDirStore and a further-nested DirDirStore per the level/maxDirCount
// transition rule.
func (dds *DirDirStore) createSubdir() (*dirDirEntry, error) {
	newID := uint32(len(dds.entries)) + 1
	path := dds.subdirPath(newID)
	entry := &dirDirEntry{dirID: newID, startBlockID: dds.totalBlockCount}

	useRecursive := uint32(len(dds.entries)) >= dds.cfg.MaxDirCount && dds.level < dds.cfg.MaxLevel
	if useRecursive {
		sub, err := initDirDirStoreAt(DirDirConfig{
			DirPath:      path,
			MaxFileCount: dds.cfg.MaxFileCount,
			MaxFileSize:  dds.cfg.MaxFileSize,
			MaxDirCount:  dds.cfg.MaxDirCount,
			MaxLevel:     dds.cfg.MaxLevel,
		}, dds.level+1)
		if err != nil {
			return nil, err
		}
		entry.isRecursive = true
		entry.child = &blockChild{dirDir: sub}
	} else {
		fds, err := InitFileDirStore(FileDirInitConfig{DirPath: path, MaxFileCount: dds.cfg.MaxFileCount, MaxFileSize: dds.cfg.MaxFileSize})
		if err != nil {
			return nil, err
		}
		entry.child = &blockChild{fileDir: fds}
	}
	dds.entries = append(dds.entries, entry)
	return entry, nil
}

// ReadBlock scans subdirs (or the embedded store) for the owner of globalID
// and recurses into it.
func (dds *DirDirStore) ReadBlock(globalID uint64) ([]byte, error) {
	if dds.mode == modeFiles {
		return dds.embedded.ReadBlock(globalID)
	}
	e := dds.findOwning(globalID)
	if e == nil {
		return nil, newErrf(ErrBlockNotFound, nil, "dirdirstore: block %d not found", globalID)
	}
	return e.child.readBlock(globalID - e.startBlockID)
}

func (dds *DirDirStore) findOwning(globalID uint64) *dirDirEntry {
	for idx, e := range dds.entries {
		var next uint64
		if idx+1 < len(dds.entries) {
			next = dds.entries[idx+1].startBlockID
		} else {
			next = dds.totalBlockCount
		}
		if globalID >= e.startBlockID && globalID < next {
			return e
		}
	}
	return nil
}

// BlockCount returns the total number of blocks stored across the subtree.
func (dds *DirDirStore) BlockCount() uint64 { return dds.totalBlockCount }

// RewindTo truncates the subtree so only the first n blocks remain, removing
// any subdir that falls entirely after n.
func (dds *DirDirStore) RewindTo(n uint64) error {
	if n > dds.totalBlockCount {
		return newErrf(ErrInvalidSequence, nil, "dirdirstore: rewindTo(%d) exceeds total %d", n, dds.totalBlockCount)
	}
	if dds.mode == modeFiles {
		if err := dds.embedded.RewindTo(n); err != nil {
			return err
		}
		dds.totalBlockCount = n
		return nil
	}
	if n == dds.totalBlockCount {
		return nil
	}
	e := dds.findOwning(n)
	var keep []*dirDirEntry
	for _, entry := range dds.entries {
		keep = append(keep, entry)
		if entry == e {
			local := n - entry.startBlockID
			if err := entry.child.rewindTo(local); err != nil {
				return err
			}
			break
		}
	}
	for _, entry := range dds.entries {
		stillKept := false
		for _, k := range keep {
			if k == entry {
				stillKept = true
				break
			}
		}
		if !stillKept {
			entry.child.close()
			if err := os.RemoveAll(dds.subdirPath(entry.dirID)); err != nil {
				return newErrf(ErrLedgerWrite, err, "dirdirstore: remove subdir %d", entry.dirID)
			}
		}
	}
	dds.entries = keep
	dds.totalBlockCount = n
	return dds.persistIndex()
}

// Close flushes the index and every managed child.
func (dds *DirDirStore) Close() error {
	if dds.mode == modeFiles {
		if dds.embedded != nil {
			dds.embedded.Close()
		}
	} else {
		for _, e := range dds.entries {
			e.child.close()
		}
	}
	return dds.persistIndex()
}
