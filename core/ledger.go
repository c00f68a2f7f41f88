package core

// ledger.go implements Ledger: the durable, append-only record of accepted
// blocks. It stores each ChainNode in a DirDirStore and keeps a small
// in-memory index mapping block timestamps to block ids so that renewal
// deadline computation (checkRenewalCompleteness) can locate "the first
// block at or after time T" without scanning the whole chain.

import (
	"sort"
	"sync"

	logrus "github.com/sirupsen/logrus"
)

// Ledger wraps a DirDirStore of ChainNode records plus a timestamp index.
type Ledger struct {
	mu    sync.RWMutex
	store *DirDirStore
	// tsIndex is kept sorted by Timestamp for binary search; it is rebuilt
	// from the store on mount and appended to on every AddBlock.
	tsIndex []tsEntry
	log     *logrus.Entry
}

type tsEntry struct {
	timestamp int64
	blockID   uint64
}

// InitLedger creates a brand-new ledger directory.
func InitLedger(cfg DirDirConfig) (*Ledger, error) {
	store, err := InitDirDirStore(cfg)
	if err != nil {
		return nil, newErrf(ErrLedgerInitFailed, err, "ledger: init store at %s", cfg.DirPath)
	}
	return &Ledger{store: store, log: logrus.WithField("component", "ledger")}, nil
}

// MountLedger opens an existing ledger directory and rebuilds the
// timestamp index by scanning every stored block once.
func MountLedger(dirPath string, cfg DirDirConfig) (*Ledger, error) {
	store, err := MountDirDirStore(dirPath, cfg)
	if err != nil {
		return nil, newErrf(ErrLedgerMountFailed, err, "ledger: mount store at %s", dirPath)
	}
	l := &Ledger{store: store, log: logrus.WithField("component", "ledger")}
	if err := l.rebuildIndex(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) rebuildIndex() error {
	n := l.store.BlockCount()
	idx := make([]tsEntry, 0, n)
	for id := uint64(0); id < n; id++ {
		node, err := l.readBlockRaw(id)
		if err != nil {
			return newErrf(ErrLedgerRead, err, "ledger: rebuild index at block %d", id)
		}
		idx = append(idx, tsEntry{timestamp: node.Block.Timestamp, blockID: id})
	}
	l.tsIndex = idx
	return nil
}

// AddBlock durably appends node, assigning it the next sequential block id.
// The caller must ensure node.Block.Index already equals that next id; a
// mismatch is a caller bug, not a validity condition re-checked here.
func (l *Ledger) AddBlock(node *ChainNode) error {
	payload, err := Encode(node)
	if err != nil {
		return newErrf(ErrDeserialization, err, "ledger: serialize block %d", node.Block.Index)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := l.store.AppendBlock(payload)
	if err != nil {
		return newErrf(ErrLedgerWrite, err, "ledger: append block %d", node.Block.Index)
	}
	l.tsIndex = append(l.tsIndex, tsEntry{timestamp: node.Block.Timestamp, blockID: id})
	return nil
}

// ReadBlock returns the ChainNode stored at blockID.
func (l *Ledger) ReadBlock(blockID uint64) (*ChainNode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readBlockRaw(blockID)
}

func (l *Ledger) readBlockRaw(blockID uint64) (*ChainNode, error) {
	payload, err := l.store.ReadBlock(blockID)
	if err != nil {
		return nil, newErrf(ErrLedgerRead, err, "ledger: read block %d", blockID)
	}
	var node ChainNode
	if err := Decode(payload, &node); err != nil {
		return nil, newErrf(ErrDeserialization, err, "ledger: decode block %d", blockID)
	}
	return &node, nil
}

// GetNextBlockId returns the id the next AddBlock call will assign.
func (l *Ledger) GetNextBlockId() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.BlockCount()
}

// BlockCount returns the number of blocks currently stored.
func (l *Ledger) BlockCount() uint64 {
	return l.GetNextBlockId()
}

// FindBlockByTimestamp returns the smallest block id whose timestamp is >=
// ts, or BlockCount() if every stored block predates ts. Runs in O(log n)
// against the in-memory timestamp index, which is kept sorted because
// block timestamps are monotonic by construction (ValidateBlockTiming).
func (l *Ledger) FindBlockByTimestamp(ts int64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.tsIndex)
	i := sort.Search(n, func(i int) bool { return l.tsIndex[i].timestamp >= ts })
	if i == n {
		return uint64(n), nil
	}
	return l.tsIndex[i].blockID, nil
}

// RewindTo truncates the ledger to contain exactly n blocks (ids
// [0, n)), discarding the rest and trimming the timestamp index to match.
func (l *Ledger) RewindTo(n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.RewindTo(n); err != nil {
		return newErrf(ErrLedgerWrite, err, "ledger: rewind to %d", n)
	}
	cut := sort.Search(len(l.tsIndex), func(i int) bool { return l.tsIndex[i].blockID >= n })
	l.tsIndex = l.tsIndex[:cut]
	return nil
}

// Close releases the underlying store's file handles.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}
