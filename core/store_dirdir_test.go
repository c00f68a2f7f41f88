package core

import (
	"testing"

	"synnergy-network/internal/testutil"
)

// once the embedded FileDirStore fills, the
// store must relocate it into "000001" and switch to DIRS mode, creating
// further numbered subdirs as those fill in turn. Prior blocks must remain
// readable throughout.
func TestDirDirStoreRelocatesOnOverflow(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	dds, err := InitDirDirStore(DirDirConfig{
		DirPath:      sb.Path("root"),
		MaxFileCount: 3,
		MaxFileSize:  1 << 20,
		MaxDirCount:  3,
		MaxLevel:     0,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if dds.mode != modeFiles {
		t.Fatal("expected initial mode FILES")
	}

	payload := make([]byte, 400*1024) // 2 fit per FileStore file * 3 files = 6 blocks before overflow
	var ids []uint64
	for i := 0; i < 10; i++ {
		id, err := dds.AppendBlock(payload)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("expected dense global ids, got %d at position %d", id, i)
		}
	}
	if dds.mode != modeDirs {
		t.Fatal("expected relocation into DIRS mode after embedded store filled")
	}
	if len(dds.entries) < 1 || dds.entries[0].dirID != 1 {
		t.Fatalf("expected first subdir id 1, got entries=%+v", dds.entries)
	}
	if dds.entries[0].isRecursive {
		t.Fatal("expected maxLevel=0 to force leaf FileDirStore subdirs, not recursive")
	}

	for i, id := range ids {
		got, err := dds.ReadBlock(id)
		if err != nil {
			t.Fatalf("read block %d (global id %d) after relocation: %v", i, id, err)
		}
		if len(got) != len(payload) {
			t.Fatalf("block %d size mismatch after relocation", i)
		}
	}
	if dds.BlockCount() != 10 {
		t.Fatalf("expected block count 10, got %d", dds.BlockCount())
	}
}

func TestDirDirStoreMountRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	cfg := DirDirConfig{DirPath: sb.Path("root"), MaxFileCount: 2, MaxFileSize: 1 << 20, MaxDirCount: 2, MaxLevel: 0}
	dds, err := InitDirDirStore(cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	payload := make([]byte, 300*1024)
	for i := 0; i < 5; i++ {
		if _, err := dds.AppendBlock(payload); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := dds.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mounted, err := MountDirDirStore(sb.Path("root"), cfg)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if mounted.BlockCount() != 5 {
		t.Fatalf("expected block count 5 after mount, got %d", mounted.BlockCount())
	}
	if _, err := mounted.ReadBlock(4); err != nil {
		t.Fatalf("read block 4 after mount: %v", err)
	}
}

// maxLevel > 0 forces a further-nested DirDirStore once a branch exhausts
// maxDirCount at a shallower level.
func TestDirDirStoreRecursesPastMaxDirCount(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	dds, err := InitDirDirStore(DirDirConfig{
		DirPath:      sb.Path("root"),
		MaxFileCount: 1,
		MaxFileSize:  1 << 20,
		MaxDirCount:  1,
		MaxLevel:     1,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	payload := make([]byte, 900*1024) // one per embedded file given MaxFileCount=1
	for i := 0; i < 3; i++ {
		if _, err := dds.AppendBlock(payload); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if dds.mode != modeDirs {
		t.Fatal("expected DIRS mode after overflow")
	}
	foundRecursive := false
	for _, e := range dds.entries {
		if e.isRecursive {
			foundRecursive = true
		}
	}
	if !foundRecursive {
		t.Fatal("expected at least one recursive subdir once maxDirCount exhausted at level 0")
	}
}

func TestDirDirStoreRewindToRemovesSubdirs(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	dds, err := InitDirDirStore(DirDirConfig{
		DirPath:      sb.Path("root"),
		MaxFileCount: 1,
		MaxFileSize:  1 << 20,
		MaxDirCount:  5,
		MaxLevel:     0,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	payload := make([]byte, 900 * 1024)
	for i := 0; i < 4; i++ {
		if _, err := dds.AppendBlock(payload); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := dds.RewindTo(1); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if dds.BlockCount() != 1 {
		t.Fatalf("expected block count 1, got %d", dds.BlockCount())
	}
	if _, err := dds.ReadBlock(1); err == nil {
		t.Fatal("expected block 1 to be gone after rewind")
	}
	if _, err := dds.ReadBlock(0); err != nil {
		t.Fatalf("expected block 0 to survive rewind: %v", err)
	}
}

func TestDirDirStoreCanFitHonorsMaxDirCount(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	dds, err := InitDirDirStore(DirDirConfig{
		DirPath:      sb.Path("root"),
		MaxFileCount: 1,
		MaxFileSize:  1 << 20,
		MaxDirCount:  1,
		MaxLevel:     0,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	payload := make([]byte, 900*1024)
	if _, err := dds.AppendBlock(payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Still in FILES mode with the embedded store's sole file full:
	// relocating it would take the only subdir slot (maxDirCount=1), and
	// maxLevel=0 allows no deeper child.
	if dds.CanFit(900 * 1024) {
		t.Fatal("expected no room once the sole subdir is full and maxDirCount exhausted")
	}
}
