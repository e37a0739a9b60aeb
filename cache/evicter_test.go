package cache

import (
	"context"
	"testing"

	"github.com/leftmike/pagecache/store"
)

func TestEvictionCategories(t *testing.T) {
	cases := []struct {
		page     Page
		category evictionCategory
	}{
		{page: Page{loading: true}, category: unevictable},
		{page: Page{buf: []byte{1}, loadWaiters: 1}, category: unevictable},
		{page: Page{buf: []byte{1}, refs: 2}, category: unevictable},
		{page: Page{buf: []byte{1}, refs: 1, snapshotters: 1}, category: unevictable},
		{page: Page{buf: []byte{1}, refs: 1, token: 3}, category: evictableDiskBacked},
		{page: Page{buf: []byte{1}, refs: 1}, category: evictableUnbacked},
		{page: Page{token: 3}, category: evicted},
	}

	for i, c := range cases {
		if got := categorize(&c.page); got != c.category {
			t.Errorf("categorize(%d) got %d want %d", i, got, c.category)
		}
	}
}

func TestEvicterMemoryBound(t *testing.T) {
	// Room for two block bodies.
	c, st := makeTestCache(t, 2*testBlockSize)
	defer st.Close()

	ctx := context.Background()

	for i := 0; i < 6; i++ {
		txn := c.Begin(nil, HardDurability, 1)
		writeTestBlock(t, txn, store.BlockID(i), true, []byte{byte(i)})
		err := txn.Commit(ctx)
		if err != nil {
			t.Fatalf("Commit() failed with %s", err)
		}
	}

	c.mu.Lock()
	if c.evicter.inMemory > 2*testBlockSize {
		t.Errorf("evicter in-memory got %d want <= %d", c.evicter.inMemory,
			2*testBlockSize)
	}
	c.mu.Unlock()

	// Evicted bodies reload on demand.
	txn := c.BeginRead()
	for i := 0; i < 6; i++ {
		acq := NewAcq(txn, store.BlockID(i), ReadAccess, false)
		buf, err := acq.BlockForRead(ctx, nil)
		if err != nil {
			t.Fatalf("BlockForRead(%d) failed with %s", i, err)
		}
		if buf[0] != byte(i) {
			t.Errorf("BlockForRead(%d) got %d want %d", i, buf[0], i)
		}
		acq.Release()
	}
	txn.End()

	err := c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestEvictionSafety(t *testing.T) {
	c, st := makeTestCache(t, 1*testBlockSize)
	defer st.Close()

	ctx := context.Background()

	txn := c.Begin(nil, HardDurability, 1)
	writeTestBlock(t, txn, 0, true, []byte("pinned"))
	err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	// A snapshotted page is never evicted, no matter the pressure.
	rtxn := c.BeginRead()
	acq := NewAcq(rtxn, 0, ReadAccess, false)
	acq.DeclareSnapshotted()
	_, err = acq.BlockForRead(ctx, nil)
	if err != nil {
		t.Fatalf("BlockForRead(0) failed with %s", err)
	}

	for i := 1; i < 5; i++ {
		wtxn := c.Begin(nil, HardDurability, 1)
		writeTestBlock(t, wtxn, store.BlockID(i), true, []byte{byte(i)})
		err := wtxn.Commit(ctx)
		if err != nil {
			t.Fatalf("Commit() failed with %s", err)
		}
	}

	c.mu.Lock()
	page := acq.snapshottedPage
	if page == nil || !page.isLoaded() {
		t.Error("snapshotted page body was evicted")
	}
	if page != nil && page.snapshotters == 0 {
		t.Error("snapshotted page has no snapshotters")
	}
	c.mu.Unlock()

	acq.Release()
	rtxn.End()

	err = c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}
