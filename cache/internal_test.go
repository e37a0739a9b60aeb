package cache

import (
	"bytes"
	"context"
	"testing"

	"github.com/leftmike/pagecache/store"
)

const testBlockSize = 512

func makeTestCache(t *testing.T, memoryLimit uint64) (*Cache, store.Store) {
	t.Helper()

	st, err := store.MakeBTreeStore(testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(st, FixedBalancer(memoryLimit, false))
	if err != nil {
		t.Fatal(err)
	}
	return c, st
}

func writeTestBlock(t *testing.T, txn *Txn, blockID store.BlockID, create bool,
	val []byte) {
	t.Helper()

	acq := NewAcq(txn, blockID, WriteAccess, create)
	buf, err := acq.BlockForWrite(context.Background(), nil)
	if err != nil {
		t.Fatalf("BlockForWrite(%d) failed with %s", blockID, err)
	}
	copy(buf, val)
	acq.Release()
}

func hasPreceder(txn, prec *Txn) bool {
	for _, p := range txn.preceders {
		if p == prec {
			return true
		}
	}
	return false
}

func graphTxn(began bool, preceders ...*Txn) *Txn {
	txn := &Txn{
		beganWaitingForFlush: began,
	}
	for _, p := range preceders {
		txn.preceders = append(txn.preceders, p)
		p.subseqers = append(p.subseqers, txn)
	}
	return txn
}

func TestMaximalFlushableSet(t *testing.T) {
	// A ready chain flushes whole.
	a := graphTxn(true)
	b := graphTxn(true, a)
	set := maximalFlushableTxnSet(b)
	if len(set) != 2 {
		t.Errorf("maximalFlushableTxnSet() got %d txns want 2", len(set))
	}
	for _, txn := range []*Txn{a, b} {
		if txn.mark != markedNot {
			t.Errorf("maximalFlushableTxnSet() left a mark: %d", txn.mark)
		}
	}

	// A not-yet-ready preceder poisons its subseqers.
	a = graphTxn(false)
	b = graphTxn(true, a)
	set = maximalFlushableTxnSet(b)
	if len(set) != 0 {
		t.Errorf("maximalFlushableTxnSet() got %d txns want 0", len(set))
	}

	// The poison reaches a subseqer that was already green: d, the base,
	// turns green first, then is re-examined once b turns red.
	a = graphTxn(false)
	b = graphTxn(true, a)
	c := graphTxn(true)
	d := graphTxn(true, c, b)
	set = maximalFlushableTxnSet(d)
	if len(set) != 1 || set[0] != c {
		t.Errorf("maximalFlushableTxnSet() got %v want just c", set)
	}
	for _, txn := range []*Txn{a, b, c, d} {
		if txn.mark != markedNot {
			t.Errorf("maximalFlushableTxnSet() left a mark: %d", txn.mark)
		}
	}
}

func TestComputeChanges(t *testing.T) {
	// A touch at a higher version beats a dirty at a lower one; the
	// recencies combine with Superceding.
	t1 := &Txn{
		snapshottedDirtiedPages: []dirtiedPage{
			{version: 5, blockID: 11, page: &Page{}, recency: 10},
		},
	}
	t2 := &Txn{
		touchedPages: []touchedPage{
			{version: 6, blockID: 11, recency: 8},
		},
	}

	changes := computeChanges([]*Txn{t1, t2})
	change, ok := changes[11]
	if !ok {
		t.Fatal("computeChanges() missing block 11")
	}
	if change.version != 6 || change.modified || change.page != nil || change.recency != 10 {
		t.Errorf("computeChanges() got {%d %t %v %d} want {6 false <nil> 10}",
			change.version, change.modified, change.page, change.recency)
	}

	// A dirty at a higher version beats an earlier dirty.
	page := &Page{}
	t3 := &Txn{
		snapshottedDirtiedPages: []dirtiedPage{
			{version: 3, blockID: 12, page: &Page{}, recency: 1},
			{version: 4, blockID: 12, page: page, recency: 2},
		},
	}
	changes = computeChanges([]*Txn{t3})
	change = changes[12]
	if change.version != 4 || !change.modified || change.page != page {
		t.Errorf("computeChanges() got {%d %t} want {4 true}",
			change.version, change.modified)
	}

	// Touch-only merges keep the superceding recency.
	t4 := &Txn{
		touchedPages: []touchedPage{
			{version: 7, blockID: 13, recency: 20},
			{version: 8, blockID: 13, recency: 15},
		},
	}
	changes = computeChanges([]*Txn{t4})
	change = changes[13]
	if change.version != 8 || change.modified || change.recency != 20 {
		t.Errorf("computeChanges() got {%d %t recency %d} want {8 false recency 20}",
			change.version, change.modified, change.recency)
	}
}

func TestPrecederCoalescing(t *testing.T) {
	c, st := makeTestCache(t, 64*1024*1024)
	defer st.Close()

	ctx := context.Background()

	tx1 := c.Begin(nil, SoftDurability, 1)
	writeTestBlock(t, tx1, 1, true, []byte("one"))
	err := tx1.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	tx2 := c.Begin(nil, SoftDurability, 1)
	writeTestBlock(t, tx2, 2, true, []byte("two"))
	err = tx2.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	tx3 := c.Begin(nil, HardDurability, 2)
	writeTestBlock(t, tx3, 1, false, []byte("tre"))
	writeTestBlock(t, tx3, 2, false, []byte("tre"))

	c.mu.Lock()
	if !hasPreceder(tx3, tx1) || !hasPreceder(tx3, tx2) {
		t.Errorf("tx3 preceders got %v want tx1 and tx2", tx3.preceders)
	}
	cp1 := c.currentPages[1]
	cp2 := c.currentPages[2]
	c.mu.Unlock()

	err = tx3.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	// The flush set carried tx1 and tx2 along; every transaction is fully
	// detached from the graph.
	c.mu.Lock()
	for i, txn := range []*Txn{tx1, tx2, tx3} {
		if len(txn.preceders) != 0 || len(txn.subseqers) != 0 {
			t.Errorf("tx%d still has graph edges", i+1)
		}
		if len(txn.pagesWriteAcquiredLast) != 0 || len(txn.pagesDirtiedLast) != 0 {
			t.Errorf("tx%d still has page back-pointers", i+1)
		}
		if len(txn.snapshottedDirtiedPages) != 0 {
			t.Errorf("tx%d still has snapshotted dirtied pages", i+1)
		}
		if !txn.spawnedFlush {
			t.Errorf("tx%d did not spawn a flush", i+1)
		}
	}
	for _, cp := range []*currentPage{cp1, cp2} {
		if cp.lastWriteAcquirer != nil || cp.lastDirtier != nil {
			t.Errorf("block %d still has last write acquirer or dirtier", cp.blockID)
		}
	}
	if len(c.waitingForSpawnFlush) != 0 {
		t.Errorf("waiting list got %d txns want 0", len(c.waitingForSpawnFlush))
	}
	c.mu.Unlock()

	for _, blockID := range []store.BlockID{1, 2} {
		tok, _, err := st.IndexRead(blockID)
		if err != nil {
			t.Fatalf("IndexRead(%d) failed with %s", blockID, err)
		}
		buf, err := st.ReadBlock(tok, nil)
		if err != nil {
			t.Fatalf("ReadBlock(%d) failed with %s", tok, err)
		}
		if !bytes.Equal(buf[:3], []byte("tre")) {
			t.Errorf("ReadBlock(%d) got %v want %v", blockID, buf[:3], []byte("tre"))
		}
	}

	err = c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestDirtierHandoffPreSpawnFlush(t *testing.T) {
	c, st := makeTestCache(t, 64*1024*1024)
	defer st.Close()

	ctx := context.Background()

	tx1 := c.Begin(nil, SoftDurability, 1)
	writeTestBlock(t, tx1, 9, true, []byte("first"))

	// tx1 is headed for a flush but has not committed yet.
	c.mu.Lock()
	tx1.throttlerAcq.setPreSpawnFlush(tx1.dirtiedPageCount())
	c.mu.Unlock()

	tx2 := c.Begin(nil, SoftDurability, 1)
	writeTestBlock(t, tx2, 9, false, []byte("second"))

	c.mu.Lock()
	// tx1 captured a snapshot of its version of block 9 instead of taking
	// a preceder edge to tx2; the two can flush independently.
	if len(tx1.snapshottedDirtiedPages) != 1 {
		t.Fatalf("tx1 snapshotted dirtied pages got %d want 1",
			len(tx1.snapshottedDirtiedPages))
	}
	d := tx1.snapshottedDirtiedPages[0]
	if d.blockID != 9 || d.page == nil {
		t.Errorf("tx1 snapshot got block %d page %v", d.blockID, d.page)
	}
	if hasPreceder(tx1, tx2) {
		t.Error("tx1 acquired a preceder edge to tx2")
	}
	if _, ok := tx1.pagesDirtiedLast[c.currentPages[9]]; ok {
		t.Error("tx1 still the last dirtier of block 9")
	}
	if c.currentPages[9].lastDirtier != tx2 {
		t.Error("tx2 is not the last dirtier of block 9")
	}
	c.mu.Unlock()

	// The snapshot preserves tx1's bytes even though tx2 overwrote the
	// live page.
	if !bytes.Equal(d.page.buf[:5], []byte("first")) {
		t.Errorf("tx1 snapshot got %v want %v", d.page.buf[:5], []byte("first"))
	}

	err := tx1.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	err = tx2.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	err = c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	// tx2's write is the final state.
	tok, _, err := st.IndexRead(9)
	if err != nil {
		t.Fatalf("IndexRead(9) failed with %s", err)
	}
	buf, err := st.ReadBlock(tok, nil)
	if err != nil {
		t.Fatalf("ReadBlock(%d) failed with %s", tok, err)
	}
	if !bytes.Equal(buf[:6], []byte("second")) {
		t.Errorf("ReadBlock(9) got %v want %v", buf[:6], []byte("second"))
	}
}

func TestReadAheadAcceptance(t *testing.T) {
	st, err := store.MakeBTreeStore(testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	tokens, err := st.WriteBlocks(
		[]store.WriteInfo{
			{BlockID: 1, Buf: []byte("ra-one")},
			{BlockID: 2, Buf: []byte("ra-two")},
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = st.WriteIndex(
		[]store.IndexOp{
			{BlockID: 1, Token: tokens[0], Recency: 1},
			{BlockID: 2, Token: tokens[1], Recency: 2},
		})
	if err != nil {
		t.Fatal(err)
	}

	c, err := New(st, FixedBalancer(64*1024*1024, false))
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	c.readAheadLive = true
	c.mu.Unlock()

	// No slot exists for block 1 yet: the offer is installed.
	if !c.offerReadAheadBuf(1, []byte("ra-one"), tokens[0]) {
		t.Error("offerReadAheadBuf(1) got false want true")
	}
	c.mu.Lock()
	cp, ok := c.currentPages[1]
	if !ok || cp.page == nil || !cp.page.isLoaded() {
		t.Error("offerReadAheadBuf(1) did not install a loaded page")
	}
	page := cp.page
	c.mu.Unlock()

	// A second offer for the same block is dropped: the slot exists, so
	// the offered body could be out of date.
	if !c.offerReadAheadBuf(1, []byte("stale"), tokens[0]) {
		t.Error("offerReadAheadBuf(1) got false want true")
	}
	c.mu.Lock()
	if c.currentPages[1].page != page {
		t.Error("offerReadAheadBuf(1) replaced an existing page")
	}
	c.mu.Unlock()

	// After the read-ahead window closes, offers stop the walk.
	c.StopReadAhead()
	if c.offerReadAheadBuf(2, []byte("ra-two"), tokens[1]) {
		t.Error("offerReadAheadBuf(2) got true want false")
	}

	err = c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestReadTxnSkipsThrottler(t *testing.T) {
	c, st := makeTestCache(t, 64*1024*1024)
	defer st.Close()

	txn := c.BeginRead()
	if txn.throttlerAcq.hasThrottler() {
		t.Error("read transaction holds a throttler permit")
	}
	txn.End()

	err := c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}
