package cache

import (
	"context"
	"fmt"

	"github.com/leftmike/pagecache/store"
)

type Access int

const (
	ReadAccess Access = iota
	WriteAccess
)

type BlockType int

const (
	NormalBlock BlockType = iota
	AuxBlock
)

// acqList is the FIFO queue of acquirers on one current page, linked
// through the acquirers themselves.
type acqList struct {
	head, tail *Acq
}

func (l *acqList) empty() bool {
	return l.head == nil
}

func (l *acqList) size() int {
	var n int
	for acq := l.head; acq != nil; acq = acq.next {
		n += 1
	}
	return n
}

func (l *acqList) pushBack(acq *Acq) {
	acq.prev = l.tail
	acq.next = nil
	if l.tail != nil {
		l.tail.next = acq
	} else {
		l.head = acq
	}
	l.tail = acq
}

func (l *acqList) remove(acq *Acq) {
	if acq.prev != nil {
		acq.prev.next = acq.next
	} else {
		l.head = acq.next
	}
	if acq.next != nil {
		acq.next.prev = acq.prev
	} else {
		l.tail = acq.prev
	}
	acq.prev = nil
	acq.next = nil
}

// currentPage is the per-block coordination slot: the queue of
// acquirers, the last write acquirer and last dirtier back-pointers, and
// the block version counter. Guarded by the cache mutex.
type currentPage struct {
	blockID   store.BlockID
	page      *Page
	isDeleted bool

	acquirers  acqList
	keepalives int

	// The block version distinguishes concurrent writes in a flush set;
	// it starts above zero so an unassigned acquirer version (zero) is
	// recognizable.
	lastWriteAcquirer        *Txn
	lastWriteAcquirerVersion uint64

	lastDirtier        *Txn
	lastDirtierRecency store.Recency
	lastDirtierVersion uint64
}

func makeCurrentPage(blockID store.BlockID, page *Page) *currentPage {
	return &currentPage{
		blockID:                  blockID,
		page:                     page,
		lastWriteAcquirerVersion: 1,
	}
}

func (cp *currentPage) addKeepalive() {
	cp.keepalives += 1
}

func (cp *currentPage) removeKeepalive() {
	if cp.keepalives <= 0 {
		panic("cache: current page keepalive underflow")
	}
	cp.keepalives -= 1
}

// shouldBeEvicted is true when nothing references the slot and its page
// body, if any, is already unloaded.
func (cp *currentPage) shouldBeEvicted() bool {
	if !cp.acquirers.empty() {
		return false
	}
	// The last write acquirer still tracks in-memory block versions that
	// change reconciliation depends on.
	if cp.lastWriteAcquirer != nil {
		return false
	}
	if cp.lastDirtier != nil {
		return false
	}
	if cp.keepalives > 0 {
		return false
	}
	if cp.page != nil {
		p := cp.page
		if p.isLoading() || p.hasWaiters() || p.isLoaded() || p.refs != 1 {
			return false
		}
	}
	return true
}

// reset releases the slot's page and, for deleted blocks, returns the
// block id to the free list. The caller removes the slot from the table.
func (cp *currentPage) reset(c *Cache) {
	if !cp.acquirers.empty() || cp.keepalives != 0 ||
		cp.lastWriteAcquirer != nil || cp.lastDirtier != nil {
		panic("cache: resetting a current page that is still in use")
	}
	if cp.page != nil {
		cp.page.removeRef(c)
		cp.page = nil
	}
	if cp.isDeleted && cp.blockID != store.NilBlockID {
		c.freeList.releaseBlockID(cp.blockID)
		cp.blockID = store.NilBlockID
	}
}

func (cp *currentPage) convertFromStoreIfNecessary(c *Cache) {
	if cp.isDeleted {
		panic(fmt.Sprintf("cache: access to deleted block %d", cp.blockID))
	}
	if cp.page == nil {
		cp.page = makeUnloadedPage(c, cp.blockID, store.NilToken)
	}
}

func (cp *currentPage) thePageForRead(c *Cache) *Page {
	cp.convertFromStoreIfNecessary(c)
	return cp.page
}

func (cp *currentPage) thePageForReadOrDeleted(c *Cache) *Page {
	if cp.isDeleted {
		return nil
	}
	cp.convertFromStoreIfNecessary(c)
	return cp.page
}

// thePageForWrite returns the slot's page body for modification,
// unsharing it first when snapshots or an in-flight flush still hold the
// current body.
func (cp *currentPage) thePageForWrite(c *Cache, ctx context.Context,
	acct *store.IOAccount) ([]byte, error) {

	cp.convertFromStoreIfNecessary(c)
	page := cp.page
	buf, err := page.bufForRead(c, ctx, acct)
	if err != nil {
		return nil, err
	}

	if page.refs > 1 {
		clone := make([]byte, len(buf))
		copy(clone, buf)
		page.removeRef(c)
		page = makeBufPage(c, cp.blockID, clone)
		cp.page = page
		buf = clone
	}

	// The body is about to diverge from its persisted copy.
	if page.token != store.NilToken {
		page.token = store.NilToken
		c.evicter.changeToCorrectEvictionBag(page, true)
	}
	return buf, nil
}

func (cp *currentPage) markDeleted(c *Cache) {
	if cp.isDeleted {
		panic(fmt.Sprintf("cache: block %d deleted twice", cp.blockID))
	}
	// Only the sole write acquirer of a block may delete it; otherwise a
	// later acquirer could recreate a block whose id has not been
	// released yet.
	if cp.acquirers.size() != 1 {
		panic(fmt.Sprintf("cache: block %d deleted with other acquirers", cp.blockID))
	}
	cp.isDeleted = true
	c.setRecencyForBlockID(cp.blockID, store.RecencyInvalid)
	if cp.page != nil {
		cp.page.removeRef(c)
		cp.page = nil
	}
}

func (cp *currentPage) addAcquirer(c *Cache, acq *Acq) {
	prevVersion := cp.lastWriteAcquirerVersion

	if acq.access == WriteAccess {
		v := prevVersion + 1
		acq.blockVersion = v

		txn := acq.txn
		cp.lastWriteAcquirerVersion = v

		if cp.lastWriteAcquirer != txn {
			if cp.lastWriteAcquirer != nil {
				prec := cp.lastWriteAcquirer
				delete(prec.pagesWriteAcquiredLast, cp)
				txn.connectPreceder(prec)
			}
			txn.pagesWriteAcquiredLast[cp] = struct{}{}
			cp.lastWriteAcquirer = txn
		}
	} else {
		acq.blockVersion = prevVersion
	}

	cp.acquirers.pushBack(acq)
	acq.inQueue = true
	cp.pulsePulsables(c, acq)
}

func (cp *currentPage) removeAcquirer(c *Cache, acq *Acq) {
	next := acq.next
	cp.acquirers.remove(acq)
	acq.inQueue = false
	if next != nil {
		cp.pulsePulsables(c, next)
	}
}

// pulsePulsables walks the queue forward from acq: a node becomes
// read-available once its predecessor is a pulsed reader (or absent); a
// write node at the head additionally becomes write-available; a
// snapshotted reader captures the current body and recency and is
// spliced out to make way for writers.
func (cp *currentPage) pulsePulsables(c *Cache, acq *Acq) {
	// Nothing to pulse unless the predecessor is gone or a pulsed reader.
	prev := acq.prev
	if !(prev == nil || (prev.access == ReadAccess && prev.readSig.isPulsed())) {
		return
	}

	// Avoid re-pulsing an already-pulsed chain: acq may have been a write
	// acquirer when it was pulsed, so its successor might still need a
	// pulse; stop only if the successor is pulsed too (or absent).
	if acq.access == ReadAccess && acq.readSig.isPulsed() && !acq.declaredSnapshotted {
		next := acq.next
		if next == nil || next.readSig.isPulsed() {
			return
		}
	}

	currentRecency := c.recencyForBlockID(cp.blockID)

	cur := acq
	for cur != nil {
		cur.readSig.pulse()

		if cur.access == ReadAccess {
			next := cur.next
			if cur.declaredSnapshotted {
				// Snapshotters get kicked out of the queue, to make way
				// for write acquirers.
				//
				// Deleted blocks snapshot as a nil body: a write acquirer
				// that deleted the block may downgrade to readonly and
				// snapshotted to flush its version, and this is how it
				// learns of the deletion.
				cur.snapshotRecency = currentRecency
				page := cp.thePageForReadOrDeleted(c)
				if page != nil {
					page.addSnapRef(c)
				}
				cur.snapshottedPage = page
				cur.snapshotted = true
				cp.acquirers.remove(cur)
				cur.inQueue = false
			}
			cur = next
		} else {
			// The first write acquirer gets read access too, but
			// subsequent acquirers wait since it may modify the block.
			if cur.prev == nil {
				if cp.isDeleted {
					panic(fmt.Sprintf("cache: write acquirer on deleted block %d",
						cp.blockID))
				}
				cur.writeSig.pulse()
			}
			break
		}
	}
}

// Acq is the transaction-scoped handle held by a caller while operating
// on one block.
type Acq struct {
	cache   *Cache
	txn     *Txn // set for write access only
	blockID store.BlockID
	access  Access

	cp         *currentPage
	prev, next *Acq
	inQueue    bool

	blockVersion uint64
	readSig      *signal
	writeSig     *signal

	dirtied bool
	touched bool

	declaredSnapshotted bool
	snapshotted         bool
	snapshottedPage     *Page
	snapshotRecency     store.Recency

	released bool
}

func makeAcq(c *Cache, txn *Txn, blockID store.BlockID, access Access) *Acq {
	acq := &Acq{
		cache:    c,
		blockID:  blockID,
		access:   access,
		readSig:  makeSignal(),
		writeSig: makeSignal(),
	}
	if access == WriteAccess {
		if txn == nil || txn.access != WriteAccess {
			panic("cache: write access requires a write transaction")
		}
		acq.txn = txn
		txn.addAcquirer(acq)
	}
	return acq
}

// NewAcq acquires blockID for access within txn. With create true the
// block must be absent (previously deleted or never allocated) and is
// created.
func NewAcq(txn *Txn, blockID store.BlockID, access Access, create bool) *Acq {
	c := txn.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if create && access != WriteAccess {
		panic("cache: cannot create a block with read access")
	}

	acq := makeAcq(c, txn, blockID, access)
	if create {
		acq.cp = c.pageForNewChosenBlockID(blockID)
	} else {
		acq.cp = c.pageForBlockID(blockID)
	}
	acq.cp.addAcquirer(c, acq)
	return acq
}

// NewBlockAcq creates a block with a freshly allocated id.
func NewBlockAcq(txn *Txn, blockType BlockType) *Acq {
	c := txn.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, blockID := c.pageForNewBlockID(blockType)
	acq := makeAcq(c, txn, blockID, WriteAccess)
	acq.cp = cp
	cp.addAcquirer(c, acq)
	return acq
}

// NewReadAcq acquires blockID for reading outside any transaction.
func NewReadAcq(c *Cache, blockID store.BlockID) *Acq {
	c.mu.Lock()
	defer c.mu.Unlock()

	acq := makeAcq(c, nil, blockID, ReadAccess)
	acq.cp = c.pageForBlockID(blockID)
	acq.cp.addAcquirer(c, acq)
	return acq
}

func (acq *Acq) BlockID() store.BlockID {
	return acq.blockID
}

func (acq *Acq) BlockVersion() uint64 {
	acq.cache.mu.Lock()
	defer acq.cache.mu.Unlock()
	return acq.blockVersion
}

func (acq *Acq) DirtiedBlock() bool {
	acq.cache.mu.Lock()
	defer acq.cache.mu.Unlock()
	return acq.dirtied
}

func (acq *Acq) TouchedBlock() bool {
	acq.cache.mu.Lock()
	defer acq.cache.mu.Unlock()
	return acq.touched
}

// ReadSignal is closed once the acquirer has read availability.
func (acq *Acq) ReadSignal() <-chan struct{} {
	return acq.readSig.ch
}

// WriteSignal is closed once the acquirer has write availability.
func (acq *Acq) WriteSignal() <-chan struct{} {
	if acq.access != WriteAccess {
		panic("cache: write signal on a read acquirer")
	}
	return acq.writeSig.ch
}

// account picks the IO account for this operation: the caller's, else
// the transaction's, else the cache's default reads account.
func (acq *Acq) account(acct *store.IOAccount) *store.IOAccount {
	if acct != nil {
		return acct
	}
	if acq.txn != nil {
		return acq.txn.acct
	}
	return acq.cache.defaultReadsAcct
}

func (acq *Acq) waitRead(ctx context.Context) error {
	acq.cache.mu.Unlock()
	err := acq.readSig.wait(ctx)
	acq.cache.mu.Lock()
	return err
}

func (acq *Acq) waitWrite(ctx context.Context) error {
	if acq.access != WriteAccess {
		panic("cache: write wait on a read acquirer")
	}
	acq.cache.mu.Unlock()
	err := acq.writeSig.wait(ctx)
	acq.cache.mu.Lock()
	return err
}

// BlockForRead waits for read availability and returns the block body:
// the snapshot body if this acquirer is snapshotted, the live body
// otherwise. The returned slice must not be modified.
func (acq *Acq) BlockForRead(ctx context.Context, acct *store.IOAccount) ([]byte, error) {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	err := acq.waitRead(ctx)
	if err != nil {
		return nil, err
	}
	if acq.snapshotted {
		if acq.snapshottedPage == nil {
			return nil, nil
		}
		return acq.snapshottedPage.bufForRead(c, ctx, acq.account(acct))
	}
	return acq.cp.thePageForRead(c).bufForRead(c, ctx, acq.account(acct))
}

// BlockForWrite waits for write availability, dirties the block, and
// returns its mutable body.
func (acq *Acq) BlockForWrite(ctx context.Context, acct *store.IOAccount) ([]byte, error) {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if acq.access != WriteAccess {
		panic("cache: block for write on a read acquirer")
	}
	err := acq.waitWrite(ctx)
	if err != nil {
		return nil, err
	}
	acq.dirtyThePage(c)
	return acq.cp.thePageForWrite(c, ctx, acq.account(acct))
}

// SetRecency waits for write availability and updates the block's
// recency without modifying its body.
func (acq *Acq) SetRecency(ctx context.Context, r store.Recency) error {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if acq.access != WriteAccess {
		panic("cache: set recency on a read acquirer")
	}
	err := acq.waitWrite(ctx)
	if err != nil {
		return err
	}
	acq.touched = true
	c.setRecencyForBlockID(acq.blockID, r)
	if acq.cp.lastDirtier == acq.txn {
		acq.cp.lastDirtierRecency = r
	}
	return nil
}

// MarkDeleted waits for write availability and deletes the block.
func (acq *Acq) MarkDeleted(ctx context.Context) error {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if acq.access != WriteAccess {
		panic("cache: mark deleted on a read acquirer")
	}
	err := acq.waitWrite(ctx)
	if err != nil {
		return err
	}
	acq.dirtyThePage(c)
	acq.cp.markDeleted(c)
	return nil
}

// Recency waits for availability and returns the block's recency; a
// snapshotted acquirer sees the recency captured with the snapshot.
func (acq *Acq) Recency(ctx context.Context) (store.Recency, error) {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if acq.access == ReadAccess {
		err = acq.waitRead(ctx)
	} else {
		err = acq.waitWrite(ctx)
	}
	if err != nil {
		return store.RecencyInvalid, err
	}
	if acq.snapshotted {
		return acq.snapshotRecency, nil
	}
	return c.recencyForBlockID(acq.blockID), nil
}

// DeclareReadonly demotes a write acquirer to read access, which may
// unblock the next writer in the queue.
func (acq *Acq) DeclareReadonly() {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	acq.access = ReadAccess
	if acq.cp != nil {
		acq.cp.pulsePulsables(c, acq)
	}
}

// DeclareSnapshotted makes a read acquirer capture the block's state at
// its position in the queue; it is then spliced out of the queue.
func (acq *Acq) DeclareSnapshotted() {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if acq.access != ReadAccess {
		panic("cache: only read acquirers can snapshot")
	}
	// Redeclaration is allowed.
	if !acq.declaredSnapshotted {
		acq.declaredSnapshotted = true
		acq.cp.addKeepalive()
		acq.cp.pulsePulsables(c, acq)
	}
}

// dirtyThePage records this acquirer's write and hands the last-dirtier
// role to its transaction. If the previous dirtier is already headed for
// a flush, it captures a snapshot of its version so the two transactions
// can flush independently; otherwise the previous dirtier must flush
// together with or after this one.
func (acq *Acq) dirtyThePage(c *Cache) {
	acq.dirtied = true
	cp := acq.cp
	txn := acq.txn
	prec := cp.lastDirtier
	if prec != txn {
		if prec != nil {
			delete(prec.pagesDirtiedLast, cp)
			if prec.throttlerAcq.preSpawnFlush {
				page := cp.thePageForReadOrDeleted(c)
				if page != nil {
					page.addSnapRef(c)
				}
				prec.snapshottedDirtiedPages = append(prec.snapshottedDirtiedPages,
					dirtiedPage{
						version: cp.lastDirtierVersion,
						blockID: acq.blockID,
						page:    page,
						recency: cp.lastDirtierRecency,
					})
			} else {
				// prec is already a preceder of txn, transitively. Now it
				// becomes a subseqer too: the two flush at the same time,
				// which fits since prec has no snapshot of its body.
				prec.connectPreceder(txn)
			}
		}
		// txn's dirty page count grows, so refresh its permit before
		// prec's; prec's count may drop, but its permit never shrinks.
		txn.pagesDirtiedLast[cp] = struct{}{}
		txn.throttlerAcq.updateDirtyPageCount(txn.dirtiedPageCount())
		if prec != nil {
			prec.throttlerAcq.updateDirtyPageCount(prec.dirtiedPageCount())
		}
	}
	cp.lastDirtier = txn
	cp.lastDirtierRecency = c.recencyForBlockID(acq.blockID)
	cp.lastDirtierVersion = acq.blockVersion
}

// Release destroys the acquirer: it leaves the queue, drops any
// snapshot, and lets the slot be considered for eviction. Releasing
// twice is harmless.
func (acq *Acq) Release() {
	c := acq.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if acq.released {
		return
	}
	acq.released = true

	if acq.txn != nil {
		acq.txn.removeAcquirer(c, acq)
	}
	if acq.inQueue {
		// Still enqueued; a snapshotted acquirer can be in the queue if
		// it was never pulsed, in which case it has no snapshot page.
		acq.cp.removeAcquirer(c, acq)
	}
	if acq.declaredSnapshotted {
		if acq.snapshottedPage != nil {
			acq.snapshottedPage.removeSnapRef(c)
			acq.snapshottedPage = nil
		}
		acq.cp.removeKeepalive()
	}
	c.considerEvictingCurrentPage(acq.blockID)
}
