package cache

import (
	"context"

	"github.com/leftmike/pagecache/store"
)

type Durability int

const (
	SoftDurability Durability = iota
	HardDurability
)

// Conn is a lane of serial writes: each write transaction on the conn
// becomes a subseqer of the previous one, so the lane's writes flush in
// order.
type Conn struct {
	cache     *Cache
	newestTxn *Txn
}

func (c *Cache) NewConn() *Conn {
	return &Conn{
		cache: c,
	}
}

func (conn *Conn) Cache() *Cache {
	return conn.cache
}

// Close detaches the conn from its newest transaction. Soft durability
// lets a transaction outlive the conn it was begun on, so the
// transaction has to be told the conn no longer exists.
func (conn *Conn) Close() {
	c := conn.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn.newestTxn != nil {
		conn.newestTxn.conn = nil
		conn.newestTxn = nil
	}
}

type flushMark int

const (
	markedNot flushMark = iota
	markedBlue
	markedGreen
	markedRed
)

type dirtiedPage struct {
	version uint64
	blockID store.BlockID
	page    *Page // nil for a deleted block
	recency store.Recency
}

type touchedPage struct {
	version uint64
	blockID store.BlockID
	recency store.Recency
}

// Txn batches acquirers into one logical unit and participates in the
// flush graph. Graph fields are guarded by the cache mutex.
type Txn struct {
	cache      *Cache
	conn       *Conn
	acct       *store.IOAccount
	access     Access
	durability Durability
	committed  bool

	preceders []*Txn
	subseqers []*Txn

	liveAcqs                int
	pagesWriteAcquiredLast  map[*currentPage]struct{}
	pagesDirtiedLast        map[*currentPage]struct{}
	snapshottedDirtiedPages []dirtiedPage
	touchedPages            []touchedPage

	throttlerAcq throttlerAcq

	beganWaitingForFlush bool
	spawnedFlush         bool
	mark                 flushMark

	flushCompleteWaiters []*signal
}

// Begin starts a write transaction, throttling first if too many
// unwritten changes are outstanding. conn may be nil.
func (c *Cache) Begin(conn *Conn, durability Durability, expectedChangeCount int64) *Txn {
	if expectedChangeCount < 0 {
		panic("cache: negative expected change count")
	}
	throttlerAcq := c.throttler.beginTxnOrThrottle(expectedChangeCount)

	c.mu.Lock()
	defer c.mu.Unlock()

	txn := &Txn{
		cache:                  c,
		conn:                   conn,
		acct:                   c.defaultReadsAcct,
		access:                 WriteAccess,
		durability:             durability,
		pagesWriteAcquiredLast: map[*currentPage]struct{}{},
		pagesDirtiedLast:       map[*currentPage]struct{}{},
		throttlerAcq:           throttlerAcq,
	}
	if conn != nil {
		oldNewest := conn.newestTxn
		conn.newestTxn = txn
		if oldNewest != nil {
			oldNewest.conn = nil
			txn.connectPreceder(oldNewest)
		}
	}
	return txn
}

// BeginRead starts a read transaction. Read transactions skip the
// throttler, which lets them run ahead of writers.
func (c *Cache) BeginRead() *Txn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Txn{
		cache:                  c,
		acct:                   c.defaultReadsAcct,
		access:                 ReadAccess,
		pagesWriteAcquiredLast: map[*currentPage]struct{}{},
		pagesDirtiedLast:       map[*currentPage]struct{}{},
	}
}

func (conn *Conn) Begin(durability Durability, expectedChangeCount int64) *Txn {
	return conn.cache.Begin(conn, durability, expectedChangeCount)
}

func (conn *Conn) BeginRead() *Txn {
	return conn.cache.BeginRead()
}

// SetAccount changes the IO account used for this transaction's reads.
func (txn *Txn) SetAccount(acct *store.IOAccount) {
	c := txn.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	txn.acct = acct
}

func (txn *Txn) Cache() *Cache {
	return txn.cache
}

func (txn *Txn) dirtiedPageCount() int64 {
	return int64(len(txn.pagesDirtiedLast) + len(txn.snapshottedDirtiedPages))
}

func (txn *Txn) addAcquirer(acq *Acq) {
	if acq.access != WriteAccess {
		panic("cache: only write acquirers register with their transaction")
	}
	txn.liveAcqs += 1
}

func (txn *Txn) removeAcquirer(c *Cache, acq *Acq) {
	if txn.liveAcqs <= 0 {
		panic("cache: transaction acquirer count underflow")
	}
	txn.liveAcqs -= 1

	if acq.dirtied {
		// The dirtier handoff already recorded everything needed.
	} else if acq.touched {
		// Two touched entries for the same block are fine; change
		// reconciliation keeps the newer version.
		txn.touchedPages = append(txn.touchedPages,
			touchedPage{
				version: acq.blockVersion,
				blockID: acq.blockID,
				recency: c.recencyForBlockID(acq.blockID),
			})
	}
}

// connectPreceder adds preceder to txn's preceders, deduplicated, with
// the reciprocal subseqer edge. Pre-spawn-flush propagates to the new
// preceder.
func (txn *Txn) connectPreceder(preceder *Txn) {
	if preceder == txn {
		panic("cache: transaction cannot precede itself")
	}
	// spawnedFlush is set at the same time a transaction leaves the
	// graph, so edges cannot be added after that point.
	if preceder.spawnedFlush {
		panic("cache: preceder already left the flush graph")
	}

	// Preceder lists are small (typically zero to two entries), so a
	// linear scan is fine.
	for _, p := range txn.preceders {
		if p == preceder {
			return
		}
	}
	txn.preceders = append(txn.preceders, preceder)
	preceder.subseqers = append(preceder.subseqers, txn)
	if txn.throttlerAcq.preSpawnFlush {
		propagatePreSpawnFlush(preceder)
	}
}

func (txn *Txn) removePreceder(preceder *Txn) {
	for i, p := range txn.preceders {
		if p == preceder {
			txn.preceders = append(txn.preceders[:i], txn.preceders[i+1:]...)
			return
		}
	}
	panic("cache: removing an unknown preceder")
}

func (txn *Txn) removeSubseqer(subseqer *Txn) {
	for i, s := range txn.subseqers {
		if s == subseqer {
			txn.subseqers = append(txn.subseqers[:i], txn.subseqers[i+1:]...)
			return
		}
	}
	panic("cache: removing an unknown subseqer")
}

// propagatePreSpawnFlush marks base and, transitively, all of its
// preceders as headed for a flush, growing their throttler permits to
// their current dirty page counts.
func propagatePreSpawnFlush(base *Txn) {
	if base.throttlerAcq.preSpawnFlush {
		return
	}
	// Everything on the stack has preSpawnFlush freshly set, so no
	// transaction is pushed twice.
	base.throttlerAcq.setPreSpawnFlush(base.dirtiedPageCount())
	stack := []*Txn{base}
	for len(stack) > 0 {
		txn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range txn.preceders {
			if !p.throttlerAcq.preSpawnFlush {
				p.throttlerAcq.setPreSpawnFlush(p.dirtiedPageCount())
				stack = append(stack, p)
			}
		}
	}
}

// Commit commits a write transaction. With hard durability it returns
// once the flush completes; with soft durability it returns immediately
// and the flush happens when something forces it. The transaction must
// not be used afterward.
func (txn *Txn) Commit(ctx context.Context) error {
	c := txn.cache

	c.mu.Lock()
	if txn.committed {
		c.mu.Unlock()
		panic("cache: transaction committed twice")
	}
	if txn.access != WriteAccess {
		c.mu.Unlock()
		panic("cache: committing a read transaction")
	}
	txn.committed = true

	var flushed *signal
	if txn.durability == HardDurability {
		flushed = makeSignal()
	}
	c.flushAndDestroyTxn(txn, flushed)
	c.mu.Unlock()

	if flushed != nil {
		return flushed.wait(ctx)
	}
	return nil
}

// End finishes a read transaction. Write transactions must go through
// Commit: dropping one uncommitted would lose changes other transactions
// may already depend on, so it is fatal.
func (txn *Txn) End() {
	c := txn.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if txn.access != ReadAccess {
		panic("cache: a write transaction was dropped without commit; " +
			"aborting to avoid data corruption")
	}
	c.endReadTxn(txn)
}
