package cache

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/store"
)

// fifoSink orders index writes across concurrent flushes: tickets are
// issued in flush spawn order and entered in that order.
type fifoSink struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	next    uint64
	current uint64
}

func (fs *fifoSink) initialize() {
	fs.cond = sync.NewCond(&fs.mutex)
}

func (fs *fifoSink) ticket() uint64 {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	t := fs.next
	fs.next += 1
	return t
}

func (fs *fifoSink) enter(t uint64) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	for fs.current != t {
		fs.cond.Wait()
	}
}

func (fs *fifoSink) exit() {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	fs.current += 1
	fs.cond.Broadcast()
}

type blockChange struct {
	version  uint64
	modified bool
	page     *Page // nil for deletions and touches
	recency  store.Recency
}

// computeChanges folds the snapshotted dirtied pages and touched pages
// of a flush set into one change per block. The entry with the greater
// block version wins; recencies of colliding touches are combined with
// Superceding. The change map borrows page pointers from the
// transactions' snapshots; it owns no references.
func computeChanges(txns []*Txn) map[store.BlockID]blockChange {
	changes := map[store.BlockID]blockChange{}

	for _, txn := range txns {
		for _, d := range txn.snapshottedDirtiedPages {
			recency := store.RecencyInvalid
			if d.page != nil {
				recency = d.recency
			}
			change := blockChange{
				version:  d.version,
				modified: true,
				page:     d.page,
				recency:  recency,
			}

			if existing, ok := changes[d.blockID]; ok {
				// Versions are distinct across different write
				// operations.
				if existing.version == change.version {
					panic("cache: equal block versions in one flush set")
				}
				if existing.version < change.version {
					changes[d.blockID] = change
				}
			} else {
				changes[d.blockID] = change
			}
		}
	}

	for _, txn := range txns {
		for _, t := range txn.touchedPages {
			if existing, ok := changes[t.blockID]; ok {
				if existing.version == t.version {
					panic("cache: equal block versions in one flush set")
				}
				if existing.version < t.version {
					changes[t.blockID] = blockChange{
						version:  t.version,
						modified: false,
						page:     nil,
						recency:  store.Superceding(existing.recency, t.recency),
					}
				}
			} else {
				changes[t.blockID] = blockChange{
					version: t.version,
					recency: t.recency,
				}
			}
		}
	}

	return changes
}

// removeTxnSetFromGraph detaches every transaction in txns from the
// flush graph: edges are dropped, last-write-acquirer and last-dirtier
// back-pointers are cleared (capturing dirtied page snapshots), conns
// are detached, and spawnedFlush is set so no new edges can arrive.
func (c *Cache) removeTxnSetFromGraph(txns []*Txn) {
	for _, txn := range txns {
		for _, s := range txn.subseqers {
			s.removePreceder(txn)
		}
		txn.subseqers = nil

		// Preceders can lie outside the set: transactions that made no
		// modifications are not flushed and do not wait for their
		// preceding transactions to leave the graph.
		for _, p := range txn.preceders {
			p.removeSubseqer(txn)
		}
		txn.preceders = nil

		for cp := range txn.pagesWriteAcquiredLast {
			if cp.lastWriteAcquirer != txn {
				panic("cache: last write acquirer bookkeeping out of sync")
			}
			delete(txn.pagesWriteAcquiredLast, cp)
			cp.lastWriteAcquirer = nil
			c.considerEvictingCurrentPage(cp.blockID)
		}

		for cp := range txn.pagesDirtiedLast {
			if cp.lastDirtier != txn {
				panic("cache: last dirtier bookkeeping out of sync")
			}
			page := cp.thePageForReadOrDeleted(c)
			if page != nil {
				page.addSnapRef(c)
			}
			txn.snapshottedDirtiedPages = append(txn.snapshottedDirtiedPages,
				dirtiedPage{
					version: cp.lastDirtierVersion,
					blockID: cp.blockID,
					page:    page,
					recency: cp.lastDirtierRecency,
				})
			delete(txn.pagesDirtiedLast, cp)
			cp.lastDirtier = nil
			c.considerEvictingCurrentPage(cp.blockID)
		}

		if txn.conn != nil {
			txn.conn.newestTxn = nil
			txn.conn = nil
		}

		txn.spawnedFlush = true
		c.removeFromWaitingList(txn)
	}
}

// maximalFlushableTxnSet returns every transaction that can presently be
// flushed, given the newest transaction that began waiting for flush.
//
// Marks move through: not -> blue (queued), blue -> red (some preceder
// is red or not yet waiting), blue -> green (flushable so far), and
// green -> blue when a subseqer walk discovers a red parent. Every
// transaction is processed at most twice.
func maximalFlushableTxnSet(base *Txn) []*Txn {
	if base.spawnedFlush || !base.beganWaitingForFlush || base.mark != markedNot {
		panic("cache: bad base transaction for flush set")
	}

	var blue []*Txn
	var colored []*Txn

	base.mark = markedBlue
	blue = append(blue, base)
	colored = append(colored, base)

	for len(blue) > 0 {
		txn := blue[len(blue)-1]
		blue = blue[:len(blue)-1]

		var poisoned bool
		for _, prec := range txn.preceders {
			if !prec.beganWaitingForFlush || prec.mark == markedRed {
				poisoned = true
			} else if prec.mark == markedNot {
				prec.mark = markedBlue
				blue = append(blue, prec)
				colored = append(colored, prec)
			}
		}

		if poisoned {
			txn.mark = markedRed
		} else {
			txn.mark = markedGreen
		}

		for _, subs := range txn.subseqers {
			if !subs.beganWaitingForFlush {
				continue
			}
			if subs.mark == markedNot {
				if !poisoned {
					subs.mark = markedBlue
					blue = append(blue, subs)
					colored = append(colored, subs)
				}
			} else if subs.mark == markedGreen && poisoned {
				subs.mark = markedBlue
				blue = append(blue, subs)
			}
		}
	}

	flushable := colored[:0]
	for _, txn := range colored {
		mark := txn.mark
		txn.mark = markedNot
		if mark == markedGreen {
			flushable = append(flushable, txn)
		}
	}
	return flushable
}

func (c *Cache) removeFromWaitingList(txn *Txn) {
	for i, t := range c.waitingForSpawnFlush {
		if t == txn {
			c.waitingForSpawnFlush = append(c.waitingForSpawnFlush[:i],
				c.waitingForSpawnFlush[i+1:]...)
			return
		}
	}
	panic("cache: transaction missing from the waiting list")
}

// flushAndDestroyTxn finalizes a committed write transaction; read
// transactions go through endReadTxn. Called with the cache mutex held.
func (c *Cache) flushAndDestroyTxn(txn *Txn, flushed *signal) {
	if txn.liveAcqs != 0 {
		panic("cache: an acquirer lifespan exceeds its transaction's")
	}
	if txn.beganWaitingForFlush || txn.spawnedFlush {
		panic("cache: transaction already waiting for flush")
	}

	if flushed != nil {
		txn.flushCompleteWaiters = append(txn.flushCompleteWaiters, flushed)
	}
	c.beginWaitingForFlush(txn)
}

// endReadTxn tears down a read transaction. It produces no changes; if
// it somehow holds graph edges it lingers until the terminal flush.
func (c *Cache) endReadTxn(txn *Txn) {
	if txn.liveAcqs != 0 {
		panic("cache: an acquirer lifespan exceeds its transaction's")
	}
	if len(txn.snapshottedDirtiedPages) != 0 || len(txn.touchedPages) != 0 {
		panic("cache: read transaction produced changes")
	}
	if len(txn.preceders) == 0 && len(txn.subseqers) == 0 {
		c.pulseFlushComplete([]*Txn{txn})
		return
	}
	c.beginWaitingForFlush(txn)
}

func (c *Cache) beginWaitingForFlush(txn *Txn) {
	txn.beganWaitingForFlush = true
	c.waitingForSpawnFlush = append(c.waitingForSpawnFlush, txn)

	if txn.durability == HardDurability || txn.throttlerAcq.preSpawnFlush {
		propagatePreSpawnFlush(txn)
		c.spawnFlushFlushables(maximalFlushableTxnSet(txn))
	}
}

// spawnFlushFlushables detaches the flush set from the graph and starts
// the flush. Called with the cache mutex held.
func (c *Cache) spawnFlushFlushables(flushSet []*Txn) {
	if len(flushSet) == 0 {
		return
	}

	c.removeTxnSetFromGraph(flushSet)
	changes := computeChanges(flushSet)
	if len(changes) == 0 {
		c.pulseFlushComplete(flushSet)
		return
	}

	ticket := c.indexWriteSink.ticket()
	c.drain.Add(1)
	go c.doFlushTxnSet(changes, flushSet, ticket)
}

type flushBlock struct {
	blockID   store.BlockID
	isDeleted bool
	token     store.Token
	recency   store.Recency
	page      *Page
}

// doFlushTxnSet writes the changed bodies to the store in one batch,
// then issues a single ordered index write, installs the new tokens,
// releases the snapshots, and signals completion.
func (c *Cache) doFlushTxnSet(changes map[store.BlockID]blockChange, txns []*Txn,
	ticket uint64) {

	defer c.drain.Done()

	blockIDs := make([]store.BlockID, 0, len(changes))
	for blockID := range changes {
		blockIDs = append(blockIDs, blockID)
	}
	sort.Slice(blockIDs, func(i, j int) bool { return blockIDs[i] < blockIDs[j] })

	var blocks []flushBlock
	var writeInfos []store.WriteInfo
	var pinned []*Page

	c.mu.Lock()
	for _, blockID := range blockIDs {
		change := changes[blockID]
		if change.modified {
			if change.page == nil {
				// The block is deleted.
				blocks = append(blocks, flushBlock{
					blockID:   blockID,
					isDeleted: true,
					recency:   store.RecencyInvalid,
				})
			} else if change.page.token != store.NilToken {
				// Already on disk; reuse the token, no write.
				blocks = append(blocks, flushBlock{
					blockID: blockID,
					token:   change.page.token,
					recency: change.recency,
					page:    change.page,
				})
			} else {
				// A dirtied page must be loaded: getting rid of the body
				// requires eviction, which requires a token.
				if !change.page.isLoaded() {
					log.Fatalf("cache: dirtied block %d is not loaded", blockID)
				}
				// Pin the page so eviction can't free the body while the
				// write is in flight.
				change.page.addRef(c)
				pinned = append(pinned, change.page)
				writeInfos = append(writeInfos, store.WriteInfo{
					BlockID: blockID,
					Buf:     change.page.buf,
				})
				blocks = append(blocks, flushBlock{
					blockID: blockID,
					recency: change.recency,
					page:    change.page,
				})
			}
		} else {
			// Only the recency changed.
			blocks = append(blocks, flushBlock{
				blockID: blockID,
				recency: change.recency,
			})
		}
	}
	c.mu.Unlock()

	var tokens []store.Token
	if len(writeInfos) > 0 {
		var err error
		tokens, err = c.st.WriteBlocks(writeInfos, nil)
		if err != nil {
			log.Fatalf("cache: block writes failed: %s", err)
		}
	}

	// Match the fresh tokens back up with their blocks.
	tokenIdx := 0
	ops := make([]store.IndexOp, 0, len(blocks))
	for i := range blocks {
		fb := &blocks[i]
		if fb.isDeleted {
			ops = append(ops, store.IndexOp{
				BlockID: fb.blockID,
				Token:   store.NilToken,
				Recency: store.RecencyInvalid,
			})
		} else if fb.page != nil && fb.token == store.NilToken {
			fb.token = tokens[tokenIdx]
			tokenIdx += 1
			ops = append(ops, store.IndexOp{
				BlockID: fb.blockID,
				Token:   fb.token,
				Recency: fb.recency,
			})
		} else {
			ops = append(ops, store.IndexOp{
				BlockID: fb.blockID,
				Token:   fb.token,
				Recency: fb.recency,
			})
		}
	}

	// Index writes are totally ordered across concurrent flushes.
	c.indexWriteSink.enter(ticket)
	err := c.st.WriteIndex(ops)
	c.indexWriteSink.exit()
	if err != nil {
		log.Fatalf("cache: index write failed: %s", err)
	}

	c.mu.Lock()
	// Install the new tokens on the pages that were written and rebin
	// them: their bodies are clean and disk-backed now.
	for i, page := range pinned {
		if page.token == store.NilToken {
			page.token = tokens[i]
			c.evicter.changeToCorrectEvictionBag(page, true)
		}
		page.removeRef(c)
	}

	for _, txn := range txns {
		for i := range txn.snapshottedDirtiedPages {
			d := &txn.snapshottedDirtiedPages[i]
			if d.page != nil {
				d.page.removeSnapRef(c)
				d.page = nil
			}
			c.considerEvictingCurrentPage(d.blockID)
		}
		txn.snapshottedDirtiedPages = nil
		txn.throttlerAcq.markDirtyPagesWritten()
	}

	c.pulseFlushComplete(txns)
	c.evicter.evictIfNecessary()
	c.mu.Unlock()
}

// pulseFlushComplete destroys the transactions of a completed flush:
// returns their throttler permits and pulses their completion waiters.
// Called with the cache mutex held.
func (c *Cache) pulseFlushComplete(txns []*Txn) {
	for _, txn := range txns {
		c.throttler.endTxn(&txn.throttlerAcq)
		for _, sig := range txn.flushCompleteWaiters {
			sig.pulse()
		}
		txn.flushCompleteWaiters = nil
	}
}
