package cache

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/store"
)

const (
	cacheReadsOutstanding = 16
)

// Cache is a buffer cache over a block store: it keeps resident copies
// of blocks, admits concurrent readers and writers per block, orders
// transaction flushes by their observed dependencies, and throttles
// writers when unwritten changes pile up.
type Cache struct {
	st           store.Store
	maxBlockSize int
	throttler    *Throttler

	mu           sync.Mutex
	currentPages map[store.BlockID]*currentPage
	recencies    map[store.BlockID]store.Recency
	freeList     *freeList
	evicter      evicter

	readAheadLive bool

	waitingForSpawnFlush []*Txn
	indexWriteSink       fifoSink
	drain                sync.WaitGroup

	defaultReadsAcct *store.IOAccount
	closed           bool
}

func New(st store.Store, balancer Balancer) (*Cache, error) {
	recencies, err := st.AllRecencies()
	if err != nil {
		return nil, fmt.Errorf("cache: reading recencies: %s", err)
	}

	c := &Cache{
		st:               st,
		maxBlockSize:     st.MaxBlockSize(),
		throttler:        MakeThrottler(),
		currentPages:     map[store.BlockID]*currentPage{},
		recencies:        recencies,
		freeList:         makeFreeList(recencies),
		defaultReadsAcct: store.MakeIOAccount(cacheReadsOutstanding),
	}
	c.evicter.initialize(balancer.MemoryLimit())
	c.indexWriteSink.initialize()
	c.throttler.InformMemoryLimitChange(balancer.MemoryLimit(), c.maxBlockSize)

	if balancer.ReadAheadOKAtStart() {
		c.readAheadLive = true
		st.ReadAhead(c.offerReadAheadBuf)
	}
	return c, nil
}

func (c *Cache) MaxBlockSize() int {
	return c.maxBlockSize
}

func (c *Cache) Throttler() *Throttler {
	return c.throttler
}

// InformMemoryLimitChange rebudgets the evicter and the throttler; the
// balancer calls this when the cache's share of memory changes.
func (c *Cache) InformMemoryLimitChange(memoryLimit uint64) {
	c.throttler.InformMemoryLimitChange(memoryLimit, c.maxBlockSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicter.setMemoryLimit(memoryLimit)
	c.evicter.evictIfNecessary()
}

// CreateCacheAccount returns an IO account whose outstanding read limit
// scales with priority; priority 100 matches the unaccounted default.
func (c *Cache) CreateCacheAccount(priority int) *store.IOAccount {
	outstanding := cacheReadsOutstanding * priority / 100
	if outstanding < 1 {
		outstanding = 1
	}
	return store.MakeIOAccount(outstanding)
}

func (c *Cache) recencyForBlockID(blockID store.BlockID) store.Recency {
	if blockID.IsAux() {
		return store.DistantPast
	}
	r, ok := c.recencies[blockID]
	if !ok {
		return store.RecencyInvalid
	}
	return r
}

func (c *Cache) setRecencyForBlockID(blockID store.BlockID, r store.Recency) {
	if blockID.IsAux() {
		return
	}
	if r == store.RecencyInvalid {
		delete(c.recencies, blockID)
	} else {
		c.recencies[blockID] = r
	}
}

func (c *Cache) pageForBlockID(blockID store.BlockID) *currentPage {
	cp, ok := c.currentPages[blockID]
	if !ok {
		if !blockID.IsAux() && c.recencyForBlockID(blockID) == store.RecencyInvalid {
			panic(fmt.Sprintf("cache: block %d is deleted or was never created", blockID))
		}
		cp = makeCurrentPage(blockID, nil)
		c.currentPages[blockID] = cp
	} else if cp.isDeleted {
		panic(fmt.Sprintf("cache: block %d is deleted", blockID))
	}
	return cp
}

func (c *Cache) pageForNewBlockID(blockType BlockType) (*currentPage, store.BlockID) {
	var blockID store.BlockID
	switch blockType {
	case AuxBlock:
		blockID = c.freeList.acquireAuxBlockID()
	case NormalBlock:
		blockID = c.freeList.acquireBlockID()
	default:
		panic("cache: unknown block type")
	}
	return c.internalPageForNewChosen(blockID), blockID
}

func (c *Cache) pageForNewChosenBlockID(blockID store.BlockID) *currentPage {
	// Tell the free list this block id is taken.
	c.freeList.acquireChosenBlockID(blockID)
	return c.internalPageForNewChosen(blockID)
}

func (c *Cache) internalPageForNewChosen(blockID store.BlockID) *currentPage {
	if !blockID.IsAux() && c.recencyForBlockID(blockID) != store.RecencyInvalid {
		panic(fmt.Sprintf("cache: chosen block %d already exists", blockID))
	}
	if !blockID.IsAux() {
		c.setRecencyForBlockID(blockID, store.DistantPast)
	}

	if _, ok := c.currentPages[blockID]; ok {
		panic(fmt.Sprintf("cache: current page for new block %d already exists", blockID))
	}
	cp := makeCurrentPage(blockID, nil)
	cp.page = makeBufPage(c, blockID, make([]byte, c.maxBlockSize))
	c.currentPages[blockID] = cp
	return cp
}

// considerEvictingCurrentPage drops the slot for blockID if nothing
// references it anymore. Called with the cache mutex held.
func (c *Cache) considerEvictingCurrentPage(blockID store.BlockID) {
	// Read-ahead uses the existence of a slot to decide whether an
	// offered body could be out of date, so nothing can be dropped while
	// read-ahead is live.
	if c.readAheadLive {
		return
	}

	cp, ok := c.currentPages[blockID]
	if !ok {
		return
	}
	if cp.shouldBeEvicted() {
		delete(c.currentPages, blockID)
		cp.reset(c)
	}
}

// offerReadAheadBuf installs a body offered by the store during startup.
// An offer is accepted iff no slot exists for the block yet and
// read-ahead is still live; if a slot exists, the offered body could be
// out of date.
func (c *Cache) offerReadAheadBuf(blockID store.BlockID, buf []byte, tok store.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.readAheadLive {
		return false
	}
	if _, ok := c.currentPages[blockID]; ok {
		return true
	}

	if len(buf) < c.maxBlockSize {
		full := make([]byte, c.maxBlockSize)
		copy(full, buf)
		buf = full
	}
	cp := makeCurrentPage(blockID, nil)
	cp.page = makeLoadedPage(c, blockID, buf, tok)
	c.currentPages[blockID] = cp
	c.evicter.evictIfNecessary()
	return true
}

// StopReadAhead ends the read-ahead window; slots become eligible for
// eviction.
func (c *Cache) StopReadAhead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReadAhead()
}

func (c *Cache) stopReadAhead() {
	if !c.readAheadLive {
		return
	}
	c.readAheadLive = false

	blockIDs := make([]store.BlockID, 0, len(c.currentPages))
	for blockID := range c.currentPages {
		blockIDs = append(blockIDs, blockID)
	}
	for _, blockID := range blockIDs {
		c.considerEvictingCurrentPage(blockID)
	}
}

// Close flushes every transaction still waiting, waits for in-flight
// flushes, and drops every slot. All transactions must have been
// committed or ended and all acquirers released.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopReadAhead()

	// Every transaction still waiting must have had Commit or End called,
	// so the whole waiting list is a valid flush set; read transactions
	// stuck with graph edges get flushed along with it.
	flushSet := append([]*Txn{}, c.waitingForSpawnFlush...)
	c.spawnFlushFlushables(flushSet)
	c.mu.Unlock()

	c.drain.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for blockID, cp := range c.currentPages {
		delete(c.currentPages, blockID)
		cp.reset(c)
	}
	log.WithField("blocks", len(c.recencies)).Debug("cache closed")
	return nil
}
