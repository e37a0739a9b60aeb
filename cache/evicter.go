package cache

import (
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/store"
)

type evictionCategory int

const (
	// unevictable: the page is loading, or has load waiters, or its body
	// is shared with snapshots or pinned by a flush.
	unevictable evictionCategory = iota
	// evictableDiskBacked: a clean loaded body with a token; the body can
	// be dropped and reloaded later.
	evictableDiskBacked
	// evictableUnbacked: a loaded body with no token; dropping it would
	// lose data, so it only leaves this bag by being flushed.
	evictableUnbacked
	// evicted: no body in memory.
	evicted
)

type evictionBag struct {
	pages map[*Page]struct{}
}

func makeEvictionBag() *evictionBag {
	return &evictionBag{
		pages: map[*Page]struct{}{},
	}
}

// evicter bins every resident page by how safely its body could be
// dropped, and drops clean disk-backed bodies when the loaded bytes
// exceed the memory limit. Guarded by the cache mutex.
type evicter struct {
	memoryLimit uint64
	inMemory    uint64
	bags        [4]*evictionBag
}

func (ev *evicter) initialize(memoryLimit uint64) {
	ev.memoryLimit = memoryLimit
	for i := range ev.bags {
		ev.bags[i] = makeEvictionBag()
	}
}

func (ev *evicter) setMemoryLimit(memoryLimit uint64) {
	ev.memoryLimit = memoryLimit
}

func categorize(p *Page) evictionCategory {
	if p.loading || p.loadWaiters > 0 {
		return unevictable
	}
	if p.buf == nil {
		return evicted
	}
	if p.refs > 1 || p.snapshotters > 0 {
		return unevictable
	}
	if p.token != store.NilToken {
		return evictableDiskBacked
	}
	return evictableUnbacked
}

func (ev *evicter) correctEvictionCategory(p *Page) *evictionBag {
	return ev.bags[categorize(p)]
}

func (ev *evicter) addPage(p *Page) {
	bag := ev.correctEvictionCategory(p)
	bag.pages[p] = struct{}{}
	if p.buf != nil {
		ev.inMemory += uint64(p.blockSize)
	}
	p.bag = bag
}

func (ev *evicter) removePage(p *Page) {
	if p.bag != nil {
		delete(p.bag.pages, p)
		p.bag = nil
	}
	if p.buf != nil {
		ev.inMemory -= uint64(p.blockSize)
	}
}

// changeToCorrectEvictionBag rebins a page after any state change that
// could alter its category; hadBuf says whether the page's body was in
// memory before the change.
func (ev *evicter) changeToCorrectEvictionBag(p *Page, hadBuf bool) {
	if hadBuf && p.buf == nil {
		ev.inMemory -= uint64(p.blockSize)
	} else if !hadBuf && p.buf != nil {
		ev.inMemory += uint64(p.blockSize)
	}

	bag := ev.correctEvictionCategory(p)
	if p.bag != bag {
		if p.bag != nil {
			delete(p.bag.pages, p)
		}
		bag.pages[p] = struct{}{}
		p.bag = bag
	}
}

// evictIfNecessary drops clean disk-backed bodies until the loaded bytes
// fit the memory limit. Pages with waiters, snapshotters, or in-flight
// flush pins are never in the evictable bag.
func (ev *evicter) evictIfNecessary() {
	bag := ev.bags[evictableDiskBacked]
	for ev.inMemory > ev.memoryLimit && len(bag.pages) > 0 {
		var victim *Page
		for p := range bag.pages {
			victim = p
			break
		}
		log.WithFields(log.Fields{
			"block": victim.blockID,
			"bytes": victim.blockSize,
		}).Debug("evicting page body")
		victim.dropBuf()
		ev.changeToCorrectEvictionBag(victim, true)
	}
}
