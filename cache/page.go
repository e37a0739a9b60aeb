package cache

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/pagecache/store"
)

// Page is the in-memory representation of one block. The body may be
// absent (evicted or never loaded) as long as a token identifies the
// persisted copy. refs counts the holders of the page: the current page
// slot, snapshots, and flush pins. All fields are guarded by the cache
// mutex.
type Page struct {
	blockID   store.BlockID
	blockSize int
	buf       []byte
	token     store.Token

	loading     bool
	loadSig     *signal
	loadWaiters int

	refs         int
	snapshotters int
	bag          *evictionBag
}

// makeBufPage returns a page for a fresh, never persisted body.
func makeBufPage(c *Cache, blockID store.BlockID, buf []byte) *Page {
	p := &Page{
		blockID:   blockID,
		blockSize: c.maxBlockSize,
		buf:       buf,
		refs:      1,
	}
	c.evicter.addPage(p)
	return p
}

// makeLoadedPage returns a page whose body and persisted copy are both
// known, as with a read-ahead offer.
func makeLoadedPage(c *Cache, blockID store.BlockID, buf []byte, tok store.Token) *Page {
	p := &Page{
		blockID:   blockID,
		blockSize: c.maxBlockSize,
		buf:       buf,
		token:     tok,
		refs:      1,
	}
	c.evicter.addPage(p)
	return p
}

// makeUnloadedPage returns a page with no body; the body is loaded from
// the store on first access. A nil token is resolved through the store's
// index at load time.
func makeUnloadedPage(c *Cache, blockID store.BlockID, tok store.Token) *Page {
	p := &Page{
		blockID:   blockID,
		blockSize: c.maxBlockSize,
		token:     tok,
		refs:      1,
	}
	c.evicter.addPage(p)
	return p
}

func (p *Page) isLoaded() bool {
	return p.buf != nil
}

func (p *Page) isLoading() bool {
	return p.loading
}

func (p *Page) isDiskBacked() bool {
	return p.token != store.NilToken
}

// isDeferredLoading: persisted, not resident, and no load in flight yet.
func (p *Page) isDeferredLoading() bool {
	return p.buf == nil && !p.loading
}

func (p *Page) hasWaiters() bool {
	return p.loadWaiters > 0
}

func (p *Page) addRef(c *Cache) {
	p.refs += 1
	c.evicter.changeToCorrectEvictionBag(p, p.buf != nil)
}

// addSnapRef and removeSnapRef are for snapshot holders; a page with
// snapshotters is never evicted.
func (p *Page) addSnapRef(c *Cache) {
	p.snapshotters += 1
	p.addRef(c)
}

func (p *Page) removeSnapRef(c *Cache) {
	if p.snapshotters <= 0 {
		panic("cache: page snapshotter count underflow")
	}
	p.snapshotters -= 1
	p.removeRef(c)
}

func (p *Page) removeRef(c *Cache) {
	if p.refs <= 0 {
		panic("cache: page reference count underflow")
	}
	p.refs -= 1
	if p.refs == 0 {
		c.evicter.removePage(p)
	} else {
		c.evicter.changeToCorrectEvictionBag(p, p.buf != nil)
	}
}

// dropBuf releases the body of a clean disk-backed page; the evicter is
// the only caller.
func (p *Page) dropBuf() {
	if p.token == store.NilToken {
		panic("cache: dropping the only copy of a block")
	}
	p.buf = nil
}

// load fetches the body from the store, resolving the token through the
// index if necessary. Called with the cache mutex held; the fetch runs on
// its own goroutine.
func (p *Page) load(c *Cache, acct *store.IOAccount) {
	if p.loading || p.buf != nil {
		return
	}
	p.loading = true
	p.loadSig = makeSignal()
	c.evicter.changeToCorrectEvictionBag(p, false)

	tok := p.token
	blockID := p.blockID
	c.drain.Add(1)
	go func() {
		defer c.drain.Done()
		if tok == store.NilToken {
			var err error
			tok, _, err = c.st.IndexRead(blockID)
			if err != nil {
				log.Fatalf("cache: index read of block %d failed: %s", blockID, err)
			}
		}
		buf, err := c.st.ReadBlock(tok, acct)
		if err != nil {
			log.Fatalf("cache: read of block %d failed: %s", blockID, err)
		}
		if len(buf) < p.blockSize {
			full := make([]byte, p.blockSize)
			copy(full, buf)
			buf = full
		}

		c.mu.Lock()
		p.token = tok
		p.buf = buf
		p.loading = false
		p.loadSig.pulse()
		p.loadSig = nil
		c.evicter.changeToCorrectEvictionBag(p, false)
		c.evicter.evictIfNecessary()
		c.mu.Unlock()
	}()
}

// bufForRead returns the body, loading it first if necessary. Called with
// the cache mutex held; may unlock while waiting on the load.
func (p *Page) bufForRead(c *Cache, ctx context.Context, acct *store.IOAccount) ([]byte, error) {
	for p.buf == nil {
		p.load(c, acct)
		sig := p.loadSig
		p.loadWaiters += 1
		c.evicter.changeToCorrectEvictionBag(p, false)
		c.mu.Unlock()
		err := sig.wait(ctx)
		c.mu.Lock()
		p.loadWaiters -= 1
		c.evicter.changeToCorrectEvictionBag(p, p.buf != nil)
		if err != nil {
			return nil, err
		}
	}
	return p.buf, nil
}
