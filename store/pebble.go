package store

import (
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

type pebbleStore struct {
	blockSize int
	mutex     sync.Mutex
	db        *pebble.DB
	lastToken Token
}

func MakePebbleStore(dataDir string, blockSize int, logger *log.Logger) (Store, error) {
	os.MkdirAll(dataDir, 0755)

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	pst := &pebbleStore{
		blockSize: blockSize,
		db:        db,
	}

	// Recover the token counter from the newest persisted copy.
	it := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{copyKeyPrefix},
		UpperBound: []byte{copyKeyPrefix + 1},
	})
	if it.Last() {
		tok, ok := parseCopyKey(it.Key())
		if ok {
			pst.lastToken = tok
		}
	}
	err = it.Close()
	if err != nil {
		db.Close()
		return nil, err
	}

	return pst, nil
}

func (pst *pebbleStore) MaxBlockSize() int {
	return pst.blockSize
}

func (pst *pebbleStore) AllRecencies() (map[BlockID]Recency, error) {
	snap := pst.db.NewSnapshot()
	defer snap.Close()

	it := snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte{indexKeyPrefix},
		UpperBound: []byte{indexKeyPrefix + 1},
	})
	defer it.Close()

	recencies := map[BlockID]Recency{}
	for it.First(); it.Valid(); it.Next() {
		id, ok := parseIndexKey(it.Key())
		if !ok {
			continue
		}
		_, r, err := parseIndexVal(it.Value())
		if err != nil {
			return nil, err
		}
		if !id.IsAux() {
			recencies[id] = r
		}
	}
	return recencies, nil
}

func (pst *pebbleStore) WriteBlocks(infos []WriteInfo, acct *IOAccount) ([]Token, error) {
	err := checkWrites(infos, pst.blockSize)
	if err != nil {
		return nil, err
	}

	acct.enter()
	defer acct.exit()

	pst.mutex.Lock()
	defer pst.mutex.Unlock()

	batch := pst.db.NewBatch()
	tokens := make([]Token, 0, len(infos))
	for _, wi := range infos {
		pst.lastToken += 1
		tok := pst.lastToken
		err = batch.Set(copyKey(tok), wi.Buf, nil)
		if err != nil {
			batch.Close()
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	err = batch.Commit(pebble.NoSync)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (pst *pebbleStore) ReadBlock(tok Token, acct *IOAccount) ([]byte, error) {
	acct.enter()
	defer acct.exit()

	val, closer, err := pst.db.Get(copyKey(tok))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	defer closer.Close()

	return append(make([]byte, 0, len(val)), val...), nil
}

func (pst *pebbleStore) IndexRead(id BlockID) (Token, Recency, error) {
	val, closer, err := pst.db.Get(indexKey(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return NilToken, RecencyInvalid, ErrBlockNotFound
		}
		return NilToken, RecencyInvalid, err
	}
	defer closer.Close()

	return parseIndexVal(val)
}

func (pst *pebbleStore) WriteIndex(ops []IndexOp) error {
	pst.mutex.Lock()
	defer pst.mutex.Unlock()

	batch := pst.db.NewIndexedBatch()
	for _, op := range ops {
		var oldTok Token
		var oldR Recency
		var exists bool
		old, closer, err := batch.Get(indexKey(op.BlockID))
		if err == nil {
			oldTok, oldR, err = parseIndexVal(old)
			closer.Close()
			if err != nil {
				batch.Close()
				return err
			}
			exists = true
		} else if err != pebble.ErrNotFound {
			batch.Close()
			return err
		}

		val, stale := applyIndexOp(op, oldTok, oldR, exists)
		if stale != NilToken {
			err = batch.Delete(copyKey(stale), nil)
			if err != nil {
				batch.Close()
				return err
			}
		}
		if val == nil {
			err = batch.Delete(indexKey(op.BlockID), nil)
		} else {
			err = batch.Set(indexKey(op.BlockID), val, nil)
		}
		if err != nil {
			batch.Close()
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

func (pst *pebbleStore) ReadAhead(fn ReadAheadFunc) {
	snap := pst.db.NewSnapshot()

	go func() {
		defer snap.Close()

		it := snap.NewIter(&pebble.IterOptions{
			LowerBound: []byte{indexKeyPrefix},
			UpperBound: []byte{indexKeyPrefix + 1},
		})
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			id, ok := parseIndexKey(it.Key())
			if !ok {
				continue
			}
			tok, _, err := parseIndexVal(it.Value())
			if err != nil || tok == NilToken {
				continue
			}
			buf, closer, err := snap.Get(copyKey(tok))
			if err != nil {
				continue
			}
			buf = append(make([]byte, 0, len(buf)), buf...)
			closer.Close()
			if !fn(id, buf, tok) {
				break
			}
		}
	}()
}

func (pst *pebbleStore) Close() error {
	return pst.db.Close()
}
