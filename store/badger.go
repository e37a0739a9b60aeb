package store

import (
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

type badgerStore struct {
	blockSize int
	mutex     sync.Mutex
	db        *badger.DB
	seq       *badger.Sequence
}

func MakeBadgerStore(dataDir string, blockSize int, logger *log.Logger) (Store, error) {
	os.MkdirAll(dataDir, 0755)

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithBypassLockGuard(true)
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(false)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("token-seq"), 128)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &badgerStore{
		blockSize: blockSize,
		db:        db,
		seq:       seq,
	}, nil
}

func (bst *badgerStore) MaxBlockSize() int {
	return bst.blockSize
}

func (bst *badgerStore) nextToken() (Token, error) {
	for {
		n, err := bst.seq.Next()
		if err != nil {
			return NilToken, err
		}
		// The sequence starts at zero, which is NilToken.
		if Token(n) != NilToken {
			return Token(n), nil
		}
	}
}

func (bst *badgerStore) AllRecencies() (map[BlockID]Recency, error) {
	recencies := map[BlockID]Recency{}
	err := bst.db.View(
		func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{indexKeyPrefix}
			it := tx.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				id, ok := parseIndexKey(item.Key())
				if !ok {
					continue
				}
				err := item.Value(
					func(val []byte) error {
						_, r, err := parseIndexVal(val)
						if err != nil {
							return err
						}
						if !id.IsAux() {
							recencies[id] = r
						}
						return nil
					})
				if err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return recencies, nil
}

func (bst *badgerStore) WriteBlocks(infos []WriteInfo, acct *IOAccount) ([]Token, error) {
	err := checkWrites(infos, bst.blockSize)
	if err != nil {
		return nil, err
	}

	acct.enter()
	defer acct.exit()

	bst.mutex.Lock()
	defer bst.mutex.Unlock()

	tx := bst.db.NewTransaction(true)
	defer tx.Discard()

	tokens := make([]Token, 0, len(infos))
	for _, wi := range infos {
		tok, err := bst.nextToken()
		if err != nil {
			return nil, err
		}
		err = tx.Set(copyKey(tok), wi.Buf)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (bst *badgerStore) ReadBlock(tok Token, acct *IOAccount) ([]byte, error) {
	acct.enter()
	defer acct.exit()

	var buf []byte
	err := bst.db.View(
		func(tx *badger.Txn) error {
			item, err := tx.Get(copyKey(tok))
			if err == badger.ErrKeyNotFound {
				return ErrTokenNotFound
			} else if err != nil {
				return err
			}
			return item.Value(
				func(val []byte) error {
					buf = append(make([]byte, 0, len(val)), val...)
					return nil
				})
		})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (bst *badgerStore) IndexRead(id BlockID) (Token, Recency, error) {
	var tok Token
	var r Recency
	err := bst.db.View(
		func(tx *badger.Txn) error {
			item, err := tx.Get(indexKey(id))
			if err == badger.ErrKeyNotFound {
				return ErrBlockNotFound
			} else if err != nil {
				return err
			}
			return item.Value(
				func(val []byte) error {
					var err error
					tok, r, err = parseIndexVal(val)
					return err
				})
		})
	if err != nil {
		return NilToken, RecencyInvalid, err
	}
	return tok, r, nil
}

func (bst *badgerStore) WriteIndex(ops []IndexOp) error {
	bst.mutex.Lock()
	defer bst.mutex.Unlock()

	tx := bst.db.NewTransaction(true)
	defer tx.Discard()

	for _, op := range ops {
		var oldTok Token
		var oldR Recency
		var exists bool
		item, err := tx.Get(indexKey(op.BlockID))
		if err == nil {
			err = item.Value(
				func(val []byte) error {
					var err error
					oldTok, oldR, err = parseIndexVal(val)
					return err
				})
			if err != nil {
				return err
			}
			exists = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		val, stale := applyIndexOp(op, oldTok, oldR, exists)
		if stale != NilToken {
			err = tx.Delete(copyKey(stale))
			if err != nil {
				return err
			}
		}
		if val == nil {
			err = tx.Delete(indexKey(op.BlockID))
		} else {
			err = tx.Set(indexKey(op.BlockID), val)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (bst *badgerStore) ReadAhead(fn ReadAheadFunc) {
	go func() {
		bst.db.View(
			func(tx *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.Prefix = []byte{indexKeyPrefix}
				it := tx.NewIterator(opts)
				defer it.Close()

				for it.Rewind(); it.Valid(); it.Next() {
					item := it.Item()
					id, ok := parseIndexKey(item.Key())
					if !ok {
						continue
					}
					var tok Token
					err := item.Value(
						func(val []byte) error {
							var err error
							tok, _, err = parseIndexVal(val)
							return err
						})
					if err != nil || tok == NilToken {
						continue
					}
					buf, err := bst.ReadBlock(tok, nil)
					if err != nil {
						continue
					}
					if !fn(id, buf, tok) {
						break
					}
				}
				return nil
			})
	}()
}

func (bst *badgerStore) Close() error {
	bst.seq.Release()
	return bst.db.Close()
}
