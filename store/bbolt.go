package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	indexBucket = []byte("index")
	copyBucket  = []byte("copies")
)

type bboltStore struct {
	blockSize int
	db        *bbolt.DB
}

func MakeBBoltStore(dataDir string, blockSize int) (Store, error) {
	db, err := bbolt.Open(filepath.Join(dataDir, "pagecache.bbolt"), 0644, nil)
	if err != nil {
		return nil, err
	}
	// Dangerous, but about 100x faster.
	db.NoFreelistSync = true
	db.NoSync = true

	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(indexBucket)
			if err != nil {
				return err
			}
			_, err = tx.CreateBucketIfNotExists(copyBucket)
			return err
		})
	if err != nil {
		db.Close()
		return nil, err
	}

	return bboltStore{
		blockSize: blockSize,
		db:        db,
	}, nil
}

func (bst bboltStore) MaxBlockSize() int {
	return bst.blockSize
}

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket, error) {
	idx := tx.Bucket(indexBucket)
	cpy := tx.Bucket(copyBucket)
	if idx == nil || cpy == nil {
		return nil, nil, errors.New("bbolt: missing pagecache buckets")
	}
	return idx, cpy, nil
}

func (bst bboltStore) AllRecencies() (map[BlockID]Recency, error) {
	recencies := map[BlockID]Recency{}
	err := bst.db.View(
		func(tx *bbolt.Tx) error {
			idx, _, err := buckets(tx)
			if err != nil {
				return err
			}
			return idx.ForEach(
				func(key, val []byte) error {
					id, ok := parseIndexKey(key)
					if !ok {
						return fmt.Errorf("bbolt: bad index key: %v", key)
					}
					_, r, err := parseIndexVal(val)
					if err != nil {
						return err
					}
					if !id.IsAux() {
						recencies[id] = r
					}
					return nil
				})
		})
	if err != nil {
		return nil, err
	}
	return recencies, nil
}

func (bst bboltStore) WriteBlocks(infos []WriteInfo, acct *IOAccount) ([]Token, error) {
	err := checkWrites(infos, bst.blockSize)
	if err != nil {
		return nil, err
	}

	acct.enter()
	defer acct.exit()

	var tokens []Token
	err = bst.db.Update(
		func(tx *bbolt.Tx) error {
			_, cpy, err := buckets(tx)
			if err != nil {
				return err
			}
			tokens = make([]Token, 0, len(infos))
			for _, wi := range infos {
				seq, err := cpy.NextSequence()
				if err != nil {
					return err
				}
				tok := Token(seq)
				err = cpy.Put(copyKey(tok), wi.Buf)
				if err != nil {
					return err
				}
				tokens = append(tokens, tok)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (bst bboltStore) ReadBlock(tok Token, acct *IOAccount) ([]byte, error) {
	acct.enter()
	defer acct.exit()

	var buf []byte
	err := bst.db.View(
		func(tx *bbolt.Tx) error {
			_, cpy, err := buckets(tx)
			if err != nil {
				return err
			}
			val := cpy.Get(copyKey(tok))
			if val == nil {
				return ErrTokenNotFound
			}
			buf = append(make([]byte, 0, len(val)), val...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (bst bboltStore) IndexRead(id BlockID) (Token, Recency, error) {
	var tok Token
	var r Recency
	err := bst.db.View(
		func(tx *bbolt.Tx) error {
			idx, _, err := buckets(tx)
			if err != nil {
				return err
			}
			val := idx.Get(indexKey(id))
			if val == nil {
				return ErrBlockNotFound
			}
			tok, r, err = parseIndexVal(val)
			return err
		})
	if err != nil {
		return NilToken, RecencyInvalid, err
	}
	return tok, r, nil
}

func (bst bboltStore) WriteIndex(ops []IndexOp) error {
	return bst.db.Update(
		func(tx *bbolt.Tx) error {
			idx, cpy, err := buckets(tx)
			if err != nil {
				return err
			}
			for _, op := range ops {
				var oldTok Token
				var oldR Recency
				var exists bool
				old := idx.Get(indexKey(op.BlockID))
				if old != nil {
					oldTok, oldR, err = parseIndexVal(old)
					if err != nil {
						return err
					}
					exists = true
				}

				val, stale := applyIndexOp(op, oldTok, oldR, exists)
				if stale != NilToken {
					err = cpy.Delete(copyKey(stale))
					if err != nil {
						return err
					}
				}
				if val == nil {
					err = idx.Delete(indexKey(op.BlockID))
				} else {
					err = idx.Put(indexKey(op.BlockID), val)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (bst bboltStore) ReadAhead(fn ReadAheadFunc) {
	go func() {
		bst.db.View(
			func(tx *bbolt.Tx) error {
				idx, cpy, err := buckets(tx)
				if err != nil {
					return err
				}
				return idx.ForEach(
					func(key, val []byte) error {
						id, ok := parseIndexKey(key)
						if !ok {
							return nil
						}
						tok, _, err := parseIndexVal(val)
						if err != nil || tok == NilToken {
							return nil
						}
						buf := cpy.Get(copyKey(tok))
						if buf == nil {
							return nil
						}
						if !fn(id, append(make([]byte, 0, len(buf)), buf...), tok) {
							return errors.New("done")
						}
						return nil
					})
			})
	}()
}

func (bst bboltStore) Close() error {
	return bst.db.Close()
}
