package store

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type btreeStore struct {
	blockSize   int
	treeMutex   sync.Mutex
	updateMutex sync.Mutex
	tree        *btree.BTree
	lastToken   Token
}

type btreeItem struct {
	key []byte
	val []byte
}

func (bi btreeItem) Less(item btree.Item) bool {
	bi2 := item.(btreeItem)
	return bytes.Compare(bi.key, bi2.key) < 0
}

// MakeBTreeStore returns an in-memory store; useful for tests and for
// benchmarking the cache without disk in the way.
func MakeBTreeStore(blockSize int) (Store, error) {
	return &btreeStore{
		blockSize: blockSize,
		tree:      btree.New(16),
	}, nil
}

func (bst *btreeStore) MaxBlockSize() int {
	return bst.blockSize
}

func (bst *btreeStore) clone() *btree.BTree {
	bst.treeMutex.Lock()
	tree := bst.tree.Clone()
	bst.treeMutex.Unlock()
	return tree
}

func (bst *btreeStore) swap(tree *btree.BTree) {
	bst.treeMutex.Lock()
	bst.tree = tree
	bst.treeMutex.Unlock()
}

func (bst *btreeStore) AllRecencies() (map[BlockID]Recency, error) {
	tree := bst.clone()

	recencies := map[BlockID]Recency{}
	var err error
	tree.AscendGreaterOrEqual(btreeItem{key: []byte{indexKeyPrefix}},
		func(item btree.Item) bool {
			bi := item.(btreeItem)
			id, ok := parseIndexKey(bi.key)
			if !ok {
				return false
			}
			var r Recency
			_, r, err = parseIndexVal(bi.val)
			if err != nil {
				return false
			}
			if !id.IsAux() {
				recencies[id] = r
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	return recencies, nil
}

func (bst *btreeStore) WriteBlocks(infos []WriteInfo, acct *IOAccount) ([]Token, error) {
	err := checkWrites(infos, bst.blockSize)
	if err != nil {
		return nil, err
	}

	acct.enter()
	defer acct.exit()

	bst.updateMutex.Lock()
	defer bst.updateMutex.Unlock()

	tree := bst.clone()
	tokens := make([]Token, 0, len(infos))
	for _, wi := range infos {
		bst.lastToken += 1
		tok := bst.lastToken
		buf := append(make([]byte, 0, len(wi.Buf)), wi.Buf...)
		tree.ReplaceOrInsert(btreeItem{key: copyKey(tok), val: buf})
		tokens = append(tokens, tok)
	}
	bst.swap(tree)
	return tokens, nil
}

func (bst *btreeStore) ReadBlock(tok Token, acct *IOAccount) ([]byte, error) {
	acct.enter()
	defer acct.exit()

	tree := bst.clone()
	item := tree.Get(btreeItem{key: copyKey(tok)})
	if item == nil {
		return nil, ErrTokenNotFound
	}
	val := item.(btreeItem).val
	return append(make([]byte, 0, len(val)), val...), nil
}

func (bst *btreeStore) IndexRead(id BlockID) (Token, Recency, error) {
	tree := bst.clone()
	item := tree.Get(btreeItem{key: indexKey(id)})
	if item == nil {
		return NilToken, RecencyInvalid, ErrBlockNotFound
	}
	return parseIndexVal(item.(btreeItem).val)
}

func (bst *btreeStore) WriteIndex(ops []IndexOp) error {
	bst.updateMutex.Lock()
	defer bst.updateMutex.Unlock()

	tree := bst.clone()
	for _, op := range ops {
		var oldTok Token
		var oldR Recency
		var exists bool
		item := tree.Get(btreeItem{key: indexKey(op.BlockID)})
		if item != nil {
			var err error
			oldTok, oldR, err = parseIndexVal(item.(btreeItem).val)
			if err != nil {
				return err
			}
			exists = true
		}

		val, stale := applyIndexOp(op, oldTok, oldR, exists)
		if stale != NilToken {
			tree.Delete(btreeItem{key: copyKey(stale)})
		}
		if val == nil {
			tree.Delete(btreeItem{key: indexKey(op.BlockID)})
		} else {
			tree.ReplaceOrInsert(btreeItem{key: indexKey(op.BlockID), val: val})
		}
	}
	bst.swap(tree)
	return nil
}

func (bst *btreeStore) ReadAhead(fn ReadAheadFunc) {
	tree := bst.clone()

	go func() {
		tree.AscendGreaterOrEqual(btreeItem{key: []byte{indexKeyPrefix}},
			func(item btree.Item) bool {
				bi := item.(btreeItem)
				id, ok := parseIndexKey(bi.key)
				if !ok {
					return false
				}
				tok, _, err := parseIndexVal(bi.val)
				if err != nil || tok == NilToken {
					return true
				}
				copyItem := tree.Get(btreeItem{key: copyKey(tok)})
				if copyItem == nil {
					return true
				}
				val := copyItem.(btreeItem).val
				return fn(id, append(make([]byte, 0, len(val)), val...), tok)
			})
	}()
}

func (bst *btreeStore) Close() error {
	return nil
}
