package store

import (
	"github.com/dgraph-io/ristretto/v2"
)

type cachedStore struct {
	Store
	cache *ristretto.Cache[uint64, []byte]
}

// MakeCachedStore wraps a store with a read cache keyed by token: reads
// of recently written or recently read copies skip the backend. Tokens
// identify immutable copies and are never reused, so a hit can never be
// stale; WriteIndex drops the entries of the copies it supercedes.
func MakeCachedStore(st Store, maxBytes int64) (Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: (maxBytes / int64(st.MaxBlockSize())) * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &cachedStore{
		Store: st,
		cache: cache,
	}, nil
}

func (cst *cachedStore) WriteBlocks(infos []WriteInfo, acct *IOAccount) ([]Token, error) {
	tokens, err := cst.Store.WriteBlocks(infos, acct)
	if err != nil {
		return nil, err
	}
	for i, wi := range infos {
		buf := append(make([]byte, 0, len(wi.Buf)), wi.Buf...)
		cst.cache.Set(uint64(tokens[i]), buf, int64(len(buf)))
	}
	return tokens, nil
}

func (cst *cachedStore) ReadBlock(tok Token, acct *IOAccount) ([]byte, error) {
	if buf, ok := cst.cache.Get(uint64(tok)); ok {
		return append(make([]byte, 0, len(buf)), buf...), nil
	}

	buf, err := cst.Store.ReadBlock(tok, acct)
	if err != nil {
		return nil, err
	}
	cst.cache.Set(uint64(tok), buf, int64(len(buf)))
	return append(make([]byte, 0, len(buf)), buf...), nil
}

func (cst *cachedStore) WriteIndex(ops []IndexOp) error {
	var stale []Token
	for _, op := range ops {
		tok, _, err := cst.Store.IndexRead(op.BlockID)
		if err == nil && tok != op.Token && (op.Token != NilToken || op.Recency == RecencyInvalid) {
			stale = append(stale, tok)
		}
	}
	err := cst.Store.WriteIndex(ops)
	for _, tok := range stale {
		cst.cache.Del(uint64(tok))
	}
	return err
}

func (cst *cachedStore) Close() error {
	cst.cache.Close()
	return cst.Store.Close()
}
