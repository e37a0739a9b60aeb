package store_test

import (
	"testing"

	"github.com/leftmike/pagecache/store"
	"github.com/leftmike/pagecache/store/test"
)

func TestBTreeStore(t *testing.T) {
	st, err := store.MakeBTreeStore(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	test.RunStoreTests(t, st)
}

func TestCachedBTreeStore(t *testing.T) {
	st, err := store.MakeBTreeStore(4096)
	if err != nil {
		t.Fatal(err)
	}
	cst, err := store.MakeCachedStore(st, 64*1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer cst.Close()

	test.RunStoreTests(t, cst)
}
