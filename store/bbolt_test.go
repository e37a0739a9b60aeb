package store_test

import (
	"testing"

	"github.com/leftmike/pagecache/store"
	"github.com/leftmike/pagecache/store/test"
	"github.com/leftmike/pagecache/testutil"
)

func TestBBoltStore(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.MakeBBoltStore("testdata", 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	test.RunStoreTests(t, st)
}
