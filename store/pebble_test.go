package store_test

import (
	"path/filepath"
	"testing"

	"github.com/leftmike/pagecache/store"
	"github.com/leftmike/pagecache/store/test"
	"github.com/leftmike/pagecache/testutil"
)

func TestPebbleStore(t *testing.T) {
	dataDir := filepath.Join("testdata", "pebble_store")
	err := testutil.CleanDir(dataDir, []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.MakePebbleStore(dataDir, 4096,
		testutil.SetupLogger(filepath.Join("testdata", "pebble_store.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	test.RunStoreTests(t, st)
}
