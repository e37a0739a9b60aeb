package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/pagecache/cache"
	"github.com/leftmike/pagecache/flags"
	"github.com/leftmike/pagecache/store"
)

var (
	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run a write and read workload through a cache",
		RunE:  benchRun,
	}

	storeBackend = "btree"
	dataDir      = "testdata"
	blockSize    = 4096
	blockCount   = 1024
	txnCount     = 4096
	memoryLimit  = uint64(64 * 1024 * 1024)
	storeCacheMB = 64
	hard         = false
)

func init() {
	fs := benchCmd.Flags()

	fs.StringVar(&storeBackend, "store", storeBackend,
		"block store backend: btree, bbolt, badger, or pebble")
	cfgVars["store"] = fs.Lookup("store")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the block store")
	cfgVars["data"] = fs.Lookup("data")

	fs.IntVar(&blockSize, "block-size", blockSize, "block size in bytes")
	fs.IntVar(&blockCount, "blocks", blockCount, "number of blocks to use")
	fs.IntVar(&txnCount, "txns", txnCount, "number of write transactions")
	fs.Uint64Var(&memoryLimit, "cache-mem", memoryLimit, "cache memory limit in bytes")
	fs.IntVar(&storeCacheMB, "store-cache-mb", storeCacheMB,
		"store read cache size in megabytes")
	fs.BoolVar(&hard, "hard", hard, "use hard durability for every transaction")

	pagecacheCmd.AddCommand(benchCmd)
}

func makeStore() (store.Store, error) {
	var st store.Store
	var err error
	switch storeBackend {
	case "btree":
		st, err = store.MakeBTreeStore(blockSize)
	case "bbolt":
		st, err = store.MakeBBoltStore(dataDir, blockSize)
	case "badger":
		st, err = store.MakeBadgerStore(dataDir, blockSize, log.StandardLogger())
	case "pebble":
		st, err = store.MakePebbleStore(dataDir, blockSize, log.StandardLogger())
	default:
		return nil, fmt.Errorf("pagecache: unknown store backend: %s", storeBackend)
	}
	if err != nil {
		return nil, err
	}

	if flgs.GetFlag(flags.StoreCache) {
		st, err = store.MakeCachedStore(st, int64(storeCacheMB)*1024*1024)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func benchRun(cmd *cobra.Command, args []string) error {
	st, err := makeStore()
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := cache.New(st, cache.FixedBalancer(memoryLimit, flgs.GetFlag(flags.ReadAhead)))
	if err != nil {
		return err
	}
	c.StopReadAhead()

	durability := cache.SoftDurability
	if hard {
		durability = cache.HardDurability
	}

	ctx := context.Background()
	conn := c.NewConn()

	start := time.Now()
	for i := 0; i < txnCount; i++ {
		txn := conn.Begin(durability, 1)

		blockID := store.BlockID(i % blockCount)
		var acq *cache.Acq
		if i < blockCount {
			acq = cache.NewAcq(txn, blockID, cache.WriteAccess, true)
		} else {
			acq = cache.NewAcq(txn, blockID, cache.WriteAccess, false)
		}

		buf, err := acq.BlockForWrite(ctx, nil)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf, uint64(i))
		err = acq.SetRecency(ctx, store.Recency(i+1))
		if err != nil {
			return err
		}
		acq.Release()

		err = txn.Commit(ctx)
		if err != nil {
			return err
		}
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	for i := 0; i < blockCount; i++ {
		txn := c.BeginRead()
		acq := cache.NewAcq(txn, store.BlockID(i), cache.ReadAccess, false)
		_, err := acq.BlockForRead(ctx, nil)
		if err != nil {
			return err
		}
		acq.Release()
		txn.End()
	}
	readElapsed := time.Since(start)

	err = c.Close()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"store":  storeBackend,
		"txns":   txnCount,
		"blocks": blockCount,
		"write":  writeElapsed,
		"read":   readElapsed,
	}).Info("bench complete")
	fmt.Printf("%d txns over %d blocks: write %s, read %s\n",
		txnCount, blockCount, writeElapsed, readElapsed)
	return nil
}
