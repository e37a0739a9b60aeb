package cache

import (
	"testing"
	"time"
)

func TestSemaphore(t *testing.T) {
	sem := makeSemaphore(2)

	// An oversized request is admitted once nothing is outstanding.
	sem.acquire(3)

	acquired := make(chan struct{})
	go func() {
		sem.acquire(1)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire(1) did not wait")
	case <-time.After(100 * time.Millisecond):
	}

	sem.release(3)
	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatal("acquire(1) still waiting after release")
	}
	sem.release(1)
}

func TestSemaphoreCapacity(t *testing.T) {
	sem := makeSemaphore(1)
	sem.acquire(1)

	acquired := make(chan struct{})
	go func() {
		sem.acquire(1)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire(1) did not wait")
	case <-time.After(100 * time.Millisecond):
	}

	// Raising the capacity admits the waiter.
	sem.setCapacity(2)
	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatal("acquire(1) still waiting after capacity change")
	}
	sem.release(2)
}

func TestThrottlerLimits(t *testing.T) {
	th := MakeThrottler()

	cases := []struct {
		memoryLimit  uint64
		maxBlockSize int
		capacity     int64
	}{
		{memoryLimit: 4 * 4096, maxBlockSize: 4096, capacity: 2},
		{memoryLimit: 0, maxBlockSize: 4096, capacity: minimumUnwrittenChangesLimit},
		{memoryLimit: 1 << 40, maxBlockSize: 4096, capacity: softUnwrittenChangesLimit},
	}

	for _, c := range cases {
		th.InformMemoryLimitChange(c.memoryLimit, c.maxBlockSize)
		if th.blockChanges.capacity != c.capacity {
			t.Errorf("InformMemoryLimitChange(%d, %d) got capacity %d want %d",
				c.memoryLimit, c.maxBlockSize, th.blockChanges.capacity, c.capacity)
		}
		if th.indexChanges.capacity != c.capacity*indexChangesLimitFactor {
			t.Errorf("InformMemoryLimitChange(%d, %d) got index capacity %d want %d",
				c.memoryLimit, c.maxBlockSize, th.indexChanges.capacity,
				c.capacity*indexChangesLimitFactor)
		}
	}
}

func TestThrottlerAcq(t *testing.T) {
	th := MakeThrottler()
	th.InformMemoryLimitChange(16*4096, 4096) // capacity 8

	acq := th.beginTxnOrThrottle(2)
	if acq.blockCount != 2 || acq.indexCount != 2 {
		t.Errorf("beginTxnOrThrottle(2) got %d, %d want 2, 2",
			acq.blockCount, acq.indexCount)
	}

	// Before pre-spawn-flush, the permit does not grow.
	acq.updateDirtyPageCount(5)
	if acq.blockCount != 2 {
		t.Errorf("updateDirtyPageCount(5) got %d want 2", acq.blockCount)
	}

	acq.setPreSpawnFlush(5)
	if acq.blockCount != 5 || acq.indexCount != 5 {
		t.Errorf("setPreSpawnFlush(5) got %d, %d want 5, 5",
			acq.blockCount, acq.indexCount)
	}

	// Shrinking is not a thing; permits are returned by the flush.
	acq.updateDirtyPageCount(3)
	if acq.blockCount != 5 {
		t.Errorf("updateDirtyPageCount(3) got %d want 5", acq.blockCount)
	}

	acq.markDirtyPagesWritten()
	if acq.blockCount != 0 {
		t.Errorf("markDirtyPagesWritten() got %d want 0", acq.blockCount)
	}
	if acq.indexCount != 5 {
		t.Errorf("markDirtyPagesWritten() got index count %d want 5", acq.indexCount)
	}
	if th.blockChanges.count != 0 {
		t.Errorf("block changes count got %d want 0", th.blockChanges.count)
	}
	if th.indexChanges.count != 5 {
		t.Errorf("index changes count got %d want 5", th.indexChanges.count)
	}

	th.endTxn(&acq)
	if th.indexChanges.count != 0 {
		t.Errorf("endTxn() left index changes count %d want 0", th.indexChanges.count)
	}
}
