package cache

import (
	"testing"

	"github.com/leftmike/pagecache/store"
)

func TestFreeList(t *testing.T) {
	fl := makeFreeList(map[store.BlockID]store.Recency{
		0: 5,
		2: 7,
	})

	// Block 1 is a hole between existing blocks.
	if id := fl.acquireBlockID(); id != 1 {
		t.Errorf("acquireBlockID() got %d want 1", id)
	}
	if id := fl.acquireBlockID(); id != 3 {
		t.Errorf("acquireBlockID() got %d want 3", id)
	}

	fl.releaseBlockID(1)
	if id := fl.acquireBlockID(); id != 1 {
		t.Errorf("acquireBlockID() got %d want 1", id)
	}

	// Choosing an id beyond the frontier frees the ids it skips.
	fl.acquireChosenBlockID(6)
	if id := fl.acquireBlockID(); id != 5 {
		t.Errorf("acquireBlockID() got %d want 5", id)
	}
	if id := fl.acquireBlockID(); id != 4 {
		t.Errorf("acquireBlockID() got %d want 4", id)
	}
	if id := fl.acquireBlockID(); id != 7 {
		t.Errorf("acquireBlockID() got %d want 7", id)
	}

	// Choosing a released id takes it off the free list.
	fl.releaseBlockID(4)
	fl.acquireChosenBlockID(4)
	if id := fl.acquireBlockID(); id != 8 {
		t.Errorf("acquireBlockID() got %d want 8", id)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("acquireChosenBlockID(4) did not panic")
			}
		}()
		fl.acquireChosenBlockID(4)
	}()

	if id := fl.acquireAuxBlockID(); id != store.FirstAuxBlockID {
		t.Errorf("acquireAuxBlockID() got %d want %d", id, store.FirstAuxBlockID)
	}
	aux := fl.acquireAuxBlockID()
	if !aux.IsAux() {
		t.Errorf("acquireAuxBlockID() got %d want an aux id", aux)
	}
	fl.releaseBlockID(aux)
	if id := fl.acquireAuxBlockID(); id != aux {
		t.Errorf("acquireAuxBlockID() got %d want %d", id, aux)
	}
}
