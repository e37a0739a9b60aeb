package cache

import (
	"fmt"

	"github.com/leftmike/pagecache/store"
)

// freeList hands out block ids, recycling released ones. Normal and aux
// ids come from separate pools. Guarded by the cache mutex.
type freeList struct {
	nextID    store.BlockID
	nextAuxID store.BlockID
	free      []store.BlockID
	freeAux   []store.BlockID
}

func makeFreeList(recencies map[store.BlockID]store.Recency) *freeList {
	fl := &freeList{
		nextAuxID: store.FirstAuxBlockID,
	}

	var maxID store.BlockID
	used := map[store.BlockID]struct{}{}
	for id := range recencies {
		used[id] = struct{}{}
		if id >= maxID {
			maxID = id + 1
		}
	}
	fl.nextID = maxID
	for id := store.BlockID(0); id < maxID; id++ {
		if _, ok := used[id]; !ok {
			fl.free = append(fl.free, id)
		}
	}
	return fl
}

func (fl *freeList) acquireBlockID() store.BlockID {
	if len(fl.free) > 0 {
		id := fl.free[len(fl.free)-1]
		fl.free = fl.free[:len(fl.free)-1]
		return id
	}
	id := fl.nextID
	fl.nextID += 1
	return id
}

func (fl *freeList) acquireAuxBlockID() store.BlockID {
	if len(fl.freeAux) > 0 {
		id := fl.freeAux[len(fl.freeAux)-1]
		fl.freeAux = fl.freeAux[:len(fl.freeAux)-1]
		return id
	}
	id := fl.nextAuxID
	fl.nextAuxID += 1
	return id
}

func removeID(free []store.BlockID, id store.BlockID) ([]store.BlockID, bool) {
	for i, fid := range free {
		if fid == id {
			free[i] = free[len(free)-1]
			return free[:len(free)-1], true
		}
	}
	return free, false
}

// acquireChosenBlockID reserves a caller-named id; the id must not be in
// use.
func (fl *freeList) acquireChosenBlockID(id store.BlockID) {
	if id.IsAux() {
		if id >= fl.nextAuxID {
			for aid := fl.nextAuxID; aid < id; aid++ {
				fl.freeAux = append(fl.freeAux, aid)
			}
			fl.nextAuxID = id + 1
			return
		}
		var ok bool
		fl.freeAux, ok = removeID(fl.freeAux, id)
		if !ok {
			panic(fmt.Sprintf("cache: aux block id %d is not free", id))
		}
		return
	}

	if id >= fl.nextID {
		for nid := fl.nextID; nid < id; nid++ {
			fl.free = append(fl.free, nid)
		}
		fl.nextID = id + 1
		return
	}
	var ok bool
	fl.free, ok = removeID(fl.free, id)
	if !ok {
		panic(fmt.Sprintf("cache: block id %d is not free", id))
	}
}

func (fl *freeList) releaseBlockID(id store.BlockID) {
	if id.IsAux() {
		fl.freeAux = append(fl.freeAux, id)
	} else {
		fl.free = append(fl.free, id)
	}
}
