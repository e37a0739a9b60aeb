package test

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/diff"

	"github.com/leftmike/pagecache/store"
)

func dumpRecencies(t *testing.T, st store.Store) string {
	t.Helper()

	recencies, err := st.AllRecencies()
	if err != nil {
		t.Fatalf("AllRecencies() failed with %s", err)
	}

	ids := make([]store.BlockID, 0, len(recencies))
	for id := range recencies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&buf, "%d=%d\n", id, recencies[id])
	}
	return buf.String()
}

func writeBlocks(t *testing.T, st store.Store, infos []store.WriteInfo) []store.Token {
	t.Helper()

	tokens, err := st.WriteBlocks(infos, nil)
	if err != nil {
		t.Fatalf("WriteBlocks() failed with %s", err)
	}
	if len(tokens) != len(infos) {
		t.Fatalf("WriteBlocks() got %d tokens want %d", len(tokens), len(infos))
	}
	for i, tok := range tokens {
		if tok == store.NilToken {
			t.Errorf("WriteBlocks() token %d is nil", i)
		}
	}
	return tokens
}

func writeIndex(t *testing.T, st store.Store, ops []store.IndexOp) {
	t.Helper()

	err := st.WriteIndex(ops)
	if err != nil {
		t.Fatalf("WriteIndex() failed with %s", err)
	}
}

func readBlock(t *testing.T, st store.Store, tok store.Token, want []byte) {
	t.Helper()

	buf, err := st.ReadBlock(tok, nil)
	if err != nil {
		t.Fatalf("ReadBlock(%d) failed with %s", tok, err)
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("ReadBlock(%d) got %v want %v", tok, buf, want)
	}
}

func RunBlockTest(t *testing.T, st store.Store) {
	tokens := writeBlocks(t, st,
		[]store.WriteInfo{
			{BlockID: 1, Buf: []byte("first")},
			{BlockID: 2, Buf: []byte("second")},
		})
	if tokens[1] <= tokens[0] {
		t.Errorf("WriteBlocks() tokens not increasing: %d then %d", tokens[0], tokens[1])
	}

	readBlock(t, st, tokens[0], []byte("first"))
	readBlock(t, st, tokens[1], []byte("second"))

	writeIndex(t, st,
		[]store.IndexOp{
			{BlockID: 1, Token: tokens[0], Recency: 10},
			{BlockID: 2, Token: tokens[1], Recency: 20},
		})

	got := dumpRecencies(t, st)
	want := "1=10\n2=20\n"
	if got != want {
		t.Errorf("recencies differ:\n%s", diff.LineDiff(want, got))
	}

	// Replacing block 1 deletes the superceded copy.
	tokens2 := writeBlocks(t, st, []store.WriteInfo{{BlockID: 1, Buf: []byte("third")}})
	writeIndex(t, st, []store.IndexOp{{BlockID: 1, Token: tokens2[0], Recency: 11}})

	readBlock(t, st, tokens2[0], []byte("third"))
	_, err := st.ReadBlock(tokens[0], nil)
	if err != store.ErrTokenNotFound {
		t.Errorf("ReadBlock(%d) got %v want %v", tokens[0], err, store.ErrTokenNotFound)
	}

	tok, r, err := st.IndexRead(1)
	if err != nil {
		t.Fatalf("IndexRead(1) failed with %s", err)
	}
	if tok != tokens2[0] || r != 11 {
		t.Errorf("IndexRead(1) got %d, %d want %d, 11", tok, r, tokens2[0])
	}
	_, _, err = st.IndexRead(99)
	if err != store.ErrBlockNotFound {
		t.Errorf("IndexRead(99) got %v want %v", err, store.ErrBlockNotFound)
	}

	// A touch updates the recency and leaves the copy alone.
	writeIndex(t, st, []store.IndexOp{{BlockID: 2, Token: store.NilToken, Recency: 25}})
	readBlock(t, st, tokens[1], []byte("second"))

	got = dumpRecencies(t, st)
	want = "1=11\n2=25\n"
	if got != want {
		t.Errorf("recencies differ:\n%s", diff.LineDiff(want, got))
	}

	// Deletion removes the entry and the copy.
	writeIndex(t, st,
		[]store.IndexOp{{BlockID: 1, Token: store.NilToken, Recency: store.RecencyInvalid}})
	got = dumpRecencies(t, st)
	want = "2=25\n"
	if got != want {
		t.Errorf("recencies differ:\n%s", diff.LineDiff(want, got))
	}
	_, err = st.ReadBlock(tokens2[0], nil)
	if err != store.ErrTokenNotFound {
		t.Errorf("ReadBlock(%d) got %v want %v", tokens2[0], err, store.ErrTokenNotFound)
	}
}

func RunAuxBlockTest(t *testing.T, st store.Store) {
	aux := store.FirstAuxBlockID + 7
	tokens := writeBlocks(t, st, []store.WriteInfo{{BlockID: aux, Buf: []byte("aux")}})
	writeIndex(t, st,
		[]store.IndexOp{{BlockID: aux, Token: tokens[0], Recency: store.DistantPast}})

	readBlock(t, st, tokens[0], []byte("aux"))

	recencies, err := st.AllRecencies()
	if err != nil {
		t.Fatalf("AllRecencies() failed with %s", err)
	}
	if _, ok := recencies[aux]; ok {
		t.Errorf("AllRecencies() included aux block %d", aux)
	}
}

func RunBlockSizeTest(t *testing.T, st store.Store) {
	buf := make([]byte, st.MaxBlockSize()+1)
	_, err := st.WriteBlocks([]store.WriteInfo{{BlockID: 1, Buf: buf}}, nil)
	if err != store.ErrBlockTooBig {
		t.Errorf("WriteBlocks() got %v want %v", err, store.ErrBlockTooBig)
	}
}

type offer struct {
	id  store.BlockID
	buf []byte
	tok store.Token
}

func RunReadAheadTest(t *testing.T, st store.Store) {
	tokens := writeBlocks(t, st,
		[]store.WriteInfo{
			{BlockID: 101, Buf: []byte("ra-one")},
			{BlockID: 102, Buf: []byte("ra-two")},
		})
	writeIndex(t, st,
		[]store.IndexOp{
			{BlockID: 101, Token: tokens[0], Recency: 1},
			{BlockID: 102, Token: tokens[1], Recency: 2},
		})

	// Other tests may have left live blocks behind; buffer enough that the
	// walk never blocks, and wait for the two we care about.
	ch := make(chan offer, 64)
	st.ReadAhead(
		func(id store.BlockID, buf []byte, tok store.Token) bool {
			ch <- offer{id, buf, tok}
			return true
		})

	offers := map[store.BlockID]offer{}
	timeout := time.After(10 * time.Second)
	for {
		if _, ok := offers[101]; ok {
			if _, ok := offers[102]; ok {
				break
			}
		}
		select {
		case o := <-ch:
			offers[o.id] = o
		case <-timeout:
			t.Fatalf("ReadAhead() offered %d blocks want 101 and 102", len(offers))
		}
	}

	for i, id := range []store.BlockID{101, 102} {
		o, ok := offers[id]
		if !ok {
			t.Errorf("ReadAhead() did not offer block %d", id)
			continue
		}
		if o.tok != tokens[i] {
			t.Errorf("ReadAhead(%d) got token %d want %d", id, o.tok, tokens[i])
		}
	}
	if !bytes.Equal(offers[101].buf, []byte("ra-one")) {
		t.Errorf("ReadAhead(101) got %v want %v", offers[101].buf, []byte("ra-one"))
	}
}

func RunIOAccountTest(t *testing.T, st store.Store) {
	acct := store.MakeIOAccount(2)

	tokens := writeBlocks(t, st, []store.WriteInfo{{BlockID: 201, Buf: []byte("accounted")}})

	done := make(chan error)
	for i := 0; i < 8; i++ {
		go func() {
			buf, err := st.ReadBlock(tokens[0], acct)
			if err == nil && !bytes.Equal(buf, []byte("accounted")) {
				err = fmt.Errorf("got %v want %v", buf, []byte("accounted"))
			}
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("ReadBlock() failed with %s", err)
		}
	}
}

func RunStoreTests(t *testing.T, st store.Store) {
	RunBlockTest(t, st)
	RunAuxBlockTest(t, st)
	RunBlockSizeTest(t, st)
	RunReadAheadTest(t, st)
	RunIOAccountTest(t, st)
}
