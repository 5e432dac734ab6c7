package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "esplora-tapyrus-store-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(context.Background(), Config{Home: dir, Network: "regtest", AutoCompaction: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesEveryFamily(t *testing.T) {
	s := newTestStore(t)
	for _, f := range families {
		if _, err := s.DB(f); err != nil {
			t.Fatalf("family %v not opened: %v", f, err)
		}
	}
}

func TestOpenTwiceAgreesOnSchemaVersion(t *testing.T) {
	dir, err := os.MkdirTemp("", "esplora-tapyrus-store-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := Config{Home: dir, Network: "regtest", AutoCompaction: true}
	s1, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	var txid chain.Hash256
	txid[0] = 0xaa
	key := TxRowKey(txid)
	val := EncodeTxRow(TxRow{Height: 5})

	if err := s.Put(FamilyTxStore, key, val); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(FamilyTxStore, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	row, err := DecodeTxRow(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row.Height != 5 {
		t.Fatalf("height mismatch: %d", row.Height)
	}
}

func TestTipAbsentUntilSet(t *testing.T) {
	s := newTestStore(t)
	if _, ok, err := s.Tip(); err != nil || ok {
		t.Fatalf("expected no tip on a fresh store, ok=%v err=%v", ok, err)
	}

	var h chain.Hash256
	h[0] = 0x09
	if err := s.SetTip(h); err != nil {
		t.Fatalf("set tip: %v", err)
	}
	got, ok, err := s.Tip()
	if err != nil || !ok {
		t.Fatalf("expected a tip, ok=%v err=%v", ok, err)
	}
	if got != h {
		t.Fatalf("tip mismatch: got %v want %v", got, h)
	}
}

func TestGetMissingKeyIsClientError(t *testing.T) {
	s := newTestStore(t)
	var txid chain.Hash256
	if _, err := s.Get(FamilyTxStore, TxRowKey(txid)); !errors.Is(err, errkind.ErrClient) {
		t.Fatalf("expected a client error for missing key, got %v", err)
	}
}

func TestBatchAtomicWrite(t *testing.T) {
	s := newTestStore(t)
	b, err := s.NewBatch(FamilyHistory)
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	sh := chain.ScriptHash{0x01}
	for i := chain.Height(0); i < 10; i++ {
		var txid chain.Hash256
		txid[0] = byte(i)
		b.Put(HistoryKey(sh, i, txid), EncodeHistoryValue(HistoryValue{Kind: HistoryFunding, Value: uint64(i)}))
	}
	if err := b.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}

	it, err := s.RangeIterator(FamilyHistory, HistoryPrefix(sh))
	if err != nil {
		t.Fatalf("range iterator: %v", err)
	}
	defer it.Release()

	var count int
	var lastHeight chain.Height = 0
	first := true
	for it.Next() {
		height, _, err := DecodeHeightHash(it.Key()[1+chain.Hash256Size:])
		if err != nil {
			t.Fatalf("decode key: %v", err)
		}
		if !first && height < lastHeight {
			t.Fatalf("iteration out of order: %d after %d", height, lastHeight)
		}
		first = false
		lastHeight = height
		count++
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 rows, got %d", count)
	}
}
