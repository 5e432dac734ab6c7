package rest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/chaintope/esplora-tapyrus/aggcache"
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/mempool"
	"github.com/chaintope/esplora-tapyrus/query"
	"github.com/chaintope/esplora-tapyrus/store"
)

type fakeNode struct {
	txs map[chain.Hash256]*wire.MsgTx
	fee float64
}

func newFakeNode() *fakeNode {
	return &fakeNode{txs: make(map[chain.Hash256]*wire.MsgTx)}
}

func (f *fakeNode) RawTransaction(ctx context.Context, txid chain.Hash256) ([]byte, error) {
	var buf bytes.Buffer
	_ = f.txs[txid].Serialize(&buf)
	return buf.Bytes(), nil
}

func (f *fakeNode) BroadcastRawTx(ctx context.Context, raw []byte) (chain.Hash256, error) {
	tx := new(wire.MsgTx)
	_ = tx.Deserialize(bytes.NewReader(raw))
	id := chain.TxHash(tx)
	f.txs[id] = tx
	return id, nil
}

func (f *fakeNode) EstimateFee(ctx context.Context, confTarget int) (float64, error) {
	return f.fee, nil
}

func (f *fakeNode) BlockHashByHeight(ctx context.Context, height chain.Height) (chain.Hash256, error) {
	return hashFromByte(byte(height)), nil
}

func (f *fakeNode) BlockCount(ctx context.Context) (chain.Height, error) {
	return 0, nil
}

func hashFromByte(b byte) chain.Hash256 {
	var h chain.Hash256
	for i := range h {
		h[i] = b
	}
	return h
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "esplora-tapyrus-rest-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(context.Background(), store.Config{Home: dir, Network: "regtest", AutoCompaction: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T, st *store.Store) *Server {
	t.Helper()
	cache, err := aggcache.New(st, aggcache.Config{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)

	mp := mempool.New(nil, st, false)
	node := newFakeNode()
	svc := query.New(st, cache, mp, node, &chain.RegtestParams)
	return New("127.0.0.1:0", svc, &chain.RegtestParams, nil)
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestGetTxNotFoundReturns404(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	rec := do(s, http.MethodGet, "/tx/"+hashFromByte(0x01).String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostTxBroadcastsAndGetTxRoundTrips(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash(hashFromByte(0x02)), Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x76, 0xa9, 0x14, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x88, 0xac}})
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	rawHex := hex.EncodeToString(buf.Bytes())

	rec := do(s, http.MethodPost, "/tx", []byte(rawHex))
	if rec.Code != http.StatusOK {
		t.Fatalf("post tx: %d: %s", rec.Code, rec.Body.String())
	}
	txidStr := rec.Body.String()

	rec = do(s, http.MethodGet, "/tx/"+txidStr+"/hex", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get tx hex: %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != rawHex {
		t.Fatalf("round-tripped hex mismatch: got %q want %q", rec.Body.String(), rawHex)
	}
}

func TestGetScriptHashBalanceReturnsNativeEntry(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	sh := hashFromByte(0x03)
	rec := do(s, http.MethodGet, "/scripthash/"+sh.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get balance: %d: %s", rec.Code, rec.Body.String())
	}
	var entries []balanceEntryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 1 || entries[0].ColorID != "" {
		t.Fatalf("expected a single native balance entry, got %+v", entries)
	}
}

func TestGetBlocksTipHash(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	tipHash := hashFromByte(0x10)
	if err := st.Put(store.FamilyTxStore, store.BlockRowKey(tipHash), store.EncodeBlockRow(store.BlockRow{Height: 9, Header: sampleHeaderBytesForTest(t), Done: true})); err != nil {
		t.Fatalf("put block row: %v", err)
	}
	if err := st.SetTip(tipHash); err != nil {
		t.Fatalf("set tip: %v", err)
	}

	rec := do(s, http.MethodGet, "/blocks/tip/hash", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != tipHash.String() {
		t.Fatalf("tip hash: %d: %s", rec.Code, rec.Body.String())
	}
}

func sampleHeaderBytesForTest(t *testing.T) []byte {
	t.Helper()
	bh := &chain.BlockHeader{
		Version:      1,
		MerkleRoot:   hashFromByte(0xaa),
		ImMerkleRoot: hashFromByte(0xbb),
		XFieldType:   chain.XFieldNone,
	}
	return bh.Bytes()
}

func TestGetColorsEmptyWhenNoLedgerRows(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	rec := do(s, http.MethodGet, "/colors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get colors: %d: %s", rec.Code, rec.Body.String())
	}
	var colors []string
	if err := json.Unmarshal(rec.Body.Bytes(), &colors); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(colors) != 0 {
		t.Fatalf("expected no colors, got %v", colors)
	}
}

func TestGetAddressPrefixUnknownPrefixReturnsEmptyResult(t *testing.T) {
	st := newTestStore(t)
	s := newTestServer(t, st)

	rec := do(s, http.MethodGet, "/address-prefix/abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("address-prefix: %d: %s", rec.Code, rec.Body.String())
	}
	var matches []addressMatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &matches); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %v", matches)
	}
}
