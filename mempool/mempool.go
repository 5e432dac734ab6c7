// Package mempool keeps an in-memory replica of the node's mempool,
// re-deriving the same row families bulk indexing produces for confirmed
// transactions (spec.md §4.6). It is grounded on the teacher's
// tbc.mempool struct: an RWMutex-guarded map plus a running size counter,
// the same txsInsert/txsRemove/stats/Dump shape. The teacher's mempool is
// fed by P2P inv/getdata; this one is fed by RPC polling against
// rpcnode.Client, so the diff-against-last-poll loop itself is new,
// shaped after hemi/electrs.Client's poll-then-compare pattern rather than
// any one teacher function.
package mempool

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/rowbuilder"
	"github.com/chaintope/esplora-tapyrus/rpcnode"
	"github.com/chaintope/esplora-tapyrus/store"
)

var log = loggo.GetLogger("mempool")

func init() {
	if err := loggo.ConfigureLoggers("INFO"); err != nil {
		panic(err)
	}
}

// NodeClient is the subset of rpcnode.Client the mempool poller needs.
type NodeClient interface {
	RawMempool(ctx context.Context) ([]chain.Hash256, error)
	MempoolEntry(ctx context.Context, txid chain.Hash256) (*rpcnode.MempoolEntryFees, error)
	RawTransaction(ctx context.Context, txid chain.Hash256) ([]byte, error)
}

// Entry is one mempool transaction: its raw bytes and the derived rows both
// row builders would write were it confirmed at height 0, per spec.md
// §4.6's "treating height = 0" rule.
type Entry struct {
	Txid     chain.Hash256
	Tx       *wire.MsgTx
	Raw      []byte
	Fee      chain.Amount
	VSize    uint64
	Inserted time.Time

	Phase1 rowbuilder.Phase1Rows
	Phase2 rowbuilder.Phase2Rows
}

// FeeRate returns the entry's fee rate in satoshis per vbyte.
func (e *Entry) FeeRate() float64 {
	if e.VSize == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.VSize)
}

// Mempool mirrors the node's mempool. IndexUnspendables controls whether
// BuildPhase1/BuildPhase2 index unspendable outputs, the same knob the
// Indexer carries for confirmed blocks.
type Mempool struct {
	mtx sync.RWMutex

	node              NodeClient
	st                *store.Store
	indexUnspendables bool

	entries map[chain.Hash256]*Entry
	size    int
}

// New constructs an empty Mempool.
func New(node NodeClient, st *store.Store, indexUnspendables bool) *Mempool {
	return &Mempool{
		node:              node,
		st:                st,
		indexUnspendables: indexUnspendables,
		entries:           make(map[chain.Hash256]*Entry),
	}
}

// Run polls the node at interval until ctx is canceled, logging (but not
// returning) poll errors so a single bad RPC round trip doesn't take the
// poller down.
func (mp *Mempool) Run(ctx context.Context, interval time.Duration) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := mp.Poll(ctx); err != nil {
		log.Errorf("poll: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := mp.Poll(ctx); err != nil {
				log.Errorf("poll: %v", err)
			}
		}
	}
}

// Poll diffs the node's current mempool against the replica: new txids are
// fetched and run through both row builders, evicted txids are dropped.
// Readers never observe a partially updated replica -- the new map is built
// entirely off to the side and swapped in under the exclusive lock at the
// very end, the same "writers swap under an exclusive lock" contract
// spec.md §4.6 calls for.
func (mp *Mempool) Poll(ctx context.Context) error {
	log.Tracef("Poll")
	defer log.Tracef("Poll exit")

	nodeTxids, err := mp.node.RawMempool(ctx)
	if err != nil {
		return fmt.Errorf("raw mempool: %w", err)
	}
	nodeSet := make(map[chain.Hash256]struct{}, len(nodeTxids))
	for _, id := range nodeTxids {
		nodeSet[id] = struct{}{}
	}

	mp.mtx.RLock()
	working := make(map[chain.Hash256]*Entry, len(nodeSet))
	for id := range nodeSet {
		if e, ok := mp.entries[id]; ok {
			working[id] = e
		}
	}
	mp.mtx.RUnlock()

	// Raw bytes for every new txid are fetched and decoded first, before any
	// row building, so that a transaction appearing later in iteration order
	// can still be resolved as another new transaction's ancestor: map
	// iteration order is unspecified, so row building cannot be interleaved
	// with the fetch loop below without risking "ancestor not found yet"
	// failures that would only depend on map hash seed.
	fresh := make(map[chain.Hash256]*Entry)
	var added int
	for id := range nodeSet {
		if _, ok := working[id]; ok {
			continue
		}
		entry, err := mp.fetchRaw(ctx, id)
		if err != nil {
			log.Debugf("skip mempool tx %v: %v", id, err)
			continue
		}
		fresh[id] = entry
		added++
	}

	for id, entry := range fresh {
		mp.buildRows(entry, working, fresh)
		working[id] = entry
	}

	mp.mtx.RLock()
	evicted := len(mp.entries) - len(working) + added
	mp.mtx.RUnlock()

	var size int
	for _, e := range working {
		size += len(e.Raw)
	}

	mp.mtx.Lock()
	mp.entries = working
	mp.size = size
	mp.mtx.Unlock()

	if added > 0 || evicted > 0 {
		log.Infof("mempool poll: %d entries, +%d -%d", len(working), added, evicted)
	}
	return nil
}

// fetchRaw downloads and decodes a single new mempool transaction, without
// building its rows yet -- row building happens in a second pass, once
// every new transaction this poll has been fetched, so ancestor lookups in
// buildRows can see the whole batch regardless of fetch order.
func (mp *Mempool) fetchRaw(ctx context.Context, id chain.Hash256) (*Entry, error) {
	fees, err := mp.node.MempoolEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mempool entry: %w", err)
	}
	raw, err := mp.node.RawTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("raw transaction: %w", err)
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errkind.Protocolf("decode mempool tx %v: %v", id, err)
	}

	return &Entry{
		Txid:     id,
		Tx:       tx,
		Raw:      raw,
		VSize:    fees.VSize,
		Fee:      uint64(fees.FeeSat),
		Inserted: time.Now(),
	}, nil
}

// buildRows resolves entry's prevouts and runs both row builders against
// it. Inputs are resolved first against the confirmed store, then against
// kept and freshly fetched mempool entries (ancestor transactions still
// unconfirmed), matching spec.md §4.6's resolution order. Decode failures
// against the confirmed store are logged and treated as unresolved rather
// than aborting the whole entry: a single missing prevout shouldn't drop
// an otherwise-valid mempool transaction.
func (mp *Mempool) buildRows(entry *Entry, working, fresh map[chain.Hash256]*Entry) {
	tx := entry.Tx
	prevOuts := make(map[chain.OutPoint]rowbuilder.PrevOut, len(tx.TxIn))
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint.Index == 0xffffffff {
			continue
		}
		op := chain.OutPoint{Hash: chain.Hash256(in.PreviousOutPoint.Hash), Vout: in.PreviousOutPoint.Index}
		if v, err := mp.st.Get(store.FamilyTxStore, store.UTXORowKey(op)); err == nil {
			row, err := store.DecodeUTXORow(v)
			if err != nil {
				log.Debugf("decode utxo row %v: %v", op, err)
				continue
			}
			prevOuts[op] = rowbuilder.PrevOut{Script: row.Script, Value: row.Amount}
			continue
		}
		anc, ok := working[op.Hash]
		if !ok {
			anc, ok = fresh[op.Hash]
		}
		if ok && int(op.Vout) < len(anc.Tx.TxOut) {
			out := anc.Tx.TxOut[op.Vout]
			prevOuts[op] = rowbuilder.PrevOut{Script: out.PkScript, Value: uint64(out.Value)}
		}
	}

	entry.Phase1 = rowbuilder.BuildPhase1(tx, 0, chain.Hash256{}, 0, mp.indexUnspendables)
	entry.Phase2 = rowbuilder.BuildPhase2(tx, 0, prevOuts, mp.indexUnspendables)
}

// Snapshot returns a consistent, point-in-time view of the replica.
// Because Poll always replaces mp.entries wholesale rather than mutating
// it in place, handing out the map itself under a brief read lock is safe:
// once a caller holds the reference, a later Poll swapping mp.entries
// cannot affect the map the caller is iterating.
func (mp *Mempool) Snapshot() *Snapshot {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return &Snapshot{entries: mp.entries}
}

// Stats returns the entry count and approximate byte size of the replica,
// mirroring tbc.mempool.stats.
func (mp *Mempool) Stats() (count, size int) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return len(mp.entries), mp.size
}

// Dump renders the replica for debugging, in the teacher's go-spew idiom.
func (mp *Mempool) Dump() string {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return spew.Sdump(mp.entries)
}

// Snapshot is an immutable view of the mempool replica at one instant.
type Snapshot struct {
	entries map[chain.Hash256]*Entry
}

// Len returns the number of transactions in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Get returns the entry for txid, if present.
func (s *Snapshot) Get(txid chain.Hash256) (*Entry, bool) {
	e, ok := s.entries[txid]
	return e, ok
}

// Entries returns every entry in the snapshot, in no particular order.
func (s *Snapshot) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// SpentOutpoints returns every outpoint spent by a mempool transaction,
// mapped to the spending txid -- the Query Layer subtracts these from a
// scripthash's confirmed UTXO set to get the spendable set that accounts
// for unconfirmed spends, per spec.md §4.8.
func (s *Snapshot) SpentOutpoints() map[chain.OutPoint]chain.Hash256 {
	out := make(map[chain.OutPoint]chain.Hash256)
	for txid, e := range s.entries {
		for _, in := range e.Tx.TxIn {
			if in.PreviousOutPoint.Index == 0xffffffff {
				continue
			}
			op := chain.OutPoint{Hash: chain.Hash256(in.PreviousOutPoint.Hash), Vout: in.PreviousOutPoint.Index}
			out[op] = txid
		}
	}
	return out
}

// HistoryFor returns every mempool history row touching scriptHash, in the
// same store.HistoryValue shape confirmed rows decode to, for the Query
// Layer to interleave with confirmed history at height 0.
func (s *Snapshot) HistoryFor(scriptHash chain.ScriptHash) ([]chain.Hash256, []store.HistoryValue, error) {
	prefix := store.HistoryPrefix(scriptHash)
	var txids []chain.Hash256
	var values []store.HistoryValue
	for txid, e := range s.entries {
		for i, k := range e.Phase2.HistoryKeys {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			v, err := store.DecodeHistoryValue(e.Phase2.HistoryValues[i])
			if err != nil {
				return nil, nil, errkind.Corruptionf("decode mempool history value: %v", err)
			}
			txids = append(txids, txid)
			values = append(values, v)
		}
	}
	return txids, values, nil
}

// ColoredHistoryFor is HistoryFor restricted to scriptHash's activity in a
// single color, mirroring store.ColoredHistoryPrefix's scan for confirmed
// rows.
func (s *Snapshot) ColoredHistoryFor(scriptHash chain.ScriptHash, colorID chain.ColorId) ([]chain.Hash256, []store.HistoryValue, error) {
	prefix := store.ColoredHistoryPrefix(scriptHash, colorID)
	var txids []chain.Hash256
	var values []store.HistoryValue
	for txid, e := range s.entries {
		for i, k := range e.Phase2.HistoryKeys {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			v, err := store.DecodeHistoryValue(e.Phase2.HistoryValues[i])
			if err != nil {
				return nil, nil, errkind.Corruptionf("decode mempool colored history value: %v", err)
			}
			txids = append(txids, txid)
			values = append(values, v)
		}
	}
	return txids, values, nil
}

// ColorsTouching returns every color id a mempool transaction has written a
// colored history row for under scriptHash, for the Query Layer's balance
// breakdown to discover colors that only exist unconfirmed.
func (s *Snapshot) ColorsTouching(scriptHash chain.ScriptHash) []chain.ColorId {
	prefix := store.ColoredHistoryScriptPrefix(scriptHash)
	seen := make(map[chain.ColorId]struct{})
	var out []chain.ColorId
	for _, e := range s.entries {
		for _, k := range e.Phase2.HistoryKeys {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			colorID, _, _, err := store.DecodeColoredHistoryKey(k)
			if err != nil {
				continue
			}
			if _, ok := seen[colorID]; ok {
				continue
			}
			seen[colorID] = struct{}{}
			out = append(out, colorID)
		}
	}
	return out
}
