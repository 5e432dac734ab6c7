package query

import (
	"sort"

	"github.com/chaintope/esplora-tapyrus/chain"
)

// mempoolTxsPageSize caps one /mempool/txs[/:start] page.
const mempoolTxsPageSize = 50

// MempoolSummary is one /mempool/txs entry: txid plus the fee/size data
// Entry.FeeRate is derived from.
type MempoolSummary struct {
	Txid  chain.Hash256
	Fee   chain.Amount
	VSize uint64
}

// MempoolTxIDs lists every mempool txid, backing GET /mempool/txids.
func (q *Service) MempoolTxIDs() []chain.Hash256 {
	entries := q.mp.Snapshot().Entries()
	out := make([]chain.Hash256, len(entries))
	for i, e := range entries {
		out[i] = e.Txid
	}
	return out
}

// MempoolRecent lists mempool transactions most-recently-inserted first,
// backing GET /mempool/recent (unpaged, per spec.md §6's "50 mempool txs
// unpaged").
func (q *Service) MempoolRecent() []MempoolSummary {
	entries := q.mp.Snapshot().Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Inserted.After(entries[j].Inserted) })
	if len(entries) > mempoolTxsPageSize {
		entries = entries[:mempoolTxsPageSize]
	}
	out := make([]MempoolSummary, len(entries))
	for i, e := range entries {
		out[i] = MempoolSummary{Txid: e.Txid, Fee: e.Fee, VSize: e.VSize}
	}
	return out
}

// MempoolTxs lists mempool transactions ordered by txid, paged by start
// (the last txid returned by the previous page, or the zero hash for the
// first page), backing GET /mempool/txs[/:start].
func (q *Service) MempoolTxs(start chain.Hash256) []MempoolSummary {
	entries := q.mp.Snapshot().Entries()
	sort.Slice(entries, func(i, j int) bool { return string(entries[i].Txid[:]) < string(entries[j].Txid[:]) })

	from := 0
	if start != (chain.Hash256{}) {
		for i, e := range entries {
			if e.Txid == start {
				from = i + 1
				break
			}
		}
	}
	if from >= len(entries) {
		return nil
	}
	end := from + mempoolTxsPageSize
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]MempoolSummary, 0, end-from)
	for _, e := range entries[from:end] {
		out = append(out, MempoolSummary{Txid: e.Txid, Fee: e.Fee, VSize: e.VSize})
	}
	return out
}
