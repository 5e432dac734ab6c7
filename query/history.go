package query

import (
	"sort"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// HistoryEntry is one transaction touching a scripthash, confirmed or not,
// per blockchain.scripthash.get_history / GET /scripthash/:hash/txs. Height
// 0 marks a mempool transaction, matching Electrum's own convention.
type HistoryEntry struct {
	Txid   chain.Hash256
	Height chain.Height
}

// History returns every transaction touching scriptHash, confirmed history
// ordered by height then the mempool's unconfirmed transactions appended
// last, deduplicated by txid.
func (q *Service) History(scriptHash chain.ScriptHash) ([]HistoryEntry, error) {
	confirmed, err := q.confirmedHistory(store.HistoryPrefix(scriptHash))
	if err != nil {
		return nil, err
	}

	seen := make(map[chain.Hash256]struct{}, len(confirmed))
	out := make([]HistoryEntry, 0, len(confirmed))
	for _, e := range confirmed {
		if _, ok := seen[e.Txid]; ok {
			continue
		}
		seen[e.Txid] = struct{}{}
		out = append(out, e)
	}

	txids, _, err := q.mp.Snapshot().HistoryFor(scriptHash)
	if err != nil {
		return nil, err
	}
	for _, txid := range txids {
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}
		out = append(out, HistoryEntry{Txid: txid, Height: 0})
	}
	return out, nil
}

// confirmedHistory scans prefix and returns one HistoryEntry per row, sorted
// by height then txid.
func (q *Service) confirmedHistory(prefix []byte) ([]HistoryEntry, error) {
	it, err := q.st.RangeIterator(store.FamilyHistory, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var out []HistoryEntry
	for it.Next() {
		height, txid, err := store.DecodeHeightHashPrefix(it.Key()[len(prefix):])
		if err != nil {
			return nil, errkind.Corruptionf("decode history key suffix: %v", err)
		}
		out = append(out, HistoryEntry{Txid: txid, Height: height})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return string(out[i].Txid[:]) < string(out[j].Txid[:])
	})
	return out, nil
}
