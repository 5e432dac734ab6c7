package query

import (
	"bytes"
	"sort"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// colorsPageSize caps /colors[/:last_seen] pages.
const colorsPageSize = 25

// ColorLedgerEntry is one row of a color's issuance/transfer/burn feed, per
// /color/:cid/txs[/chain[/:last_seen]].
type ColorLedgerEntry struct {
	Txid   chain.Hash256
	Height chain.Height
	Event  store.ColorLedgerEvent
	Value  chain.Amount
}

// ListColors enumerates every color ever seen, ordered by color id, paged
// by lastSeen (the last color id returned by the previous page, or the
// zero ColorId for the first page), per GET /colors[/:last_seen].
func (q *Service) ListColors(lastSeen chain.ColorId) ([]chain.ColorId, error) {
	it, err := q.st.RangeIterator(store.FamilyHistory, store.AllColorLedgerPrefix())
	if err != nil {
		return nil, err
	}
	defer it.Release()

	seen := make(map[chain.ColorId]struct{})
	var all []chain.ColorId
	for it.Next() {
		colorID, _, _, err := store.DecodeColorLedgerKey(it.Key())
		if err != nil {
			return nil, errkind.Corruptionf("decode color ledger key: %v", err)
		}
		if _, ok := seen[colorID]; !ok {
			seen[colorID] = struct{}{}
			all = append(all, colorID)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i][:], all[j][:]) < 0 })

	start := 0
	if lastSeen != chain.Uncolored {
		for i, c := range all {
			if c == lastSeen {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, nil
	}
	end := start + colorsPageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// ColorHistory returns colorID's confirmed ledger, newest first, paged by
// lastSeen txid, per /color/:cid/txs/chain[/:last_seen].
func (q *Service) ColorHistory(colorID chain.ColorId, lastSeen chain.Hash256) ([]ColorLedgerEntry, error) {
	it, err := q.st.RangeIterator(store.FamilyHistory, store.ColorLedgerPrefix(colorID))
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var entries []ColorLedgerEntry
	for it.Next() {
		_, height, txid, err := store.DecodeColorLedgerKey(it.Key())
		if err != nil {
			return nil, errkind.Corruptionf("decode color ledger key: %v", err)
		}
		v, err := store.DecodeColorLedgerValue(it.Value())
		if err != nil {
			return nil, errkind.Corruptionf("decode color ledger value: %v", err)
		}
		entries = append(entries, ColorLedgerEntry{Txid: txid, Height: height, Event: v.Event, Value: v.Value})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Height > entries[j].Height })

	start := 0
	if lastSeen != (chain.Hash256{}) {
		for i, e := range entries {
			if e.Txid == lastSeen {
				start = i + 1
				break
			}
		}
	}
	if start >= len(entries) {
		return nil, nil
	}
	end := start + colorsPageSize
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end], nil
}

// ColorMempool returns colorID's unconfirmed ledger activity, per
// /color/:cid/txs/mempool -- derived from every mempool entry's
// Phase2.ColorLedgerKeys the same way Snapshot.ColorsTouching walks
// Phase2.HistoryKeys.
func (q *Service) ColorMempool(colorID chain.ColorId) ([]ColorLedgerEntry, error) {
	prefix := store.ColorLedgerPrefix(colorID)
	var entries []ColorLedgerEntry
	for _, e := range q.mp.Snapshot().Entries() {
		for i, k := range e.Phase2.ColorLedgerKeys {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			v, err := store.DecodeColorLedgerValue(e.Phase2.ColorLedgerValues[i])
			if err != nil {
				return nil, errkind.Corruptionf("decode color ledger value: %v", err)
			}
			entries = append(entries, ColorLedgerEntry{Txid: e.Txid, Height: 0, Event: v.Event, Value: v.Value})
		}
	}
	return entries, nil
}
