package query

import (
	"bytes"
	"sort"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// UnspentOutput is one spendable output in a scripthash's UTXO set, per
// spec.md §6's listunspent family: colored entries carry a ColorID, native
// ones leave it at chain.Uncolored.
type UnspentOutput struct {
	OutPoint  chain.OutPoint
	Value     chain.Amount
	ColorID   chain.ColorId
	Height    chain.Height // 0 for an unconfirmed output
	Confirmed bool
}

// ListUnspent returns scriptHash's full UTXO set, native token plus every
// color it holds, per blockchain.scripthash.listunspent.
func (q *Service) ListUnspent(scriptHash chain.ScriptHash) ([]UnspentOutput, error) {
	out, err := q.ListUncoloredUnspent(scriptHash)
	if err != nil {
		return nil, err
	}
	colors, err := q.colorsFor(scriptHash)
	if err != nil {
		return nil, err
	}
	for _, colorID := range colors {
		colored, err := q.ListColoredUnspent(scriptHash, colorID)
		if err != nil {
			return nil, err
		}
		out = append(out, colored...)
	}
	return out, nil
}

// ListUncoloredUnspent returns only scriptHash's native-token UTXOs, per
// blockchain.scripthash.listuncoloredunspent.
func (q *Service) ListUncoloredUnspent(scriptHash chain.ScriptHash) ([]UnspentOutput, error) {
	funded, spent, err := q.scanHistory(store.HistoryPrefix(scriptHash))
	if err != nil {
		return nil, err
	}

	txids, values, err := q.mp.Snapshot().HistoryFor(scriptHash)
	if err != nil {
		return nil, err
	}
	mergeMempoolRows(funded, spent, txids, values)

	return finalize(funded, spent, q.mp.Snapshot().SpentOutpoints()), nil
}

// ListColoredUnspent returns scriptHash's UTXOs in a single color, per
// blockchain.scripthash.listcoloredunspent(scripthash, color_id).
func (q *Service) ListColoredUnspent(scriptHash chain.ScriptHash, colorID chain.ColorId) ([]UnspentOutput, error) {
	if colorID.IsUncolored() {
		return nil, errkind.Clientf("query: listcoloredunspent requires a color id")
	}

	funded, spent, err := q.scanHistory(store.ColoredHistoryPrefix(scriptHash, colorID))
	if err != nil {
		return nil, err
	}

	txids, values, err := q.mp.Snapshot().ColoredHistoryFor(scriptHash, colorID)
	if err != nil {
		return nil, err
	}
	mergeMempoolRows(funded, spent, txids, values)

	return finalize(funded, spent, q.mp.Snapshot().SpentOutpoints()), nil
}

// scanHistory scans every confirmed row under prefix -- either
// store.HistoryPrefix(scriptHash) or store.ColoredHistoryPrefix(scriptHash,
// colorID), both of which leave nothing but a heightHash+disambiguator
// suffix after the prefix -- into separate funded/spent maps. HistoryValue's
// Vout field (set on a Funding row) gives the funded output's index
// directly, so this needs no separate UTXORowKey point get per candidate.
func (q *Service) scanHistory(prefix []byte) (map[chain.OutPoint]UnspentOutput, map[chain.OutPoint]struct{}, error) {
	it, err := q.st.RangeIterator(store.FamilyHistory, prefix)
	if err != nil {
		return nil, nil, err
	}
	defer it.Release()

	funded := make(map[chain.OutPoint]UnspentOutput)
	spent := make(map[chain.OutPoint]struct{})
	for it.Next() {
		height, txid, err := store.DecodeHeightHashPrefix(it.Key()[len(prefix):])
		if err != nil {
			return nil, nil, errkind.Corruptionf("decode history key suffix: %v", err)
		}
		hv, err := store.DecodeHistoryValue(it.Value())
		if err != nil {
			return nil, nil, errkind.Corruptionf("decode history value: %v", err)
		}
		switch hv.Kind {
		case store.HistoryFunding:
			op := chain.OutPoint{Hash: txid, Vout: hv.Vout}
			funded[op] = UnspentOutput{OutPoint: op, Value: hv.Value, ColorID: hv.ColorID, Height: height, Confirmed: true}
		case store.HistorySpending:
			spent[hv.PrevOutPoint] = struct{}{}
		}
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return funded, spent, nil
}

// mergeMempoolRows folds a mempool snapshot's history rows for one
// scripthash (or scripthash+color) into the maps scanHistory produced,
// adding unconfirmed fundings and unconfirmed spends of confirmed outputs.
func mergeMempoolRows(funded map[chain.OutPoint]UnspentOutput, spent map[chain.OutPoint]struct{}, txids []chain.Hash256, values []store.HistoryValue) {
	for i, v := range values {
		switch v.Kind {
		case store.HistoryFunding:
			op := chain.OutPoint{Hash: txids[i], Vout: v.Vout}
			funded[op] = UnspentOutput{OutPoint: op, Value: v.Value, ColorID: v.ColorID, Height: 0, Confirmed: false}
		case store.HistorySpending:
			spent[v.PrevOutPoint] = struct{}{}
		}
	}
}

// finalize drops every funded outpoint that is spent -- confirmed or by any
// mempool transaction, not only one touching this scripthash -- and returns
// the survivors in a stable order.
func finalize(funded map[chain.OutPoint]UnspentOutput, spent map[chain.OutPoint]struct{}, mempoolSpent map[chain.OutPoint]chain.Hash256) []UnspentOutput {
	out := make([]UnspentOutput, 0, len(funded))
	for op, u := range funded {
		if _, ok := spent[op]; ok {
			continue
		}
		if _, ok := mempoolSpent[op]; ok {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		if c := bytes.Compare(out[i].OutPoint.Hash[:], out[j].OutPoint.Hash[:]); c != 0 {
			return c < 0
		}
		return out[i].OutPoint.Vout < out[j].OutPoint.Vout
	})
	return out
}

// colorsFor returns every color id scriptHash has ever touched, confirmed
// or unconfirmed.
func (q *Service) colorsFor(scriptHash chain.ScriptHash) ([]chain.ColorId, error) {
	prefix := store.ColoredHistoryScriptPrefix(scriptHash)
	it, err := q.st.RangeIterator(store.FamilyHistory, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Release()

	seen := make(map[chain.ColorId]struct{})
	var out []chain.ColorId
	for it.Next() {
		colorID, _, _, err := store.DecodeColoredHistoryKey(it.Key())
		if err != nil {
			return nil, errkind.Corruptionf("decode colored history key: %v", err)
		}
		if _, ok := seen[colorID]; !ok {
			seen[colorID] = struct{}{}
			out = append(out, colorID)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	for _, colorID := range q.mp.Snapshot().ColorsTouching(scriptHash) {
		if _, ok := seen[colorID]; !ok {
			seen[colorID] = struct{}{}
			out = append(out, colorID)
		}
	}
	return out, nil
}
