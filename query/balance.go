package query

import (
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/store"
)

// BalanceEntry is one color's confirmed/unconfirmed balance: spec.md §6's
// get_balance array element. ColorID is nil for the native-token entry,
// which per the Electrum method's own contract omits color_id entirely.
type BalanceEntry struct {
	ColorID     *chain.ColorId
	Confirmed   int64
	Unconfirmed int64
}

// GetBalances returns scriptHash's balance broken out by color: one native
// entry, plus one entry per color the scripthash has ever funded or spent,
// confirmed or not -- blockchain.scripthash.get_balance's "one entry per
// color present" contract.
func (q *Service) GetBalances(scriptHash chain.ScriptHash) ([]BalanceEntry, error) {
	native, err := q.balanceFor(scriptHash, nil)
	if err != nil {
		return nil, err
	}
	entries := []BalanceEntry{native}

	colors, err := q.colorsFor(scriptHash)
	if err != nil {
		return nil, err
	}
	for _, colorID := range colors {
		colorID := colorID
		b, err := q.balanceFor(scriptHash, &colorID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, b)
	}
	return entries, nil
}

func (q *Service) balanceFor(scriptHash chain.ScriptHash, colorID *chain.ColorId) (BalanceEntry, error) {
	var confirmed store.StatsValue
	var values []store.HistoryValue
	var err error

	if colorID == nil {
		confirmed, err = q.cache.Get(scriptHash)
		if err != nil {
			return BalanceEntry{}, err
		}
		_, values, err = q.mp.Snapshot().HistoryFor(scriptHash)
	} else {
		confirmed, err = q.cache.GetColored(scriptHash, *colorID)
		if err != nil {
			return BalanceEntry{}, err
		}
		_, values, err = q.mp.Snapshot().ColoredHistoryFor(scriptHash, *colorID)
	}
	if err != nil {
		return BalanceEntry{}, err
	}

	var unconfirmed int64
	for _, v := range values {
		switch v.Kind {
		case store.HistoryFunding:
			unconfirmed += int64(v.Value)
		case store.HistorySpending:
			unconfirmed -= int64(v.Value)
		}
	}

	return BalanceEntry{ColorID: colorID, Confirmed: confirmed.Balance(), Unconfirmed: unconfirmed}, nil
}
