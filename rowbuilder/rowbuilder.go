// Package rowbuilder turns a decoded transaction into the store rows
// describing it: a confirmation record and UTXO rows in bulk phase 1 (pure
// functions of the transaction alone), and history/spend-edge/color-ledger
// rows in bulk phase 2 (which additionally need the transaction's previous
// outputs, since "who did this input spend and what script did it pay").
// The split and the row shapes below are ported from the Rust reference
// indexer's new_index::schema::{add_transaction,index_transaction} and
// new_index::color::{index_confirmed_colored_tx,colored_tx_history}.
package rowbuilder

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/store"
)

// Phase1Rows is everything BuildPhase1 writes for a single transaction.
type Phase1Rows struct {
	TxKey, TxValue []byte
	UTXOKeys       [][]byte
	UTXOValues     [][]byte
}

// BuildPhase1 builds a transaction's confirmation row and one UTXO row per
// spendable output (or every output, if indexUnspendables is set, matching
// the --index-unspendables knob the Rust indexer carries as
// light_mode/index_unspendables). It needs nothing beyond the transaction
// itself, which is what makes it safe to run fully in parallel across an
// entire block file during bulk phase 1.
func BuildPhase1(tx *wire.MsgTx, height chain.Height, blockHash chain.Hash256, txIndex uint32, indexUnspendables bool) Phase1Rows {
	txid := chain.TxHash(tx)

	rows := Phase1Rows{
		TxKey:   store.TxRowKey(txid),
		TxValue: store.EncodeTxRow(store.TxRow{Height: height, BlockHash: blockHash, TxIndex: txIndex}),
	}

	for i, out := range tx.TxOut {
		if chain.IsUnspendable(out.PkScript) && !indexUnspendables {
			continue
		}
		colorID, _, colored := chain.SplitColoredScript(out.PkScript)
		if !colored {
			colorID = chain.Uncolored
		}
		op := chain.OutPoint{Hash: txid, Vout: uint32(i)}
		rows.UTXOKeys = append(rows.UTXOKeys, store.UTXORowKey(op))
		rows.UTXOValues = append(rows.UTXOValues, store.EncodeUTXORow(store.UTXORow{
			Height:  height,
			Amount:  uint64(out.Value),
			ColorID: colorID,
			Script:  out.PkScript,
		}))
	}
	return rows
}

// PrevOut is the minimal information about a spent output the phase-2
// builder needs: its script (to find the owning scripthash and color) and
// its value. Callers assemble this from UTXORow lookups against the rows
// BuildPhase1 wrote (the original's previous_txos_map).
type PrevOut struct {
	Script []byte
	Value  chain.Amount
}

// Phase2Rows is everything BuildPhase2 writes for a single transaction.
type Phase2Rows struct {
	HistoryKeys, HistoryValues         [][]byte
	ColorLedgerKeys, ColorLedgerValues [][]byte
	SpendEdgeKeys, SpendEdgeValues     [][]byte
}

// BuildPhase2 builds a transaction's history rows (funding and spending,
// one per script the tx touches, plus a second colored row per colored
// output or colored input as index_transaction does), its spend-edge rows
// (marking the inputs' previous outputs spent), and its color-ledger rows
// (net issue/transfer/burn per color, per colored_tx_history).
//
// prevOuts must contain every outpoint tx.TxIn references except for a
// coinbase's null prevout; a missing entry is treated as unresolved and
// silently skipped, since that can only happen for an already-pruned or
// not-yet-indexed ancestor and is the caller's sequencing concern, not a
// row-shape one.
func BuildPhase2(tx *wire.MsgTx, height chain.Height, prevOuts map[chain.OutPoint]PrevOut, indexUnspendables bool) Phase2Rows {
	txid := chain.TxHash(tx)
	var rows Phase2Rows

	for i, out := range tx.TxOut {
		if chain.IsUnspendable(out.PkScript) && !indexUnspendables {
			continue
		}
		colorID, uncoloredScript, colored := chain.SplitColoredScript(out.PkScript)
		if colored {
			addFunding(&rows, chain.NewScriptHash(out.PkScript), colorID, height, txid, uint32(i), uint64(out.Value))
			addFunding(&rows, chain.NewScriptHash(uncoloredScript), colorID, height, txid, uint32(i), uint64(out.Value))
		} else {
			addFunding(&rows, chain.NewScriptHash(out.PkScript), chain.Uncolored, height, txid, uint32(i), uint64(out.Value))
		}
	}

	for i, in := range tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}
		prevOP := chain.OutPoint{Hash: chain.Hash256(in.PreviousOutPoint.Hash), Vout: in.PreviousOutPoint.Index}
		prev, ok := prevOuts[prevOP]
		if !ok {
			continue
		}
		colorID, uncoloredScript, colored := chain.SplitColoredScript(prev.Script)
		if colored {
			addSpending(&rows, chain.NewScriptHash(prev.Script), colorID, height, txid, uint32(i), prevOP, prev.Value)
			addSpending(&rows, chain.NewScriptHash(uncoloredScript), colorID, height, txid, uint32(i), prevOP, prev.Value)
		} else {
			addSpending(&rows, chain.NewScriptHash(prev.Script), chain.Uncolored, height, txid, uint32(i), prevOP, prev.Value)
		}

		rows.SpendEdgeKeys = append(rows.SpendEdgeKeys, store.SpendEdgeKey(prevOP))
		rows.SpendEdgeValues = append(rows.SpendEdgeValues, store.EncodeSpendEdgeValue(store.SpendEdgeValue{
			SpendingTxid: txid,
			Vin:          uint32(i),
			Height:       height,
		}))
	}

	rows.ColorLedgerKeys, rows.ColorLedgerValues = buildColorLedgerRows(tx, txid, height, prevOuts)

	return rows
}

// historyKey builds the raw history row key and appends a single
// disambiguating byte for the in/out index the row describes. Without it,
// two outputs (or inputs) of the same transaction paying the same script
// would collide under (scripthash, height, txid) alone.
func historyKey(sh chain.ScriptHash, colorID chain.ColorId, height chain.Height, txid chain.Hash256, index uint32) []byte {
	var base []byte
	if colorID.IsUncolored() {
		base = store.HistoryKey(sh, height, txid)
	} else {
		base = store.ColoredHistoryKey(sh, colorID, height, txid)
	}
	return append(base, byte(index), byte(index>>8))
}

func addFunding(rows *Phase2Rows, sh chain.ScriptHash, colorID chain.ColorId, height chain.Height, txid chain.Hash256, vout uint32, value chain.Amount) {
	val := store.HistoryValue{Kind: store.HistoryFunding, ColorID: colorID, Value: value, Vout: vout}
	rows.HistoryKeys = append(rows.HistoryKeys, historyKey(sh, colorID, height, txid, vout))
	rows.HistoryValues = append(rows.HistoryValues, store.EncodeHistoryValue(val))
}

func addSpending(rows *Phase2Rows, sh chain.ScriptHash, colorID chain.ColorId, height chain.Height, txid chain.Hash256, vin uint32, prevOP chain.OutPoint, value chain.Amount) {
	val := store.HistoryValue{Kind: store.HistorySpending, ColorID: colorID, Value: value, PrevOutPoint: prevOP}
	rows.HistoryKeys = append(rows.HistoryKeys, historyKey(sh, colorID, height, txid, vin))
	rows.HistoryValues = append(rows.HistoryValues, store.EncodeHistoryValue(val))
}

func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == 0xffffffff
}

// buildColorLedgerRows computes, for every color the transaction touches,
// the net amount issued, transferred or burned and emits one or two
// ColorLedgerKey rows per color -- faithfully porting
// new_index::color::create_history_info, which classifies a color's
// per-tx net change as:
//
//   - Issuing, when outputs carry more of the color than inputs did. If
//     inputs carried any of the color at all, a companion Transferring row
//     records the portion that was merely carried through.
//   - Transferring, when outputs carry exactly as much as inputs did.
//   - Burning, when outputs carry less than inputs did. If outputs still
//     carry some of the color, a companion Transferring row records the
//     portion that survived.
func buildColorLedgerRows(tx *wire.MsgTx, txid chain.Hash256, height chain.Height, prevOuts map[chain.OutPoint]PrevOut) (keys, values [][]byte) {
	prevAmounts := make(map[chain.ColorId]chain.Amount)
	for _, in := range tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}
		prevOP := chain.OutPoint{Hash: chain.Hash256(in.PreviousOutPoint.Hash), Vout: in.PreviousOutPoint.Index}
		prev, ok := prevOuts[prevOP]
		if !ok {
			continue
		}
		colorID, _, colored := chain.SplitColoredScript(prev.Script)
		if !colored {
			continue
		}
		prevAmounts[colorID] += prev.Value
	}

	amounts := make(map[chain.ColorId]chain.Amount)
	for _, out := range tx.TxOut {
		colorID, _, colored := chain.SplitColoredScript(out.PkScript)
		if !colored {
			continue
		}
		amounts[colorID] += uint64(out.Value)
	}

	touched := make(map[chain.ColorId]struct{}, len(prevAmounts)+len(amounts))
	for c := range prevAmounts {
		touched[c] = struct{}{}
	}
	for c := range amounts {
		touched[c] = struct{}{}
	}

	for colorID := range touched {
		amount := amounts[colorID]
		prevAmount := prevAmounts[colorID]

		var event store.ColorLedgerEvent
		var value chain.Amount
		var companion bool
		var companionValue chain.Amount

		switch {
		case amount > prevAmount:
			event, value = store.ColorEventIssuing, amount-prevAmount
			if prevAmount > 0 {
				companion, companionValue = true, prevAmount
			}
		case amount == prevAmount:
			event, value = store.ColorEventTransferring, amount
		default:
			event, value = store.ColorEventBurning, prevAmount-amount
			if amount > 0 {
				companion, companionValue = true, amount
			}
		}

		// A companion row shares (colorid, height, txid) with its primary
		// row, so a trailing disambiguator keeps the two from colliding
		// under the same store key; scan order within a (height, txid)
		// pair is otherwise unconstrained.
		key := store.ColorLedgerKey(colorID, height, txid)
		keys = append(keys, append(append([]byte{}, key...), 0))
		values = append(values, store.EncodeColorLedgerValue(store.ColorLedgerValue{Event: event, Value: value}))

		if companion {
			keys = append(keys, append(append([]byte{}, key...), 1))
			values = append(values, store.EncodeColorLedgerValue(store.ColorLedgerValue{Event: store.ColorEventTransferring, Value: companionValue}))
		}
	}

	return keys, values
}
