package store

import (
	"encoding/binary"
	"fmt"

	"github.com/chaintope/esplora-tapyrus/chain"
)

// TxRow is the txstore record produced by the Row Builder for every
// transaction during bulk phase 1: enough to answer "is this txid
// confirmed, and where" without touching the node again.
type TxRow struct {
	Height    chain.Height
	BlockHash chain.Hash256
	TxIndex   uint32 // position within the block, needed for merkle proofs
}

// EncodeTxRow packs a TxRow as [height(4)][blockhash(32)][txindex(4)],
// mirroring encodeBlockHeader's flat fixed-width layout.
func EncodeTxRow(r TxRow) []byte {
	buf := make([]byte, 4+chain.Hash256Size+4)
	binary.BigEndian.PutUint32(buf[0:4], r.Height)
	copy(buf[4:4+chain.Hash256Size], r.BlockHash[:])
	binary.BigEndian.PutUint32(buf[4+chain.Hash256Size:], r.TxIndex)
	return buf
}

// DecodeTxRow reverses EncodeTxRow.
func DecodeTxRow(b []byte) (TxRow, error) {
	var r TxRow
	want := 4 + chain.Hash256Size + 4
	if len(b) != want {
		return r, fmt.Errorf("invalid tx row length: have %d want %d", len(b), want)
	}
	r.Height = binary.BigEndian.Uint32(b[0:4])
	copy(r.BlockHash[:], b[4:4+chain.Hash256Size])
	r.TxIndex = binary.BigEndian.Uint32(b[4+chain.Hash256Size:])
	return r, nil
}

// UTXORow is the txstore record for a single unspent output: enough to
// build a tx input or answer an address balance query without re-parsing
// the original transaction.
type UTXORow struct {
	Height  chain.Height
	Amount  chain.Amount
	ColorID chain.ColorId // chain.Uncolored for the native token
	Script  []byte
}

// EncodeUTXORow packs [height(4)][amount(8)][colorid(33)][scriptlen varint][script].
func EncodeUTXORow(r UTXORow) []byte {
	buf := make([]byte, 0, 4+8+chain.ColorIdSize+2+len(r.Script))
	var head [4 + 8 + chain.ColorIdSize]byte
	binary.BigEndian.PutUint32(head[0:4], r.Height)
	binary.BigEndian.PutUint64(head[4:12], r.Amount)
	copy(head[12:], r.ColorID[:])
	buf = append(buf, head[:]...)
	buf = appendVarUint(buf, uint64(len(r.Script)))
	buf = append(buf, r.Script...)
	return buf
}

// DecodeUTXORow reverses EncodeUTXORow.
func DecodeUTXORow(b []byte) (UTXORow, error) {
	var r UTXORow
	headSize := 4 + 8 + chain.ColorIdSize
	if len(b) < headSize {
		return r, fmt.Errorf("truncated utxo row: %d bytes", len(b))
	}
	r.Height = binary.BigEndian.Uint32(b[0:4])
	r.Amount = binary.BigEndian.Uint64(b[4:12])
	copy(r.ColorID[:], b[12:headSize])
	scriptLen, n, err := readVarUint(b[headSize:])
	if err != nil {
		return r, fmt.Errorf("utxo row script length: %w", err)
	}
	rest := b[headSize+n:]
	if uint64(len(rest)) != scriptLen {
		return r, fmt.Errorf("utxo row script length mismatch: have %d want %d", len(rest), scriptLen)
	}
	r.Script = append([]byte(nil), rest...)
	return r, nil
}

// BlockRow is the txstore record for a single block: its header, ordered
// txid list, and whether every one of those txids has had its TxRow/UTXORow
// written. Done gates phase 2 and the Tracking loop -- a block is only
// eligible for history-row building once Done is true, the Go-side
// equivalent of spec.md §4.4's D{blockhash} marker.
type BlockRow struct {
	Height chain.Height
	Header []byte
	TxIDs  []chain.Hash256
	Done   bool
}

// EncodeBlockRow packs [height(4)][done(1)][headerlen varint][header][txcount varint][txids...].
func EncodeBlockRow(r BlockRow) []byte {
	buf := make([]byte, 0, 4+1+2+len(r.Header)+2+len(r.TxIDs)*chain.Hash256Size)
	var head [5]byte
	binary.BigEndian.PutUint32(head[0:4], r.Height)
	if r.Done {
		head[4] = 1
	}
	buf = append(buf, head[:]...)
	buf = appendVarUint(buf, uint64(len(r.Header)))
	buf = append(buf, r.Header...)
	buf = appendVarUint(buf, uint64(len(r.TxIDs)))
	for _, txid := range r.TxIDs {
		buf = append(buf, txid[:]...)
	}
	return buf
}

// DecodeBlockRow reverses EncodeBlockRow.
func DecodeBlockRow(b []byte) (BlockRow, error) {
	var r BlockRow
	if len(b) < 5 {
		return r, fmt.Errorf("truncated block row: %d bytes", len(b))
	}
	r.Height = binary.BigEndian.Uint32(b[0:4])
	r.Done = b[4] != 0
	rest := b[5:]

	headerLen, n, err := readVarUint(rest)
	if err != nil {
		return r, fmt.Errorf("block row header length: %w", err)
	}
	rest = rest[n:]
	if uint64(len(rest)) < headerLen {
		return r, fmt.Errorf("truncated block row header")
	}
	r.Header = append([]byte(nil), rest[:headerLen]...)
	rest = rest[headerLen:]

	txCount, n, err := readVarUint(rest)
	if err != nil {
		return r, fmt.Errorf("block row tx count: %w", err)
	}
	rest = rest[n:]
	if uint64(len(rest)) != txCount*uint64(chain.Hash256Size) {
		return r, fmt.Errorf("block row txid list length mismatch")
	}
	r.TxIDs = make([]chain.Hash256, txCount)
	for i := range r.TxIDs {
		copy(r.TxIDs[i][:], rest[i*chain.Hash256Size:(i+1)*chain.Hash256Size])
	}
	return r, nil
}

// ColorLedgerEvent classifies one color ledger row: whether a transaction
// net-issued new supply, merely transferred existing supply between
// inputs and outputs, or burned supply by spending more than it re-issued.
type ColorLedgerEvent byte

const (
	ColorEventIssuing     ColorLedgerEvent = 0
	ColorEventTransferring ColorLedgerEvent = 1
	ColorEventBurning     ColorLedgerEvent = 2
)

// ColorLedgerValue is the value stored alongside a color ledger key.
type ColorLedgerValue struct {
	Event ColorLedgerEvent
	Value chain.Amount
}

// EncodeColorLedgerValue packs [event(1)][value(8)].
func EncodeColorLedgerValue(v ColorLedgerValue) []byte {
	buf := make([]byte, 1+8)
	buf[0] = byte(v.Event)
	binary.BigEndian.PutUint64(buf[1:], v.Value)
	return buf
}

// DecodeColorLedgerValue reverses EncodeColorLedgerValue.
func DecodeColorLedgerValue(b []byte) (ColorLedgerValue, error) {
	var v ColorLedgerValue
	if len(b) != 9 {
		return v, fmt.Errorf("invalid color ledger value length: %d", len(b))
	}
	v.Event = ColorLedgerEvent(b[0])
	v.Value = binary.BigEndian.Uint64(b[1:])
	return v, nil
}

// SpendEdgeValue names the transaction input that spent a UTXORow's
// output.
type SpendEdgeValue struct {
	SpendingTxid chain.Hash256
	Vin          uint32
	Height       chain.Height
}

// EncodeSpendEdgeValue packs [spendingtxid(32)][vin(4)][height(4)].
func EncodeSpendEdgeValue(v SpendEdgeValue) []byte {
	buf := make([]byte, chain.Hash256Size+4+4)
	copy(buf[0:chain.Hash256Size], v.SpendingTxid[:])
	binary.BigEndian.PutUint32(buf[chain.Hash256Size:], v.Vin)
	binary.BigEndian.PutUint32(buf[chain.Hash256Size+4:], v.Height)
	return buf
}

// DecodeSpendEdgeValue reverses EncodeSpendEdgeValue.
func DecodeSpendEdgeValue(b []byte) (SpendEdgeValue, error) {
	var v SpendEdgeValue
	want := chain.Hash256Size + 4 + 4
	if len(b) != want {
		return v, fmt.Errorf("invalid spend edge value length: have %d want %d", len(b), want)
	}
	copy(v.SpendingTxid[:], b[0:chain.Hash256Size])
	v.Vin = binary.BigEndian.Uint32(b[chain.Hash256Size:])
	v.Height = binary.BigEndian.Uint32(b[chain.Hash256Size+4:])
	return v, nil
}

// HistoryKind distinguishes the two ways a transaction can "touch" a
// scripthash: by creating an output paying it (Funding) or by spending one
// that did (Spending).
type HistoryKind byte

const (
	HistoryFunding  HistoryKind = 0
	HistorySpending HistoryKind = 1
)

// HistoryValue is the value stored alongside every history key. It mirrors
// the funding/spending split a UTXO-model indexer needs to reconstruct
// balance history without re-deriving it from the raw transaction: a
// Funding row names the output created, a Spending row names both the
// spending input and the output it spent.
type HistoryValue struct {
	Kind    HistoryKind
	ColorID chain.ColorId
	Value   chain.Amount

	Vout uint32 // set on Funding: the funded output's index

	PrevOutPoint chain.OutPoint // set on Spending: the output being spent
}

// EncodeHistoryValue packs
// [kind(1)][colorid(33)][value(8)][vout(4)][prevhash(32)][prevvout(4)].
func EncodeHistoryValue(v HistoryValue) []byte {
	buf := make([]byte, 1+chain.ColorIdSize+8+4+chain.Hash256Size+4)
	off := 0
	buf[off] = byte(v.Kind)
	off++
	copy(buf[off:], v.ColorID[:])
	off += chain.ColorIdSize
	binary.BigEndian.PutUint64(buf[off:], v.Value)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], v.Vout)
	off += 4
	copy(buf[off:], v.PrevOutPoint.Hash[:])
	off += chain.Hash256Size
	binary.BigEndian.PutUint32(buf[off:], v.PrevOutPoint.Vout)
	return buf
}

// DecodeHistoryValue reverses EncodeHistoryValue.
func DecodeHistoryValue(b []byte) (HistoryValue, error) {
	var v HistoryValue
	want := 1 + chain.ColorIdSize + 8 + 4 + chain.Hash256Size + 4
	if len(b) != want {
		return v, fmt.Errorf("invalid history value length: have %d want %d", len(b), want)
	}
	off := 0
	v.Kind = HistoryKind(b[off])
	off++
	copy(v.ColorID[:], b[off:])
	off += chain.ColorIdSize
	v.Value = binary.BigEndian.Uint64(b[off:])
	off += 8
	v.Vout = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(v.PrevOutPoint.Hash[:], b[off:])
	off += chain.Hash256Size
	v.PrevOutPoint.Vout = binary.BigEndian.Uint32(b[off:])
	return v, nil
}

// StatsValue is the persisted half of the aggregation cache for a single
// (scripthash[, colorid]) key: running funded/spent totals anchored to the
// blockhash they were computed against, so a reorg past that height
// invalidates them. Field names follow the running counters a UTXO-model
// indexer keeps per script: how many outputs ever funded it, how many of
// those were later spent, and the sum of each.
type StatsValue struct {
	Anchor         chain.Hash256
	TxCount        uint64
	FundedTxoCount uint64
	SpentTxoCount  uint64
	FundedTxoSum   chain.Amount
	SpentTxoSum    chain.Amount
}

// EncodeStatsValue packs
// [anchor(32)][txcount(8)][fundedcount(8)][spentcount(8)][fundedsum(8)][spentsum(8)].
func EncodeStatsValue(v StatsValue) []byte {
	buf := make([]byte, chain.Hash256Size+8*5)
	off := 0
	copy(buf[off:], v.Anchor[:])
	off += chain.Hash256Size
	binary.BigEndian.PutUint64(buf[off:], v.TxCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], v.FundedTxoCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], v.SpentTxoCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], v.FundedTxoSum)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], v.SpentTxoSum)
	return buf
}

// DecodeStatsValue reverses EncodeStatsValue.
func DecodeStatsValue(b []byte) (StatsValue, error) {
	var v StatsValue
	want := chain.Hash256Size + 8*5
	if len(b) != want {
		return v, fmt.Errorf("invalid stats value length: have %d want %d", len(b), want)
	}
	off := 0
	copy(v.Anchor[:], b[off:])
	off += chain.Hash256Size
	v.TxCount = binary.BigEndian.Uint64(b[off:])
	off += 8
	v.FundedTxoCount = binary.BigEndian.Uint64(b[off:])
	off += 8
	v.SpentTxoCount = binary.BigEndian.Uint64(b[off:])
	off += 8
	v.FundedTxoSum = binary.BigEndian.Uint64(b[off:])
	off += 8
	v.SpentTxoSum = binary.BigEndian.Uint64(b[off:])
	return v, nil
}

// Balance returns the script's current confirmed balance: funded minus
// spent. Callers add any unconfirmed delta from the mempool on top.
func (v StatsValue) Balance() int64 {
	return int64(v.FundedTxoSum) - int64(v.SpentTxoSum)
}

func appendVarUint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readVarUint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed varuint")
	}
	return v, n, nil
}
