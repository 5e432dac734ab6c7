package store

import (
	"encoding/binary"
	"fmt"

	"github.com/chaintope/esplora-tapyrus/chain"
)

// Keys in every family below are built so that lexicographic byte order
// equals the application's natural order -- almost always "ascending
// height" -- the same trick database/tbcd/level.heightHashToKey plays:
// a fixed-width big-endian height prefix sorts correctly as bytes, which a
// little-endian or varint encoding would not.

const heightHashKeySize = 4 + chain.Hash256Size

// EncodeHeightHash packs a height and hash into a key that sorts by
// ascending height, tie-broken by hash. Used as the txstore key for block
// metadata rows and as a component of history keys.
func EncodeHeightHash(height chain.Height, hash chain.Hash256) []byte {
	key := make([]byte, heightHashKeySize)
	binary.BigEndian.PutUint32(key[0:4], height)
	copy(key[4:], hash[:])
	return key
}

// DecodeHeightHash reverses EncodeHeightHash.
func DecodeHeightHash(key []byte) (chain.Height, chain.Hash256, error) {
	var hash chain.Hash256
	if len(key) != heightHashKeySize {
		return 0, hash, fmt.Errorf("invalid height-hash key length: %d", len(key))
	}
	height := binary.BigEndian.Uint32(key[0:4])
	copy(hash[:], key[4:])
	return height, hash, nil
}

// DecodeHeightHashPrefix reads the leading height+hash out of a byte slice
// that may carry trailing bytes beyond it -- history row keys append a
// 2-byte in/out-index disambiguator after their height+hash component (see
// rowbuilder.historyKey), which callers that only care about height and
// txid, not disambiguating a transaction's own in/out index, can ignore.
func DecodeHeightHashPrefix(key []byte) (chain.Height, chain.Hash256, error) {
	var hash chain.Hash256
	if len(key) < heightHashKeySize {
		return 0, hash, fmt.Errorf("truncated height-hash key: %d bytes", len(key))
	}
	height := binary.BigEndian.Uint32(key[0:4])
	copy(hash[:], key[4:heightHashKeySize])
	return height, hash, nil
}

// --- txstore keys (Family: FamilyTxStore) ---
//
// TxRowKey -> TxRow (confirming height, block hash, index within the block)
// UTXORowKey -> UTXORow (height, amount, color id, script) for every
// output, spent or not; spends are recorded separately under SpendEdgeKey.

const (
	prefixTxRow     byte = 0x01
	prefixUTXORow   byte = 0x02
	prefixSpendEdge byte = 0x03
	prefixBlockRow  byte = 0x04
)

// BlockRowKey is the txstore key for a block's metadata row: header bytes,
// its ordered txid list, and the "done" marker the Indexer checks before
// trusting a block's rows as complete.
func BlockRowKey(blockHash chain.Hash256) []byte {
	key := make([]byte, 1+chain.Hash256Size)
	key[0] = prefixBlockRow
	copy(key[1:], blockHash[:])
	return key
}

// TxRowKey is the txstore key for a transaction's confirmation record.
func TxRowKey(txid chain.Hash256) []byte {
	key := make([]byte, 1+chain.Hash256Size)
	key[0] = prefixTxRow
	copy(key[1:], txid[:])
	return key
}

// UTXORowKey is the txstore key for an output's UTXO record. outpoints
// sort by txid then vout, which is only ever looked up by exact key, so no
// particular sort order is required here beyond uniqueness.
//
// UTXORow entries are never deleted when an output is spent -- they are
// the canonical record of what a transaction's output was, needed to
// answer /tx/:txid/outs/:n queries long after the coins moved. Whether an
// output is still unspent is instead answered by probing SpendEdgeKey, the
// same "edge" indirection the original indexer uses, which avoids a
// delete-then-maybe-reinsert dance across reorgs.
func UTXORowKey(op chain.OutPoint) []byte {
	key := make([]byte, 1+chain.Hash256Size+4)
	key[0] = prefixUTXORow
	copy(key[1:], op.Hash[:])
	binary.BigEndian.PutUint32(key[1+chain.Hash256Size:], op.Vout)
	return key
}

// SpendEdgeKey is the txstore key recording that outpoint op was spent.
// Its mere presence answers "is this output spent"; its value names the
// spending transaction for /tx/:txid/outs/:n/spend-style queries.
func SpendEdgeKey(op chain.OutPoint) []byte {
	key := make([]byte, 1+chain.Hash256Size+4)
	key[0] = prefixSpendEdge
	copy(key[1:], op.Hash[:])
	binary.BigEndian.PutUint32(key[1+chain.Hash256Size:], op.Vout)
	return key
}

// --- history keys (Family: FamilyHistory) ---
//
// One row per (scripthash, height, txid) touch and, for colored outputs,
// one extra row per (scripthash, colorid, height, txid). Prefixing by
// scripthash means a range scan with util.BytesPrefix(HistoryPrefix(sh))
// yields a scripthash's full history in ascending height order directly
// off the LSM tree, with no secondary sort needed by the Query Layer.

const (
	prefixHistoryByScript      byte = 0x10
	prefixHistoryByScriptColor byte = 0x11
)

// HistoryKey builds a native-token history row key.
func HistoryKey(scriptHash chain.ScriptHash, height chain.Height, txid chain.Hash256) []byte {
	key := make([]byte, 1+chain.Hash256Size+heightHashKeySize)
	key[0] = prefixHistoryByScript
	copy(key[1:], scriptHash[:])
	copy(key[1+chain.Hash256Size:], EncodeHeightHash(height, txid))
	return key
}

// HistoryPrefix returns the scan prefix covering a scripthash's entire
// native-token history.
func HistoryPrefix(scriptHash chain.ScriptHash) []byte {
	key := make([]byte, 1+chain.Hash256Size)
	key[0] = prefixHistoryByScript
	copy(key[1:], scriptHash[:])
	return key
}

// ColoredHistoryKey builds a colored-coin history row key.
func ColoredHistoryKey(scriptHash chain.ScriptHash, colorID chain.ColorId, height chain.Height, txid chain.Hash256) []byte {
	key := make([]byte, 1+chain.Hash256Size+chain.ColorIdSize+heightHashKeySize)
	off := 0
	key[off] = prefixHistoryByScriptColor
	off++
	copy(key[off:], scriptHash[:])
	off += chain.Hash256Size
	copy(key[off:], colorID[:])
	off += chain.ColorIdSize
	copy(key[off:], EncodeHeightHash(height, txid))
	return key
}

// ColoredHistoryScriptPrefix returns the scan prefix covering a scripthash's
// history across every color it has ever touched -- used by the Query
// Layer's colored-coin balance breakdown, which must first discover which
// color ids a scripthash even has before scanning each one individually.
func ColoredHistoryScriptPrefix(scriptHash chain.ScriptHash) []byte {
	key := make([]byte, 1+chain.Hash256Size)
	key[0] = prefixHistoryByScriptColor
	copy(key[1:], scriptHash[:])
	return key
}

// DecodeColoredHistoryKey reverses ColoredHistoryKey, tolerating the
// trailing in/out-index disambiguator rowbuilder.historyKey appends (see
// DecodeHeightHashPrefix).
func DecodeColoredHistoryKey(key []byte) (chain.ColorId, chain.Height, chain.Hash256, error) {
	var colorID chain.ColorId
	want := 1 + chain.Hash256Size + chain.ColorIdSize + heightHashKeySize
	if len(key) < want || key[0] != prefixHistoryByScriptColor {
		return colorID, 0, chain.Hash256{}, fmt.Errorf("invalid colored history key")
	}
	off := 1 + chain.Hash256Size
	copy(colorID[:], key[off:off+chain.ColorIdSize])
	off += chain.ColorIdSize
	height, txid, err := DecodeHeightHashPrefix(key[off:])
	if err != nil {
		return colorID, 0, chain.Hash256{}, err
	}
	return colorID, height, txid, nil
}

// ColoredHistoryPrefix returns the scan prefix covering a scripthash's
// history in a single color.
func ColoredHistoryPrefix(scriptHash chain.ScriptHash, colorID chain.ColorId) []byte {
	key := make([]byte, 1+chain.Hash256Size+chain.ColorIdSize)
	off := 0
	key[off] = prefixHistoryByScriptColor
	off++
	copy(key[off:], scriptHash[:])
	off += chain.Hash256Size
	copy(key[off:], colorID[:])
	return key
}

// --- color ledger keys (Family: FamilyHistory) ---
//
// A color's issuance/transfer/burn activity feed, independent of any one
// scripthash: who issued how much, who transferred how much, who burned
// how much, in confirmation order. This answers an asset explorer page
// ("/asset/:color_id/history") the way ColoredHistoryKey answers "this
// address's activity in this color" -- both are derived from the same
// underlying colored_tx_history computation, just indexed differently.

const prefixColorLedger byte = 0x12

// ColorLedgerKey builds a color ledger row key.
func ColorLedgerKey(colorID chain.ColorId, height chain.Height, txid chain.Hash256) []byte {
	key := make([]byte, 1+chain.ColorIdSize+heightHashKeySize)
	off := 0
	key[off] = prefixColorLedger
	off++
	copy(key[off:], colorID[:])
	off += chain.ColorIdSize
	copy(key[off:], EncodeHeightHash(height, txid))
	return key
}

// ColorLedgerPrefix returns the scan prefix covering a color's full ledger.
func ColorLedgerPrefix(colorID chain.ColorId) []byte {
	key := make([]byte, 1+chain.ColorIdSize)
	key[0] = prefixColorLedger
	copy(key[1:], colorID[:])
	return key
}

// AllColorLedgerPrefix returns the scan prefix covering every color's
// ledger, letting a caller discover the full set of colors ever seen by
// iterating the whole family and pulling colorID out of each key.
func AllColorLedgerPrefix() []byte {
	return []byte{prefixColorLedger}
}

// DecodeColorLedgerKey reverses ColorLedgerKey, tolerant of rowbuilder's
// trailing disambiguator byte via DecodeHeightHashPrefix.
func DecodeColorLedgerKey(key []byte) (chain.ColorId, chain.Height, chain.Hash256, error) {
	var colorID chain.ColorId
	want := 1 + chain.ColorIdSize + heightHashKeySize
	if len(key) < want || key[0] != prefixColorLedger {
		return colorID, 0, chain.Hash256{}, fmt.Errorf("invalid color ledger key")
	}
	off := 1
	copy(colorID[:], key[off:off+chain.ColorIdSize])
	off += chain.ColorIdSize
	height, txid, err := DecodeHeightHashPrefix(key[off:])
	if err != nil {
		return colorID, 0, chain.Hash256{}, err
	}
	return colorID, height, txid, nil
}

// --- address-prefix keys (Family: FamilyHistory) ---
//
// Optional rows (gated by indexer.Config.AddressSearch) mapping a standard
// P2PKH/P2SH address's own string bytes back to the scripthash its outputs
// actually index under. Keying by the address string itself (rather than,
// say, its hash) is what lets a simple LevelDB prefix scan answer a
// "starts-with" address-prefix search directly, the same way HistoryKey's
// scripthash prefix answers a full-history scan.

const prefixAddress byte = 0x13

// AddressPrefixKey builds the row key recording that address resolves to
// scriptHash.
func AddressPrefixKey(address string, scriptHash chain.ScriptHash) []byte {
	key := make([]byte, 1+len(address)+chain.Hash256Size)
	key[0] = prefixAddress
	off := 1
	copy(key[off:], address)
	off += len(address)
	copy(key[off:], scriptHash[:])
	return key
}

// AddressPrefix returns the scan prefix for every address beginning with
// prefix.
func AddressPrefix(prefix string) []byte {
	key := make([]byte, 1+len(prefix))
	key[0] = prefixAddress
	copy(key[1:], prefix)
	return key
}

// DecodeAddressPrefixKey reverses AddressPrefixKey.
func DecodeAddressPrefixKey(key []byte) (string, chain.ScriptHash, error) {
	var scriptHash chain.ScriptHash
	if len(key) < 1+chain.Hash256Size || key[0] != prefixAddress {
		return "", scriptHash, fmt.Errorf("invalid address-prefix key")
	}
	addrLen := len(key) - 1 - chain.Hash256Size
	address := string(key[1 : 1+addrLen])
	copy(scriptHash[:], key[1+addrLen:])
	return address, scriptHash, nil
}

// --- cache family keys (Family: FamilyCache) ---
//
// Persisted half of the aggregation cache: per-(scripthash[,colorid])
// running totals, invalidated wholesale on reorg by checking the stored
// anchor blockhash against the current tip.

const (
	prefixStatsByScript      byte = 0x20
	prefixStatsByScriptColor byte = 0x21
)

func StatsKey(scriptHash chain.ScriptHash) []byte {
	key := make([]byte, 1+chain.Hash256Size)
	key[0] = prefixStatsByScript
	copy(key[1:], scriptHash[:])
	return key
}

func ColoredStatsKey(scriptHash chain.ScriptHash, colorID chain.ColorId) []byte {
	key := make([]byte, 1+chain.Hash256Size+chain.ColorIdSize)
	key[0] = prefixStatsByScriptColor
	copy(key[1:], scriptHash[:])
	copy(key[1+chain.Hash256Size:], colorID[:])
	return key
}
