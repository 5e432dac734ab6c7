// Package chain defines the primitive types shared by every component of
// the indexer: hashes, script hashes, colored-coin identifiers, outpoints
// and the handful of Tapyrus wire structures the indexer needs to decode.
package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash256Size is the size in bytes of a Hash256.
const Hash256Size = chainhash.HashSize

// Hash256 is 32 opaque bytes compared in on-wire (lexicographic) order. It
// is used for block hashes, txids and raw 32-byte digests alike.
type Hash256 = chainhash.Hash

// ColorIdSize is the size in bytes of a ColorId.
const ColorIdSize = 33

// ColorId identifies a colored-coin class. The all-zero value denotes the
// native, uncolored token.
type ColorId [ColorIdSize]byte

// ColorType is the first byte of a ColorId, selecting how the remaining 32
// bytes were derived.
type ColorType byte

const (
	ColorTypeNone        ColorType = 0x00 // native token, reserved all-zero ColorId
	ColorTypeReissuable  ColorType = 0xc1 // hash of the issuing scriptPubKey
	ColorTypeNonReissuable ColorType = 0xc2 // hash of the issuing outpoint
	ColorTypeNFT         ColorType = 0xc3 // hash of the issuing outpoint, non-fungible
)

// Uncolored is the reserved ColorId meaning "native token".
var Uncolored ColorId

// IsUncolored reports whether c is the reserved native-token identifier.
func (c ColorId) IsUncolored() bool {
	return c == Uncolored
}

// Type returns the color type tag encoded in c.
func (c ColorId) Type() ColorType {
	return ColorType(c[0])
}

// Bytes returns a copy of the raw 33 bytes.
func (c ColorId) Bytes() []byte {
	b := make([]byte, ColorIdSize)
	copy(b, c[:])
	return b
}

func (c ColorId) String() string {
	return hex.EncodeToString(c[:])
}

// ColorIdFromBytes parses a 33-byte slice into a ColorId.
func ColorIdFromBytes(b []byte) (ColorId, error) {
	var c ColorId
	if len(b) != ColorIdSize {
		return c, fmt.Errorf("invalid color id length: %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

// ScriptHash is the Hash256 of a script's full serialized bytes, used as a
// stable identifier for an output script in lieu of an address.
type ScriptHash = Hash256

// NewScriptHash hashes script with SHA-256 (not double-SHA256, matching the
// Electrum scripthash convention: single SHA256, reversed for display).
func NewScriptHash(script []byte) ScriptHash {
	return chainhash.HashH(script)
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	Hash Hash256
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash.String(), o.Vout)
}

// Height is a block height in the best chain at the moment of indexing; it
// may become invalid across a reorg.
type Height = uint32

// Amount is a value in minimal on-chain units.
type Amount = uint64
