package chain

import (
	"github.com/btcsuite/btcd/txscript"
)

// OpColor is Tapyrus's colored-coin opcode. A colored output script is an
// ordinary scriptPubKey with "OP_COLOR <33-byte ColorId>" appended; the
// uncolored script beneath it is recovered by stripping the suffix.
const OpColor = 0xbc

// SplitColoredScript inspects script for a trailing OP_COLOR <colorid>
// suffix. If present it returns the ColorId and the underlying uncolored
// script with the suffix removed; ok is false for a plain, uncolored
// script.
func SplitColoredScript(script []byte) (colorID ColorId, uncolored []byte, ok bool) {
	n := len(script)
	if n < ColorIdSize+2 {
		return ColorId{}, script, false
	}
	if script[n-ColorIdSize-1] != OpColor {
		return ColorId{}, script, false
	}
	copy(colorID[:], script[n-ColorIdSize:])
	return colorID, script[:n-ColorIdSize-1], true
}

// ColorIdFromScriptPubKey derives the reissuable ColorId for a colored-coin
// issuance whose output pays to scriptPubKey, per ColorTypeReissuable.
func ColorIdFromScriptPubKey(scriptPubKey []byte) ColorId {
	var c ColorId
	c[0] = byte(ColorTypeReissuable)
	h := NewScriptHash(scriptPubKey)
	copy(c[1:], h[:])
	return c
}

// ColorIdFromOutPoint derives the ColorId for a non-reissuable (typ ==
// ColorTypeNonReissuable) or NFT (typ == ColorTypeNFT) issuance anchored to
// the outpoint being spent to create it.
func ColorIdFromOutPoint(typ ColorType, op OutPoint) ColorId {
	var c ColorId
	c[0] = byte(typ)
	buf := make([]byte, 0, Hash256Size+4)
	buf = append(buf, op.Hash[:]...)
	buf = append(buf, byte(op.Vout), byte(op.Vout>>8), byte(op.Vout>>16), byte(op.Vout>>24))
	h := NewScriptHash(buf)
	copy(c[1:], h[:])
	return c
}

// IsUnspendable reports whether script can never be spent: it starts with
// OP_RETURN, the provably-unspendable data-carrier opcode. The Row Builder
// uses this to decide whether an output needs a UTXO record at all when
// --index-unspendables is off.
func IsUnspendable(script []byte) bool {
	return len(script) > 0 && script[0] == txscript.OP_RETURN
}
