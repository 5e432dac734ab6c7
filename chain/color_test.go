package chain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
)

func TestSplitColoredScript(t *testing.T) {
	colorID := ColorIdFromScriptPubKey([]byte{0x51})

	plain, err := txscript.NewScriptBuilder().AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).Script()
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	colored := append(append([]byte{}, plain...), OpColor)
	colored = append(colored, colorID[:]...)

	gotID, gotScript, ok := SplitColoredScript(colored)
	if !ok {
		t.Fatal("expected colored script to be recognized")
	}
	if gotID != colorID {
		t.Fatalf("color id mismatch: %x != %x", gotID, colorID)
	}
	if !bytes.Equal(gotScript, plain) {
		t.Fatalf("uncolored script mismatch: %x != %x", gotScript, plain)
	}

	if _, _, ok := SplitColoredScript(plain); ok {
		t.Fatal("plain script should not be recognized as colored")
	}
}

func TestColorIdFromOutPointDiffersByType(t *testing.T) {
	op := OutPoint{Vout: 0}
	nonReissuable := ColorIdFromOutPoint(ColorTypeNonReissuable, op)
	nft := ColorIdFromOutPoint(ColorTypeNFT, op)
	if nonReissuable == nft {
		t.Fatal("color ids for distinct types must differ")
	}
}

func TestIsUnspendable(t *testing.T) {
	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData([]byte("x")).Script()
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	if !IsUnspendable(opReturn) {
		t.Fatal("OP_RETURN script should be unspendable")
	}
	p2pkh, err := txscript.NewScriptBuilder().AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).Script()
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	if IsUnspendable(p2pkh) {
		t.Fatal("p2pkh-style script should be spendable")
	}
}
