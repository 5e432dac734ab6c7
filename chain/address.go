package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// addrParams adapts Params to the *chaincfg.Params btcutil's base58check
// address encoding expects, letting this package reuse that encoding
// instead of hand-rolling it.
func addrParams(p *Params) *chaincfg.Params {
	return &chaincfg.Params{
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
	}
}

// AddressFromScript decodes a standard P2PKH or P2SH output script into its
// base58check address under params. Any other script template -- multisig,
// OP_RETURN, a bare colored script -- returns ok=false; address-prefix
// search (spec.md §4.4's optional `a{address}` rows) only ever indexes the
// two standard templates, the same restriction Tapyrus's own wallet address
// space has.
func AddressFromScript(script []byte, params *Params) (string, bool) {
	switch {
	case len(script) == 25 && script[0] == 0x76 && script[1] == 0xa9 && script[2] == 0x14 &&
		script[23] == 0x88 && script[24] == 0xac:
		addr, err := btcutil.NewAddressPubKeyHash(script[3:23], addrParams(params))
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true
	case len(script) == 23 && script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87:
		addr, err := btcutil.NewAddressScriptHashFromHash(script[2:22], addrParams(params))
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true
	default:
		return "", false
	}
}

// ScriptFromAddress is AddressFromScript's inverse: it decodes a
// base58check address back into the standard P2PKH or P2SH output script
// it was minted from, the lookup GET /address/:addr needs before it can
// consult store.NewScriptHash-keyed history rows.
func ScriptFromAddress(addr string, params *Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, addrParams(params))
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		script := make([]byte, 25)
		script[0], script[1], script[2] = 0x76, 0xa9, 0x14
		copy(script[3:23], a.Hash160()[:])
		script[23], script[24] = 0x88, 0xac
		return script, nil
	case *btcutil.AddressScriptHash:
		script := make([]byte, 23)
		script[0], script[1] = 0xa9, 0x14
		copy(script[2:22], a.Hash160()[:])
		script[22] = 0x87
		return script, nil
	default:
		return nil, fmt.Errorf("unsupported address type %T", decoded)
	}
}
