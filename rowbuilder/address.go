package rowbuilder

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/store"
)

// BuildAddressRows builds the optional address->scripthash rows backing
// /address-prefix search (spec.md §4.4's `a{address}` rows). It is run
// alongside BuildPhase1, on the transaction alone: an output's address
// (once its OP_COLOR wrapper, if any, is unwrapped) is a pure function of
// its script and the active chain params, needing no previous-output
// lookup the way phase 2's history rows do.
func BuildAddressRows(tx *wire.MsgTx, params *chain.Params) (keys, values [][]byte) {
	seen := make(map[string]struct{})
	for _, out := range tx.TxOut {
		_, uncoloredScript, colored := chain.SplitColoredScript(out.PkScript)
		script := out.PkScript
		if colored {
			script = uncoloredScript
		}
		address, ok := chain.AddressFromScript(script, params)
		if !ok {
			continue
		}
		scriptHash := chain.NewScriptHash(script)
		dedupKey := address + string(scriptHash[:])
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}
		keys = append(keys, store.AddressPrefixKey(address, scriptHash))
		values = append(values, []byte{})
	}
	return keys, values
}
