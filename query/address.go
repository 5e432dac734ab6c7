package query

import (
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// addressPrefixSearchLimit caps how many matches AddressPrefixSearch
// returns, per spec.md §4.8's "scans a{prefix} for up to 10 hits".
const addressPrefixSearchLimit = 10

// AddressMatch is one hit from an address-prefix search: the full address
// and the scripthash it pays, ready to feed into GetBalances/ListUnspent.
type AddressMatch struct {
	Address    string
	ScriptHash chain.ScriptHash
}

// AddressPrefixSearch scans the address-search row family (indexer.Config's
// AddressSearch must be enabled for any rows to exist) for addresses
// starting with prefix, backing GET /address-prefix/:prefix.
func (q *Service) AddressPrefixSearch(prefix string) ([]AddressMatch, error) {
	it, err := q.st.RangeIterator(store.FamilyHistory, store.AddressPrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var out []AddressMatch
	seen := make(map[string]struct{})
	for it.Next() && len(out) < addressPrefixSearchLimit {
		address, scriptHash, err := store.DecodeAddressPrefixKey(it.Key())
		if err != nil {
			return nil, errkind.Corruptionf("decode address prefix key: %v", err)
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, AddressMatch{Address: address, ScriptHash: scriptHash})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
