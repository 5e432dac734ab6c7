package chain

import "fmt"

// NetworkID is Tapyrus's notion of a network: unlike Bitcoin, a Tapyrus
// network is not a fixed set of magic bytes but an arbitrary uint32 chosen
// by whoever stands up the federation; the genesis block itself encodes it.
// A handful of well-known IDs are used by the public testnet and the local
// dev chain most tooling runs against.
type NetworkID uint32

const (
	NetworkProd    NetworkID = 1
	NetworkDev     NetworkID = 1905960821
	NetworkRegtest NetworkID = 1
)

// Params mirrors btcsuite/btcd/chaincfg.Params for a Tapyrus network: it is
// deliberately modeled on that type (same field names and role) so the
// rest of the indexer can pass it to btcd helpers (txscript, btcutil
// address encoding) unchanged, even though Tapyrus headers decode
// differently from the chaincfg.Params normally paired with those helpers.
type Params struct {
	Name      string
	Net       NetworkID
	DefaultPort string

	GenesisHash   Hash256
	GenesisHeight uint32

	// Magic is the 4-byte frame marker raw block files use to delimit
	// blocks, the little-endian encoding of Net -- the same relationship
	// bitcoind's chainparams.cpp has between pchMessageStart and nMagic.
	Magic [4]byte

	// PubKeyHashAddrID and ScriptHashAddrID are the version bytes used
	// by base58check addresses on this network, reused verbatim from
	// bitcoin conventions since Tapyrus kept them.
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
}

var (
	ProdParams = Params{
		Name:             "prod",
		Net:              NetworkProd,
		DefaultPort:      "2357",
		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		Magic:            magicOf(NetworkProd),
	}

	DevParams = Params{
		Name:             "dev",
		Net:              NetworkDev,
		DefaultPort:      "12383",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,
		Magic:            magicOf(NetworkDev),
	}

	RegtestParams = Params{
		Name:             "regtest",
		Net:              NetworkRegtest,
		DefaultPort:      "12381",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,
		Magic:            magicOf(NetworkRegtest),
	}
)

func magicOf(net NetworkID) [4]byte {
	return [4]byte{byte(net), byte(net >> 8), byte(net >> 16), byte(net >> 24)}
}

// ParamsByName resolves the CLI-facing network name (--network-id) to its
// Params, the way spec.md's configuration surface expects.
func ParamsByName(name string) (*Params, error) {
	switch name {
	case "prod":
		return &ProdParams, nil
	case "dev":
		return &DevParams, nil
	case "regtest":
		return &RegtestParams, nil
	default:
		return nil, fmt.Errorf("unknown network id %q", name)
	}
}
