package rpcnode

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/chaintope/esplora-tapyrus/chain"
)

// BestBlockHash returns the daemon's current best block hash.
func (c *Client) BestBlockHash(ctx context.Context) (chain.Hash256, error) {
	var h string
	if err := c.call(ctx, "getbestblockhash", nil, &h); err != nil {
		return chain.Hash256{}, err
	}
	return hashFromHex(h)
}

// BlockHeader fetches the raw (non-verbose) header bytes for hash, hex
// decoded and ready for chain.DecodeBlockHeaderBytes.
func (c *Client) BlockHeader(ctx context.Context, hash chain.Hash256) ([]byte, error) {
	var h string
	params := []any{reverseHex(hash), false}
	if err := c.call(ctx, "getblockheader", params, &h); err != nil {
		return nil, err
	}
	return hex.DecodeString(h)
}

// Block fetches the raw serialized block for hash.
func (c *Client) Block(ctx context.Context, hash chain.Hash256) ([]byte, error) {
	var h string
	params := []any{reverseHex(hash), 0}
	if err := c.call(ctx, "getblock", params, &h); err != nil {
		return nil, err
	}
	return hex.DecodeString(h)
}

// BlockHashByHeight resolves a height to the best chain's block hash at
// that height.
func (c *Client) BlockHashByHeight(ctx context.Context, height chain.Height) (chain.Hash256, error) {
	var h string
	if err := c.call(ctx, "getblockhash", []any{height}, &h); err != nil {
		return chain.Hash256{}, err
	}
	return hashFromHex(h)
}

// RawMempool returns every txid currently in the daemon's mempool.
func (c *Client) RawMempool(ctx context.Context) ([]chain.Hash256, error) {
	var hexes []string
	if err := c.call(ctx, "getrawmempool", []any{false}, &hexes); err != nil {
		return nil, err
	}
	hashes := make([]chain.Hash256, 0, len(hexes))
	for _, h := range hexes {
		hash, err := hashFromHex(h)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// MempoolEntryFees is the fee-relevant subset of a getmempoolentry result.
type MempoolEntryFees struct {
	VSize   uint64  `json:"vsize"`
	FeeSat  float64 `json:"fee"`
	Depends []string `json:"depends"`
}

// MempoolEntry fetches a single mempool entry's details, used by the
// mempool package when computing a transaction's effective fee rate.
func (c *Client) MempoolEntry(ctx context.Context, txid chain.Hash256) (*MempoolEntryFees, error) {
	var entry MempoolEntryFees
	if err := c.call(ctx, "getmempoolentry", []any{reverseHex(txid)}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RawTransaction fetches a transaction's raw serialized bytes by txid,
// whether confirmed or in the mempool, the way spec.md's /tx/:txid/raw
// endpoint needs for a cache miss.
func (c *Client) RawTransaction(ctx context.Context, txid chain.Hash256) ([]byte, error) {
	var h string
	if err := c.call(ctx, "getrawtransaction", []any{reverseHex(txid), false}, &h); err != nil {
		return nil, err
	}
	return hex.DecodeString(h)
}

// BroadcastRawTx submits a raw transaction for relay and returns the
// resulting txid.
func (c *Client) BroadcastRawTx(ctx context.Context, raw []byte) (chain.Hash256, error) {
	var h string
	if err := c.call(ctx, "sendrawtransaction", []any{hex.EncodeToString(raw)}, &h); err != nil {
		return chain.Hash256{}, err
	}
	return hashFromHex(h)
}

// EstimateFee estimates a fee rate, in satoshi-equivalent units per
// kilobyte, that should confirm within confTarget blocks.
func (c *Client) EstimateFee(ctx context.Context, confTarget int) (float64, error) {
	var result struct {
		FeeRate float64 `json:"feerate"`
	}
	if err := c.call(ctx, "estimatesmartfee", []any{confTarget}, &result); err != nil {
		return 0, err
	}
	return result.FeeRate, nil
}

// BlockCount returns the daemon's current chain height.
func (c *Client) BlockCount(ctx context.Context) (chain.Height, error) {
	var height chain.Height
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func hashFromHex(h string) (chain.Hash256, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return chain.Hash256{}, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != chain.Hash256Size {
		return chain.Hash256{}, fmt.Errorf("invalid hash length: %d", len(b))
	}
	var hash chain.Hash256
	// Bitcoin-family RPC hashes are big-endian display order; reverse to
	// the little-endian internal order chain.Hash256 is compared in.
	for i := 0; i < chain.Hash256Size; i++ {
		hash[i] = b[chain.Hash256Size-1-i]
	}
	return hash, nil
}

func reverseHex(h chain.Hash256) string {
	var rev chain.Hash256
	for i := 0; i < chain.Hash256Size; i++ {
		rev[i] = h[chain.Hash256Size-1-i]
	}
	return hex.EncodeToString(rev[:])
}
