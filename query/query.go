// Package query fuses store.Store range scans, aggcache.Cache totals, and
// mempool.Mempool snapshots into the read-only primitives spec.md §4.8
// calls out: a ranged scan of history, point gets on txstore to hydrate
// user-visible transactions, and a merge with the mempool. Grounded on
// service/tbc/api.go / rpc.go's handler shape (take a request, hit one or
// more store/indexer accessors, return a DTO) -- generalized here from
// websocket-RPC handlers to plain Go methods callable by both the Electrum
// and REST transports.
package query

import (
	"context"

	"github.com/chaintope/esplora-tapyrus/aggcache"
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/mempool"
	"github.com/chaintope/esplora-tapyrus/store"
)

// NodeClient is the subset of rpcnode.Client the Query Layer needs for
// operations the store alone can't answer. The schema never persists raw
// transaction bytes -- store.TxRow only carries the confirmation record
// (height, block hash, index) -- so hydrating any transaction, confirmed or
// not, always means an RPC round trip.
type NodeClient interface {
	RawTransaction(ctx context.Context, txid chain.Hash256) ([]byte, error)
	BroadcastRawTx(ctx context.Context, raw []byte) (chain.Hash256, error)
	EstimateFee(ctx context.Context, confTarget int) (float64, error)
	BlockHashByHeight(ctx context.Context, height chain.Height) (chain.Hash256, error)
	BlockCount(ctx context.Context) (chain.Height, error)
}

// Service answers every read query (and the one write, broadcast) the
// Electrum and REST transports need.
type Service struct {
	st     *store.Store
	cache  *aggcache.Cache
	mp     *mempool.Mempool
	node   NodeClient
	params *chain.Params
}

// New builds a Service over the given components.
func New(st *store.Store, cache *aggcache.Cache, mp *mempool.Mempool, node NodeClient, params *chain.Params) *Service {
	return &Service{st: st, cache: cache, mp: mp, node: node, params: params}
}

// Tip returns the current best block's hash and height.
func (q *Service) Tip() (chain.Hash256, chain.Height, error) {
	tip, ok, err := q.st.Tip()
	if err != nil {
		return chain.Hash256{}, 0, err
	}
	if !ok {
		return chain.Hash256{}, 0, errkind.Consistencyf("query: no tip yet")
	}
	row, err := q.blockRow(tip)
	if err != nil {
		return chain.Hash256{}, 0, err
	}
	return tip, row.Height, nil
}

// BlockHeader returns a confirmed block's raw header bytes.
func (q *Service) BlockHeader(hash chain.Hash256) ([]byte, error) {
	row, err := q.blockRow(hash)
	if err != nil {
		return nil, err
	}
	return row.Header, nil
}

// BlockTxIDs returns a confirmed block's ordered txid list, the basis for
// merkle proofs and /block/:hash/txids.
func (q *Service) BlockTxIDs(hash chain.Hash256) ([]chain.Hash256, error) {
	row, err := q.blockRow(hash)
	if err != nil {
		return nil, err
	}
	return row.TxIDs, nil
}

func (q *Service) blockRow(hash chain.Hash256) (store.BlockRow, error) {
	v, err := q.st.Get(store.FamilyTxStore, store.BlockRowKey(hash))
	if err != nil {
		return store.BlockRow{}, err
	}
	row, err := store.DecodeBlockRow(v)
	if err != nil {
		return store.BlockRow{}, errkind.Corruptionf("decode block row: %v", err)
	}
	return row, nil
}

// EstimateFee proxies the node's fee estimator, backing
// blockchain.estimatefee and /fee-estimates.
func (q *Service) EstimateFee(ctx context.Context, confTarget int) (float64, error) {
	return q.node.EstimateFee(ctx, confTarget)
}

// RelayFee proxies the node's one-block fee estimate as a stand-in for the
// node's minimum relay fee, backing blockchain.relayfee -- Tapyrus nodes
// expose no separate relay-fee RPC, so the cheapest confirmation target is
// the closest available floor.
func (q *Service) RelayFee(ctx context.Context) (float64, error) {
	return q.node.EstimateFee(ctx, 1)
}

// BlockHashByHeight proxies the node's height index, backing
// /block-height/:h.
func (q *Service) BlockHashByHeight(ctx context.Context, height chain.Height) (chain.Hash256, error) {
	return q.node.BlockHashByHeight(ctx, height)
}

// BlockCount proxies the node's chain height, backing /blocks/tip/height.
func (q *Service) BlockCount(ctx context.Context) (chain.Height, error) {
	return q.node.BlockCount(ctx)
}

// Broadcast relays a raw transaction to the node, backing
// blockchain.transaction.broadcast and POST /tx.
func (q *Service) Broadcast(ctx context.Context, raw []byte) (chain.Hash256, error) {
	return q.node.BroadcastRawTx(ctx, raw)
}

// MempoolFeeEstimates proxies the replica's own bucketed fee table, backing
// /fee-estimates' mempool-derived confirmation-target rows.
func (q *Service) MempoolFeeEstimates() []mempool.FeeEstimate {
	return q.mp.EstimateFees()
}
