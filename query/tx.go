package query

import (
	"bytes"
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// Transaction is a hydrated, user-visible transaction. The store schema
// never persists raw transaction bytes -- store.TxRow only carries the
// confirmation record -- so hydration always round-trips to the node for
// the raw bytes, confirmed or not; only a mempool hit avoids the round
// trip, since the replica already holds the decoded copy.
type Transaction struct {
	Txid      chain.Hash256
	Tx        *wire.MsgTx
	Raw       []byte
	Confirmed bool
	Height    chain.Height
	BlockHash chain.Hash256
	TxIndex   uint32
}

// GetTransaction hydrates txid, preferring the mempool's already-decoded
// copy and falling back to the confirmed txstore's confirmation record plus
// an RPC fetch of the raw bytes.
func (q *Service) GetTransaction(ctx context.Context, txid chain.Hash256) (*Transaction, error) {
	if e, ok := q.mp.Snapshot().Get(txid); ok {
		return &Transaction{Txid: txid, Tx: e.Tx, Raw: e.Raw}, nil
	}

	v, err := q.st.Get(store.FamilyTxStore, store.TxRowKey(txid))
	if err != nil {
		return nil, err
	}
	row, err := store.DecodeTxRow(v)
	if err != nil {
		return nil, errkind.Corruptionf("decode tx row: %v", err)
	}

	raw, err := q.node.RawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errkind.Protocolf("decode confirmed tx %v: %v", txid, err)
	}

	return &Transaction{
		Txid:      txid,
		Tx:        tx,
		Raw:       raw,
		Confirmed: true,
		Height:    row.Height,
		BlockHash: row.BlockHash,
		TxIndex:   row.TxIndex,
	}, nil
}

// Outspend answers whether a single output has been spent, per
// /tx/:txid/outspend/:vout.
type Outspend struct {
	Spent        bool
	SpendingTxid chain.Hash256
	Vin          uint32
	Height       chain.Height // 0 for a mempool spend
	Confirmed    bool
}

// Outspend checks op's confirmed SpendEdgeKey first, then the mempool
// snapshot.
func (q *Service) Outspend(op chain.OutPoint) (Outspend, error) {
	v, err := q.st.Get(store.FamilyTxStore, store.SpendEdgeKey(op))
	if err == nil {
		edge, derr := store.DecodeSpendEdgeValue(v)
		if derr != nil {
			return Outspend{}, errkind.Corruptionf("decode spend edge: %v", derr)
		}
		return Outspend{Spent: true, SpendingTxid: edge.SpendingTxid, Vin: edge.Vin, Height: edge.Height, Confirmed: true}, nil
	}
	if !errors.Is(err, errkind.ErrClient) {
		return Outspend{}, err
	}

	if spender, ok := q.mp.Snapshot().SpentOutpoints()[op]; ok {
		return Outspend{Spent: true, SpendingTxid: spender}, nil
	}
	return Outspend{}, nil
}

// Outspends answers Outspend for every output of txid, in vout order, for
// /tx/:txid/outspends.
func (q *Service) Outspends(ctx context.Context, txid chain.Hash256) ([]Outspend, error) {
	tx, err := q.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	out := make([]Outspend, len(tx.Tx.TxOut))
	for i := range tx.Tx.TxOut {
		o, err := q.Outspend(chain.OutPoint{Hash: txid, Vout: uint32(i)})
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}
