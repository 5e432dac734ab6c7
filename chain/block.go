package chain

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Block is a decoded Tapyrus block: a signed header followed by the usual
// bitcoin-compatible transaction list. Tapyrus did not change the
// transaction wire format, so wire.MsgTx deserializes it unmodified.
type Block struct {
	Header *BlockHeader
	Txs    []*wire.MsgTx
}

// Hash returns the block's hash (the hash of its header).
func (b *Block) Hash() Hash256 {
	return b.Header.Hash()
}

// DecodeBlock parses a full block: header, transaction count (CompactSize),
// then that many serialized transactions.
func DecodeBlock(r io.Reader) (*Block, error) {
	br := bufio.NewReader(r)

	header, _, err := DecodeBlockHeader(br)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	txCount, err := readVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("decode tx count: %w", err)
	}
	const maxTxPerBlock = 4_000_000 // sanity bound, well above any real block
	if txCount > maxTxPerBlock {
		return nil, fmt.Errorf("implausible tx count %d", txCount)
	}

	txs := make([]*wire.MsgTx, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(br); err != nil {
			return nil, fmt.Errorf("decode tx %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	return &Block{Header: header, Txs: txs}, nil
}

// DecodeBlockBytes decodes a full block held entirely in memory.
func DecodeBlockBytes(b []byte) (*Block, error) {
	return DecodeBlock(bytes.NewReader(b))
}

// TxHash returns the non-witness transaction id, i.e. the double-SHA256 of
// the tx's legacy serialization. Tapyrus, like Bitcoin pre-segwit, has no
// separate witness hash to distinguish from this.
func TxHash(tx *wire.MsgTx) Hash256 {
	return tx.TxHash()
}
