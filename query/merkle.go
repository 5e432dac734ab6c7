package query

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

// MerkleProof answers blockchain.transaction.get_merkle and
// /tx/:txid/merkle-proof: the sibling hashes needed to recompute a block's
// merkle root from one leaf, innermost first, following the same
// double-SHA256 pairing convention as bitcoin.CheckMerkleChain.
type MerkleProof struct {
	BlockHeight chain.Height
	Pos         uint32
	Merkle      []chain.Hash256
}

// MerkleProofFor builds txid's merkle proof within the block at height,
// whose ordered transaction ids are txids.
func MerkleProofFor(txid chain.Hash256, txids []chain.Hash256, height chain.Height) (MerkleProof, error) {
	pos := -1
	for i, id := range txids {
		if id == txid {
			pos = i
			break
		}
	}
	if pos < 0 {
		return MerkleProof{}, errkind.Clientf("query: txid not found in block")
	}

	layer := make([]chainhash.Hash, len(txids))
	for i, id := range txids {
		layer[i] = chainhash.Hash(id)
	}

	var proof []chain.Hash256
	idx := pos
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		siblingIdx := idx ^ 1
		proof = append(proof, chain.Hash256(layer[siblingIdx]))

		next := make([]chainhash.Hash, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next[i/2] = chainhash.DoubleHashH(append(append([]byte{}, layer[i][:]...), layer[i+1][:]...))
		}
		layer = next
		idx /= 2
	}

	return MerkleProof{BlockHeight: height, Pos: uint32(pos), Merkle: proof}, nil
}

// MerkleProof fetches txid's confirming block and returns its merkle proof.
func (q *Service) MerkleProof(txid chain.Hash256) (MerkleProof, error) {
	v, err := q.st.Get(store.FamilyTxStore, store.TxRowKey(txid))
	if err != nil {
		return MerkleProof{}, err
	}
	txRow, err := store.DecodeTxRow(v)
	if err != nil {
		return MerkleProof{}, errkind.Corruptionf("decode tx row: %v", err)
	}
	block, err := q.blockRow(txRow.BlockHash)
	if err != nil {
		return MerkleProof{}, err
	}
	return MerkleProofFor(txid, block.TxIDs, block.Height)
}
