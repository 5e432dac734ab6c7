package query

import (
	"context"
	"errors"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
)

// blocksPageSize caps one GET /blocks[/:start] page.
const blocksPageSize = 10

// BlockSummary is one confirmed block's header fields plus its transaction
// count, the shape GET /block/:hash and GET /blocks[/:start] both return.
type BlockSummary struct {
	Hash         chain.Hash256
	Height       chain.Height
	PrevHash     chain.Hash256
	MerkleRoot   chain.Hash256
	ImMerkleRoot chain.Hash256
	Timestamp    int64
	TxCount      int
}

// Block hydrates one confirmed block's summary by hash, backing
// GET /block/:hash.
func (q *Service) Block(hash chain.Hash256) (BlockSummary, error) {
	row, err := q.blockRow(hash)
	if err != nil {
		return BlockSummary{}, err
	}
	hdr, err := chain.DecodeBlockHeaderBytes(row.Header)
	if err != nil {
		return BlockSummary{}, errkind.Corruptionf("decode block header: %v", err)
	}
	return BlockSummary{
		Hash:         hash,
		Height:       row.Height,
		PrevHash:     hdr.PrevBlock,
		MerkleRoot:   hdr.MerkleRoot,
		ImMerkleRoot: hdr.ImMerkleRoot,
		Timestamp:    hdr.Timestamp.Unix(),
		TxCount:      len(row.TxIDs),
	}, nil
}

// Blocks walks the confirmed chain downward from start (or the current tip
// if start is the zero hash), returning up to blocksPageSize summaries
// newest first, backing GET /blocks[/:start].
func (q *Service) Blocks(ctx context.Context, start chain.Hash256) ([]BlockSummary, error) {
	var startHeight chain.Height
	if start == (chain.Hash256{}) {
		_, tipHeight, err := q.Tip()
		if err != nil {
			return nil, err
		}
		startHeight = tipHeight
	} else {
		row, err := q.blockRow(start)
		if err != nil {
			return nil, err
		}
		startHeight = row.Height
	}

	var out []BlockSummary
	for h := startHeight; len(out) < blocksPageSize; h-- {
		hash, err := q.node.BlockHashByHeight(ctx, h)
		if err != nil {
			if errors.Is(err, errkind.ErrClient) {
				break
			}
			return nil, err
		}
		summary, err := q.Block(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
		if h == 0 {
			break
		}
	}
	return out, nil
}
