package rest

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/query"
)

type blockResponse struct {
	Hash         string `json:"id"`
	Height       uint32 `json:"height"`
	PreviousHash string `json:"previousblockhash"`
	MerkleRoot   string `json:"merkleroot"`
	ImMerkleRoot string `json:"im_merkleroot"`
	Timestamp    int64  `json:"timestamp"`
	TxCount      int    `json:"tx_count"`
}

func toBlockResponse(b query.BlockSummary) blockResponse {
	return blockResponse{
		Hash:         b.Hash.String(),
		Height:       b.Height,
		PreviousHash: b.PrevHash.String(),
		MerkleRoot:   b.MerkleRoot.String(),
		ImMerkleRoot: b.ImMerkleRoot.String(),
		Timestamp:    b.Timestamp,
		TxCount:      b.TxCount,
	}
}

func (s *Server) getBlock(c echo.Context) error {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		return badRequest("invalid block hash")
	}
	summary, err := s.svc.Block(hash)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toBlockResponse(summary))
}

func (s *Server) getBlockHeader(c echo.Context) error {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		return badRequest("invalid block hash")
	}
	header, err := s.svc.BlockHeader(hash)
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, hex.EncodeToString(header))
}

func (s *Server) getBlockTxIDs(c echo.Context) error {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		return badRequest("invalid block hash")
	}
	txids, err := s.svc.BlockTxIDs(hash)
	if err != nil {
		return httpError(err)
	}
	out := make([]string, len(txids))
	for i, id := range txids {
		out[i] = id.String()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getBlockHeight(c echo.Context) error {
	h, err := strconv.ParseUint(c.Param("height"), 10, 32)
	if err != nil {
		return badRequest("invalid height")
	}
	hash, err := s.svc.BlockHashByHeight(c.Request().Context(), chain.Height(h))
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, hash.String())
}

func (s *Server) getBlocks(c echo.Context) error {
	var start chain.Hash256
	if p := c.Param("start"); p != "" {
		h, err := parseHash(p)
		if err != nil {
			return badRequest("invalid start hash")
		}
		start = h
	}
	summaries, err := s.svc.Blocks(c.Request().Context(), start)
	if err != nil {
		return httpError(err)
	}
	out := make([]blockResponse, len(summaries))
	for i, b := range summaries {
		out[i] = toBlockResponse(b)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getBlocksTipHeight(c echo.Context) error {
	height, err := s.svc.BlockCount(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, strconv.FormatUint(uint64(height), 10))
}

func (s *Server) getBlocksTipHash(c echo.Context) error {
	hash, _, err := s.svc.Tip()
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, hash.String())
}
