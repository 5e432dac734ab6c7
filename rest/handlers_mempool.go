package rest

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/mempool"
	"github.com/chaintope/esplora-tapyrus/query"
)

type mempoolSummaryResponse struct {
	Txid  string `json:"txid"`
	Fee   uint64 `json:"fee"`
	VSize uint64 `json:"vsize"`
}

func toMempoolSummaryResponse(entries []query.MempoolSummary) []mempoolSummaryResponse {
	out := make([]mempoolSummaryResponse, len(entries))
	for i, e := range entries {
		out[i] = mempoolSummaryResponse{Txid: e.Txid.String(), Fee: e.Fee, VSize: e.VSize}
	}
	return out
}

func (s *Server) getMempool(c echo.Context) error {
	recent := s.svc.MempoolRecent()
	return c.JSON(http.StatusOK, struct {
		Count  int                      `json:"count"`
		Recent []mempoolSummaryResponse `json:"recent"`
	}{Count: len(s.svc.MempoolTxIDs()), Recent: toMempoolSummaryResponse(recent)})
}

func (s *Server) getMempoolTxIDs(c echo.Context) error {
	txids := s.svc.MempoolTxIDs()
	out := make([]string, len(txids))
	for i, id := range txids {
		out[i] = id.String()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getMempoolRecent(c echo.Context) error {
	return c.JSON(http.StatusOK, toMempoolSummaryResponse(s.svc.MempoolRecent()))
}

func (s *Server) getMempoolTxs(c echo.Context) error {
	var start chain.Hash256
	if p := c.Param("start"); p != "" {
		h, err := parseHash(p)
		if err != nil {
			return badRequest("invalid start txid")
		}
		start = h
	}
	return c.JSON(http.StatusOK, toMempoolSummaryResponse(s.svc.MempoolTxs(start)))
}

type feeEstimateResponse struct {
	Blocks      uint    `json:"blocks"`
	SatsPerByte float64 `json:"sat_per_vbyte"`
}

func toFeeEstimateResponse(estimates []mempool.FeeEstimate) []feeEstimateResponse {
	out := make([]feeEstimateResponse, len(estimates))
	for i, e := range estimates {
		out[i] = feeEstimateResponse{Blocks: e.Blocks, SatsPerByte: e.SatsPerByte}
	}
	return out
}

func (s *Server) getFeeEstimates(c echo.Context) error {
	ctx := c.Request().Context()
	out := toFeeEstimateResponse(s.svc.MempoolFeeEstimates())
	for _, target := range []int{1, 3, 6, 144} {
		if fee, err := s.svc.EstimateFee(ctx, target); err == nil && fee > 0 {
			out = append(out, feeEstimateResponse{Blocks: uint(target), SatsPerByte: fee})
		}
	}
	return c.JSON(http.StatusOK, out)
}
