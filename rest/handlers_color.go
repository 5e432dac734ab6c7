package rest

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/query"
	"github.com/chaintope/esplora-tapyrus/store"
)

func (s *Server) getColors(c echo.Context) error {
	var lastSeen chain.ColorId
	if p := c.Param("last_seen"); p != "" {
		id, err := parseColorID(p)
		if err != nil {
			return badRequest("invalid last_seen color id")
		}
		lastSeen = id
	}
	colors, err := s.svc.ListColors(lastSeen)
	if err != nil {
		return httpError(err)
	}
	out := make([]string, len(colors))
	for i, id := range colors {
		out[i] = id.String()
	}
	return c.JSON(http.StatusOK, out)
}

type colorLedgerEntryResponse struct {
	Txid   string `json:"txid"`
	Height uint32 `json:"height,omitempty"`
	Event  string `json:"event"`
	Value  uint64 `json:"value"`
}

func colorEventName(e store.ColorLedgerEvent) string {
	switch e {
	case store.ColorEventIssuing:
		return "issuing"
	case store.ColorEventTransferring:
		return "transferring"
	case store.ColorEventBurning:
		return "burning"
	default:
		return "unknown"
	}
}

func toColorLedgerResponse(entries []query.ColorLedgerEntry) []colorLedgerEntryResponse {
	out := make([]colorLedgerEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = colorLedgerEntryResponse{Txid: e.Txid.String(), Height: e.Height, Event: colorEventName(e.Event), Value: e.Value}
	}
	return out
}

func (s *Server) getColorSummary(c echo.Context) error {
	colorID, err := parseColorID(c.Param("cid"))
	if err != nil {
		return badRequest("invalid color id")
	}
	history, err := s.svc.ColorHistory(colorID, chain.Hash256{})
	if err != nil {
		return httpError(err)
	}

	var issuedSum, transferredSum, burnedSum uint64
	for _, e := range history {
		switch e.Event {
		case store.ColorEventIssuing:
			issuedSum += e.Value
		case store.ColorEventTransferring:
			transferredSum += e.Value
		case store.ColorEventBurning:
			burnedSum += e.Value
		}
	}
	c.Response().Header().Set("x-total-results", strconv.Itoa(len(history)))
	return c.JSON(http.StatusOK, struct {
		ColorID        string `json:"color_id"`
		IssuedSum      uint64 `json:"issued_sum"`
		TransferredSum uint64 `json:"transferred_sum"`
		BurnedSum      uint64 `json:"burned_sum"`
		TxCount        int    `json:"tx_count"`
	}{ColorID: colorID.String(), IssuedSum: issuedSum, TransferredSum: transferredSum, BurnedSum: burnedSum, TxCount: len(history)})
}

func (s *Server) getColorTxsChain(c echo.Context) error {
	colorID, err := parseColorID(c.Param("cid"))
	if err != nil {
		return badRequest("invalid color id")
	}
	var lastSeen chain.Hash256
	if p := c.Param("last_seen"); p != "" {
		h, err := parseHash(p)
		if err != nil {
			return badRequest("invalid last_seen txid")
		}
		lastSeen = h
	}
	history, err := s.svc.ColorHistory(colorID, lastSeen)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("x-total-results", strconv.Itoa(len(history)))
	return c.JSON(http.StatusOK, toColorLedgerResponse(history))
}

func (s *Server) getColorTxsMempool(c echo.Context) error {
	colorID, err := parseColorID(c.Param("cid"))
	if err != nil {
		return badRequest("invalid color id")
	}
	entries, err := s.svc.ColorMempool(colorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toColorLedgerResponse(entries))
}
