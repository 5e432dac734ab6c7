package rest

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/query"
)

const confirmedTxsPageSize = 25

type balanceEntryResponse struct {
	ColorID     string `json:"color_id,omitempty"`
	Confirmed   int64  `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
}

func toBalanceEntryResponse(entries []query.BalanceEntry) []balanceEntryResponse {
	out := make([]balanceEntryResponse, len(entries))
	for i, b := range entries {
		out[i] = balanceEntryResponse{Confirmed: b.Confirmed, Unconfirmed: b.Unconfirmed}
		if b.ColorID != nil {
			out[i].ColorID = b.ColorID.String()
		}
	}
	return out
}

type utxoResponse struct {
	Txid    string   `json:"txid"`
	Vout    uint32   `json:"vout"`
	Value   uint64   `json:"value"`
	ColorID string   `json:"color_id,omitempty"`
	Status  txStatus `json:"status"`
}

func toUTXOResponse(rows []query.UnspentOutput) []utxoResponse {
	out := make([]utxoResponse, len(rows))
	for i, u := range rows {
		out[i] = utxoResponse{
			Txid:   u.OutPoint.Hash.String(),
			Vout:   u.OutPoint.Vout,
			Value:  u.Value,
			Status: txStatus{Confirmed: u.Confirmed, BlockHeight: u.Height},
		}
		if !u.ColorID.IsUncolored() {
			out[i].ColorID = u.ColorID.String()
		}
	}
	return out
}

// resolveAddress decodes the :addr path parameter into its scripthash;
// resolveScriptHashParam below decodes the :hash path parameter.
func (s *Server) resolveAddress(c echo.Context) (chain.ScriptHash, error) {
	script, err := chain.ScriptFromAddress(c.Param("addr"), s.params)
	if err != nil {
		return chain.ScriptHash{}, err
	}
	return chain.NewScriptHash(script), nil
}

func (s *Server) resolveScriptHashParam(c echo.Context) (chain.ScriptHash, error) {
	return parseHash(c.Param("hash"))
}

func (s *Server) getAddressBalance(c echo.Context) error {
	sh, err := s.resolveAddress(c)
	if err != nil {
		return badRequest("invalid address")
	}
	return s.respondBalance(c, sh)
}

func (s *Server) getScriptHashBalance(c echo.Context) error {
	sh, err := s.resolveScriptHashParam(c)
	if err != nil {
		return badRequest("invalid scripthash")
	}
	return s.respondBalance(c, sh)
}

func (s *Server) respondBalance(c echo.Context, sh chain.ScriptHash) error {
	balances, err := s.svc.GetBalances(sh)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toBalanceEntryResponse(balances))
}

func (s *Server) getAddressUTXO(c echo.Context) error {
	sh, err := s.resolveAddress(c)
	if err != nil {
		return badRequest("invalid address")
	}
	return s.respondUTXO(c, sh)
}

func (s *Server) getScriptHashUTXO(c echo.Context) error {
	sh, err := s.resolveScriptHashParam(c)
	if err != nil {
		return badRequest("invalid scripthash")
	}
	return s.respondUTXO(c, sh)
}

func (s *Server) respondUTXO(c echo.Context, sh chain.ScriptHash) error {
	rows, err := s.svc.ListUnspent(sh)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toUTXOResponse(rows))
}

func (s *Server) getAddressTxsChain(c echo.Context) error {
	sh, err := s.resolveAddress(c)
	if err != nil {
		return badRequest("invalid address")
	}
	return s.respondTxsChain(c, sh)
}

func (s *Server) getScriptHashTxsChain(c echo.Context) error {
	sh, err := s.resolveScriptHashParam(c)
	if err != nil {
		return badRequest("invalid scripthash")
	}
	return s.respondTxsChain(c, sh)
}

// respondTxsChain pages confirmed history newest-first, 25 per page, keyed
// by the last txid of the previous page -- spec.md §6's "25 confirmed txs
// per page keyed by last_seen_txid".
func (s *Server) respondTxsChain(c echo.Context, sh chain.ScriptHash) error {
	history, err := s.svc.History(sh)
	if err != nil {
		return httpError(err)
	}

	var confirmed []query.HistoryEntry
	for _, e := range history {
		if e.Height > 0 {
			confirmed = append(confirmed, e)
		}
	}
	sort.Slice(confirmed, func(i, j int) bool {
		if confirmed[i].Height != confirmed[j].Height {
			return confirmed[i].Height > confirmed[j].Height
		}
		return confirmed[i].Txid.String() > confirmed[j].Txid.String()
	})

	if lastSeen := c.Param("last_seen_txid"); lastSeen != "" {
		for i, e := range confirmed {
			if e.Txid.String() == lastSeen {
				confirmed = confirmed[i+1:]
				break
			}
		}
	}
	if len(confirmed) > confirmedTxsPageSize {
		confirmed = confirmed[:confirmedTxsPageSize]
	}

	return c.JSON(http.StatusOK, toHistoryResponse(confirmed))
}

func (s *Server) getAddressTxsMempool(c echo.Context) error {
	sh, err := s.resolveAddress(c)
	if err != nil {
		return badRequest("invalid address")
	}
	return s.respondTxsMempool(c, sh)
}

func (s *Server) getScriptHashTxsMempool(c echo.Context) error {
	sh, err := s.resolveScriptHashParam(c)
	if err != nil {
		return badRequest("invalid scripthash")
	}
	return s.respondTxsMempool(c, sh)
}

func (s *Server) respondTxsMempool(c echo.Context, sh chain.ScriptHash) error {
	history, err := s.svc.History(sh)
	if err != nil {
		return httpError(err)
	}
	var unconfirmed []query.HistoryEntry
	for _, e := range history {
		if e.Height == 0 {
			unconfirmed = append(unconfirmed, e)
		}
	}
	return c.JSON(http.StatusOK, toHistoryResponse(unconfirmed))
}

type historyEntryResponse struct {
	Txid        string `json:"txid"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	Confirmed   bool   `json:"confirmed"`
}

func toHistoryResponse(entries []query.HistoryEntry) []historyEntryResponse {
	out := make([]historyEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = historyEntryResponse{Txid: e.Txid.String(), BlockHeight: e.Height, Confirmed: e.Height > 0}
	}
	return out
}

type addressMatchResponse struct {
	Address    string `json:"address"`
	ScriptHash string `json:"scripthash"`
}

func (s *Server) getAddressPrefix(c echo.Context) error {
	matches, err := s.svc.AddressPrefixSearch(c.Param("prefix"))
	if err != nil {
		return httpError(err)
	}
	out := make([]addressMatchResponse, len(matches))
	for i, m := range matches {
		out[i] = addressMatchResponse{Address: m.Address, ScriptHash: m.ScriptHash.String()}
	}
	return c.JSON(http.StatusOK, out)
}
