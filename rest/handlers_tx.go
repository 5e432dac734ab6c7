package rest

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
)

type txResponse struct {
	Txid    string      `json:"txid"`
	Version int32       `json:"version"`
	Size    int         `json:"size"`
	Status  txStatus    `json:"status"`
	Vin     []vinEntry  `json:"vin"`
	Vout    []voutEntry `json:"vout"`
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
}

type vinEntry struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type voutEntry struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

func (s *Server) getTx(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	tx, err := s.svc.GetTransaction(c.Request().Context(), txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found")
		}
		return httpError(err)
	}

	resp := txResponse{
		Txid:    tx.Txid.String(),
		Version: tx.Tx.Version,
		Size:    tx.Tx.SerializeSize(),
		Status:  txStatus{Confirmed: tx.Confirmed, BlockHeight: tx.Height, BlockHash: tx.BlockHash.String()},
	}
	for _, in := range tx.Tx.TxIn {
		resp.Vin = append(resp.Vin, vinEntry{Txid: in.PreviousOutPoint.Hash.String(), Vout: in.PreviousOutPoint.Index})
	}
	for _, out := range tx.Tx.TxOut {
		resp.Vout = append(resp.Vout, voutEntry{ScriptPubKey: hex.EncodeToString(out.PkScript), Value: out.Value})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getTxStatus(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	tx, err := s.svc.GetTransaction(c.Request().Context(), txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, txStatus{Confirmed: tx.Confirmed, BlockHeight: tx.Height, BlockHash: tx.BlockHash.String()})
}

func (s *Server) getTxHex(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	tx, err := s.svc.GetTransaction(c.Request().Context(), txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found")
		}
		return httpError(err)
	}
	return c.String(http.StatusOK, hex.EncodeToString(tx.Raw))
}

func (s *Server) getTxRaw(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	tx, err := s.svc.GetTransaction(c.Request().Context(), txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found")
		}
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", tx.Raw)
}

type merkleProofResponse struct {
	BlockHeight uint32   `json:"block_height"`
	Pos         uint32   `json:"pos"`
	Merkle      []string `json:"merkle"`
}

func (s *Server) getTxMerkleProof(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	proof, err := s.svc.MerkleProof(txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found or not yet confirmed")
		}
		return httpError(err)
	}
	merkle := make([]string, len(proof.Merkle))
	for i, h := range proof.Merkle {
		merkle[i] = h.String()
	}
	return c.JSON(http.StatusOK, merkleProofResponse{BlockHeight: proof.BlockHeight, Pos: proof.Pos, Merkle: merkle})
}

// getTxMerkleBlockProof answers /tx/:txid/merkleblock-proof with the same
// proof data as /merkle-proof plus the confirming block's header, the
// closest equivalent this schema can build to a BIP37 merkleblock without
// persisting full raw blocks.
func (s *Server) getTxMerkleBlockProof(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	proof, err := s.svc.MerkleProof(txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found or not yet confirmed")
		}
		return httpError(err)
	}
	hash, err := s.svc.BlockHashByHeight(c.Request().Context(), proof.BlockHeight)
	if err != nil {
		return httpError(err)
	}
	header, err := s.svc.BlockHeader(hash)
	if err != nil {
		return httpError(err)
	}
	merkle := make([]string, len(proof.Merkle))
	for i, h := range proof.Merkle {
		merkle[i] = h.String()
	}
	return c.JSON(http.StatusOK, struct {
		BlockHeader string `json:"block_header"`
		merkleProofResponse
	}{
		BlockHeader:         hex.EncodeToString(header),
		merkleProofResponse: merkleProofResponse{BlockHeight: proof.BlockHeight, Pos: proof.Pos, Merkle: merkle},
	})
}

type outspendResponse struct {
	Spent       bool   `json:"spent"`
	Txid        string `json:"txid,omitempty"`
	Vin         uint32 `json:"vin,omitempty"`
	Confirmed   bool   `json:"status_confirmed,omitempty"`
	BlockHeight uint32 `json:"status_block_height,omitempty"`
}

func (s *Server) getTxOutspend(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	vout, err := strconv.ParseUint(c.Param("vout"), 10, 32)
	if err != nil {
		return badRequest("invalid vout")
	}
	out, err := s.svc.Outspend(chain.OutPoint{Hash: txid, Vout: uint32(vout)})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, outspendResponse{
		Spent:       out.Spent,
		Txid:        out.SpendingTxid.String(),
		Vin:         out.Vin,
		Confirmed:   out.Confirmed,
		BlockHeight: out.Height,
	})
}

func (s *Server) getTxOutspends(c echo.Context) error {
	txid, err := parseHash(c.Param("txid"))
	if err != nil {
		return badRequest("invalid txid")
	}
	outs, err := s.svc.Outspends(c.Request().Context(), txid)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return notFound("transaction not found")
		}
		return httpError(err)
	}
	resp := make([]outspendResponse, len(outs))
	for i, out := range outs {
		resp[i] = outspendResponse{Spent: out.Spent, Txid: out.SpendingTxid.String(), Vin: out.Vin, Confirmed: out.Confirmed, BlockHeight: out.Height}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) postTx(c echo.Context) error {
	body, err := echoBody(c)
	if err != nil {
		return badRequest("could not read request body")
	}
	raw, err := hex.DecodeString(string(body))
	if err != nil {
		return badRequest("invalid raw transaction hex")
	}
	txid, err := s.svc.Broadcast(c.Request().Context(), raw)
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, txid.String())
}
