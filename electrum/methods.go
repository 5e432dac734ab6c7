package electrum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/query"
)

// methodTable is the Electrum method dispatch table; names are the
// literal strings hemi/electrs's Client already calls against a real
// Electrs server (see electrs.go's Balance/Broadcast/Height/
// RawBlockHeader/RawTransaction/UTXOs methods).
var methodTable = map[string]handlerFunc{
	"server.version":                             handleServerVersion,
	"server.banner":                              handleServerBanner,
	"server.ping":                                handlePing,
	"blockchain.headers.subscribe":               handleHeadersSubscribe,
	"blockchain.block.header":                    handleBlockHeader,
	"blockchain.estimatefee":                     handleEstimateFee,
	"blockchain.relayfee":                        handleRelayFee,
	"blockchain.transaction.get":                 handleTransactionGet,
	"blockchain.transaction.broadcast":           handleTransactionBroadcast,
	"blockchain.transaction.get_merkle":          handleTransactionGetMerkle,
	"blockchain.scripthash.get_balance":          handleScriptHashGetBalance,
	"blockchain.scripthash.listunspent":          handleScriptHashListUnspent,
	"blockchain.scripthash.listcoloredunspent":   handleScriptHashListColoredUnspent,
	"blockchain.scripthash.listuncoloredunspent": handleScriptHashListUncoloredUnspent,
	"blockchain.scripthash.subscribe":            handleScriptHashSubscribe,
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return errkind.Clientf("electrum: missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errkind.Clientf("electrum: invalid params: %v", err)
	}
	return nil
}

func parseScriptHash(s string) (chain.ScriptHash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chain.ScriptHash{}, errkind.Clientf("electrum: invalid scripthash: %v", err)
	}
	return chain.ScriptHash(*h), nil
}

func parseTxid(s string) (chain.Hash256, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chain.Hash256{}, errkind.Clientf("electrum: invalid txid: %v", err)
	}
	return chain.Hash256(*h), nil
}

func handleServerVersion(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return []string{"esplora-tapyrus", "1.4"}, nil
}

func handleServerBanner(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return s.banner, nil
}

func handlePing(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return nil, nil
}

type headerNotification struct {
	Height int    `json:"height"`
	Hex    string `json:"hex"`
}

func handleHeadersSubscribe(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	hash, height, err := s.svc.Tip()
	if err != nil {
		return nil, err
	}
	hdr, err := s.svc.BlockHeader(hash)
	if err != nil {
		return nil, err
	}
	return headerNotification{Height: int(height), Hex: hex.EncodeToString(hdr)}, nil
}

func handleBlockHeader(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []uint32
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: block.header requires a height")
	}
	hash, err := s.svc.BlockHashByHeight(ctx, p[0])
	if err != nil {
		return nil, err
	}
	hdr, err := s.svc.BlockHeader(hash)
	if err != nil {
		return nil, err
	}
	return hex.EncodeToString(hdr), nil
}

func handleEstimateFee(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []int
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: estimatefee requires a target")
	}
	return s.svc.EstimateFee(ctx, p[0])
}

func handleRelayFee(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return s.svc.RelayFee(ctx)
}

func handleTransactionGet(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: transaction.get requires a txid")
	}
	txid, err := parseTxid(p[0])
	if err != nil {
		return nil, err
	}
	tx, err := s.svc.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	return hex.EncodeToString(tx.Raw), nil
}

func handleTransactionBroadcast(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: transaction.broadcast requires raw hex")
	}
	raw, err := hex.DecodeString(p[0])
	if err != nil {
		return nil, errkind.Clientf("electrum: invalid raw transaction hex: %v", err)
	}
	txid, err := s.svc.Broadcast(ctx, raw)
	if err != nil {
		return nil, err
	}
	return txid.String(), nil
}

type merkleResult struct {
	BlockHeight int      `json:"block_height"`
	Pos         uint32   `json:"pos"`
	Merkle      []string `json:"merkle"`
}

func handleTransactionGetMerkle(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: transaction.get_merkle requires a txid")
	}
	txid, err := parseTxid(p[0])
	if err != nil {
		return nil, err
	}
	proof, err := s.svc.MerkleProof(txid)
	if err != nil {
		return nil, err
	}
	merkle := make([]string, len(proof.Merkle))
	for i, h := range proof.Merkle {
		merkle[i] = h.String()
	}
	return merkleResult{BlockHeight: int(proof.BlockHeight), Pos: proof.Pos, Merkle: merkle}, nil
}

type balanceResult struct {
	Confirmed   int64  `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
	ColorID     string `json:"color_id,omitempty"`
}

func handleScriptHashGetBalance(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: scripthash.get_balance requires a scripthash")
	}
	scriptHash, err := parseScriptHash(p[0])
	if err != nil {
		return nil, err
	}
	balances, err := s.svc.GetBalances(scriptHash)
	if err != nil {
		return nil, err
	}
	out := make([]balanceResult, len(balances))
	for i, b := range balances {
		out[i] = balanceResult{Confirmed: b.Confirmed, Unconfirmed: b.Unconfirmed}
		if b.ColorID != nil {
			out[i].ColorID = b.ColorID.String()
		}
	}
	return out, nil
}

type unspentResult struct {
	TxHash  string `json:"tx_hash"`
	TxPos   uint32 `json:"tx_pos"`
	Height  int    `json:"height"`
	Value   int64  `json:"value"`
	ColorID string `json:"color_id,omitempty"`
}

func toUnspentResult(rows []query.UnspentOutput) []unspentResult {
	out := make([]unspentResult, len(rows))
	for i, u := range rows {
		out[i] = unspentResult{
			TxHash: u.OutPoint.Hash.String(),
			TxPos:  u.OutPoint.Vout,
			Height: int(u.Height),
			Value:  int64(u.Value),
		}
		if !u.ColorID.IsUncolored() {
			out[i].ColorID = u.ColorID.String()
		}
	}
	return out
}

func handleScriptHashListUnspent(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: scripthash.listunspent requires a scripthash")
	}
	scriptHash, err := parseScriptHash(p[0])
	if err != nil {
		return nil, err
	}
	rows, err := s.svc.ListUnspent(scriptHash)
	if err != nil {
		return nil, err
	}
	return toUnspentResult(rows), nil
}

func handleScriptHashListColoredUnspent(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 2 {
		return nil, errkind.Clientf("electrum: scripthash.listcoloredunspent requires a scripthash and color_id")
	}
	scriptHash, err := parseScriptHash(p[0])
	if err != nil {
		return nil, err
	}
	colorBytes, err := hex.DecodeString(p[1])
	if err != nil {
		return nil, errkind.Clientf("electrum: invalid color_id: %v", err)
	}
	colorID, err := chain.ColorIdFromBytes(colorBytes)
	if err != nil {
		return nil, errkind.Clientf("electrum: invalid color_id: %v", err)
	}
	rows, err := s.svc.ListColoredUnspent(scriptHash, colorID)
	if err != nil {
		return nil, err
	}
	return toUnspentResult(rows), nil
}

func handleScriptHashListUncoloredUnspent(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: scripthash.listuncoloredunspent requires a scripthash")
	}
	scriptHash, err := parseScriptHash(p[0])
	if err != nil {
		return nil, err
	}
	rows, err := s.svc.ListUncoloredUnspent(scriptHash)
	if err != nil {
		return nil, err
	}
	return toUnspentResult(rows), nil
}

func handleScriptHashSubscribe(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p []string
	if err := unmarshalParams(params, &p); err != nil || len(p) < 1 {
		return nil, errkind.Clientf("electrum: scripthash.subscribe requires a scripthash")
	}
	scriptHash, err := parseScriptHash(p[0])
	if err != nil {
		return nil, err
	}
	entries, err := s.svc.History(scriptHash)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return statusHash(entries), nil
}

// statusHash implements blockchain.scripthash.subscribe's status value: the
// sha256 of "{txid}:{height}:" concatenated over the scripthash's full
// history, ordered confirmed-then-mempool the way History already returns
// it.
func statusHash(entries []query.HistoryEntry) string {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, []byte(fmt.Sprintf("%s:%d:", e.Txid.String(), e.Height))...)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
