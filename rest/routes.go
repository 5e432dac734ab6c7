package rest

import "github.com/labstack/echo/v4"

// registerRoutes wires spec.md §6's REST route table onto e, one thin
// handler per route.
func registerRoutes(e *echo.Echo, s *Server) {
	e.GET("/tx/:txid", s.getTx)
	e.GET("/tx/:txid/status", s.getTxStatus)
	e.GET("/tx/:txid/hex", s.getTxHex)
	e.GET("/tx/:txid/raw", s.getTxRaw)
	e.GET("/tx/:txid/merkle-proof", s.getTxMerkleProof)
	e.GET("/tx/:txid/merkleblock-proof", s.getTxMerkleBlockProof)
	e.GET("/tx/:txid/outspend/:vout", s.getTxOutspend)
	e.GET("/tx/:txid/outspends", s.getTxOutspends)
	e.POST("/tx", s.postTx)

	e.GET("/address/:addr", s.getAddressBalance)
	e.GET("/address/:addr/utxo", s.getAddressUTXO)
	e.GET("/address/:addr/txs", s.getAddressTxsChain)
	e.GET("/address/:addr/txs/chain", s.getAddressTxsChain)
	e.GET("/address/:addr/txs/chain/:last_seen_txid", s.getAddressTxsChain)
	e.GET("/address/:addr/txs/mempool", s.getAddressTxsMempool)

	e.GET("/scripthash/:hash", s.getScriptHashBalance)
	e.GET("/scripthash/:hash/utxo", s.getScriptHashUTXO)
	e.GET("/scripthash/:hash/txs", s.getScriptHashTxsChain)
	e.GET("/scripthash/:hash/txs/chain", s.getScriptHashTxsChain)
	e.GET("/scripthash/:hash/txs/chain/:last_seen_txid", s.getScriptHashTxsChain)
	e.GET("/scripthash/:hash/txs/mempool", s.getScriptHashTxsMempool)

	e.GET("/address-prefix/:prefix", s.getAddressPrefix)

	e.GET("/block/:hash", s.getBlock)
	e.GET("/block/:hash/header", s.getBlockHeader)
	e.GET("/block/:hash/txids", s.getBlockTxIDs)
	e.GET("/block-height/:height", s.getBlockHeight)
	e.GET("/blocks", s.getBlocks)
	e.GET("/blocks/:start", s.getBlocks)
	e.GET("/blocks/tip/height", s.getBlocksTipHeight)
	e.GET("/blocks/tip/hash", s.getBlocksTipHash)

	e.GET("/mempool", s.getMempool)
	e.GET("/mempool/txids", s.getMempoolTxIDs)
	e.GET("/mempool/recent", s.getMempoolRecent)
	e.GET("/mempool/txs", s.getMempoolTxs)
	e.GET("/mempool/txs/:start", s.getMempoolTxs)

	e.GET("/fee-estimates", s.getFeeEstimates)

	e.GET("/colors", s.getColors)
	e.GET("/colors/:last_seen", s.getColors)

	e.GET("/color/:cid", s.getColorSummary)
	e.GET("/color/:cid/txs", s.getColorTxsChain)
	e.GET("/color/:cid/txs/chain", s.getColorTxsChain)
	e.GET("/color/:cid/txs/chain/:last_seen", s.getColorTxsChain)
	e.GET("/color/:cid/txs/mempool", s.getColorTxsMempool)
}
