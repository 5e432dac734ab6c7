// Package indexer is the bulk-and-tracking orchestrator spec.md §4.5
// describes: it drives a Store and a node client through
// Fresh -> BulkPhase1 -> BulkPhase2 -> Compacted -> Tracking, then polls the
// node for new blocks, detecting and rewinding through reorgs.
//
// The state machine and its wind/unwind shape are ported from the teacher's
// toBest/windOrUnwind/wind/unwind/parseBlocks free functions in
// tbc.Indexer: a phase walks blocks from where it left off toward a target
// hash, periodically flushing to disk, and a reorg is handled by first
// unwinding to the fork point and then winding forward again. This package
// collapses that generic multi-indexer interface (tbc.Indexer runs several
// named indexers -- utxo, tx, keystone -- behind one state machine) into a
// single concrete Indexer, since this system has only one schema to
// maintain, not a family of pluggable ones.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/chaintope/esplora-tapyrus/blockfile"
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/rowbuilder"
	"github.com/chaintope/esplora-tapyrus/store"
)

var log = loggo.GetLogger("indexer")

func init() {
	if err := loggo.ConfigureLoggers("INFO"); err != nil {
		panic(err)
	}
}

// State is the indexer's position in its bootstrap-then-track lifecycle.
type State int

const (
	StateFresh State = iota
	StateBulkPhase1
	StateBulkPhase2
	StateCompacted
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateBulkPhase1:
		return "bulk-phase-1"
	case StateBulkPhase2:
		return "bulk-phase-2"
	case StateCompacted:
		return "compacted"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// NodeClient is the subset of rpcnode.Client the indexer needs, split out
// as an interface so tests can drive the state machine against a fake node
// instead of a live Tapyrus daemon.
type NodeClient interface {
	BestBlockHash(ctx context.Context) (chain.Hash256, error)
	Block(ctx context.Context, hash chain.Hash256) ([]byte, error)
	BlockHashByHeight(ctx context.Context, height chain.Height) (chain.Hash256, error)
	BlockCount(ctx context.Context) (chain.Height, error)
}

// Config configures an Indexer.
type Config struct {
	// BlockFilesDir, when set, directs bulk phase 1 to stream the node's
	// raw block files via the blockfile package instead of fetching every
	// block over RPC -- spec.md §4.3's bulk parser path. Phase 2 always
	// uses the node client, since it walks blocks in chain order.
	BlockFilesDir string

	// IndexUnspendables mirrors the Rust indexer's light_mode knob: when
	// false (the default), provably unspendable outputs (OP_RETURN and
	// friends) are not given UTXO rows.
	IndexUnspendables bool

	// BulkWorkers bounds the blockfile scan worker pool; 0 defaults to
	// runtime.NumCPU (see blockfile.ScanFiles).
	BulkWorkers int

	// PollInterval is how often Run checks the node for a new tip once
	// Tracking is reached.
	PollInterval time.Duration

	// AddressSearch, when set, has phase 2 additionally write the
	// address->scripthash rows backing /address-prefix search. Off by
	// default since most deployments query by scripthash directly and the
	// extra rows roughly double FamilyHistory's write volume.
	AddressSearch bool
}

// Indexer drives Store through the bulk-then-track lifecycle against a
// Tapyrus node.
type Indexer struct {
	st     *store.Store
	node   NodeClient
	params *chain.Params
	cfg    Config

	mtx   sync.Mutex
	state State
}

// New constructs an Indexer. It does not touch the store or the node until
// Bootstrap or Run is called.
func New(st *store.Store, node NodeClient, params *chain.Params, cfg Config) *Indexer {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Indexer{st: st, node: node, params: params, cfg: cfg, state: StateFresh}
}

// State returns the indexer's current lifecycle state.
func (ix *Indexer) State() State {
	ix.mtx.Lock()
	defer ix.mtx.Unlock()
	return ix.state
}

func (ix *Indexer) setState(s State) {
	ix.mtx.Lock()
	ix.state = s
	ix.mtx.Unlock()
	log.Infof("indexer state -> %v", s)
}

// Run bootstraps the store if needed, then polls the node for new blocks
// at cfg.PollInterval until ctx is canceled.
func (ix *Indexer) Run(ctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if err := ix.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ix.Poll(ctx); err != nil {
				log.Errorf("poll: %v", err)
			}
		}
	}
}

// Bootstrap runs bulk phase 1, bulk phase 2 and compaction if the store has
// never been indexed (no tip pointer), then enters Tracking. If a tip
// already exists -- because a prior run completed bootstrap, per spec.md
// §8's crash-recovery scenario -- Bootstrap is a no-op beyond the state
// transition: the store's idempotent row builders mean bulk never needs to
// resume partway through, only restart wholesale or be skipped entirely.
func (ix *Indexer) Bootstrap(ctx context.Context) error {
	log.Tracef("Bootstrap")
	defer log.Tracef("Bootstrap exit")

	if _, ok, err := ix.st.Tip(); err != nil {
		return fmt.Errorf("read tip: %w", err)
	} else if ok {
		ix.setState(StateTracking)
		return nil
	}

	ix.setState(StateBulkPhase1)
	heightIdx, err := ix.heightIndex(ctx)
	if err != nil {
		return fmt.Errorf("bulk phase 1: build height index: %w", err)
	}
	if err := ix.bulkPhase1(ctx, heightIdx); err != nil {
		return fmt.Errorf("bulk phase 1: %w", err)
	}

	ix.setState(StateBulkPhase2)
	if err := ix.bulkPhase2(ctx, heightIdx); err != nil {
		return fmt.Errorf("bulk phase 2: %w", err)
	}

	ix.setState(StateCompacted)
	if err := ix.st.Compact(ctx); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if err := ix.st.SetTip(heightIdx.hashAt[heightIdx.tipHeight]); err != nil {
		return fmt.Errorf("set tip after bootstrap: %w", err)
	}

	ix.setState(StateTracking)
	return nil
}

// heightMap is the height<->hash mapping of the node's best chain at the
// moment bootstrap began, built once up front by walking getblockhash over
// every height -- cheap relative to fetching whole blocks, and the only way
// to know which height a blockfile-recovered block (found in file order,
// not chain order) belongs to.
type heightMap struct {
	hashAt    []chain.Hash256
	heightOf  map[chain.Hash256]chain.Height
	tipHeight chain.Height
}

func (ix *Indexer) heightIndex(ctx context.Context) (*heightMap, error) {
	tip, err := ix.node.BlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("block count: %w", err)
	}
	hm := &heightMap{
		hashAt:    make([]chain.Hash256, tip+1),
		heightOf:  make(map[chain.Hash256]chain.Height, tip+1),
		tipHeight: tip,
	}
	for h := chain.Height(0); h <= tip; h++ {
		hash, err := ix.node.BlockHashByHeight(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("block hash at height %d: %w", h, err)
		}
		hm.hashAt[h] = hash
		hm.heightOf[hash] = h
	}
	return hm, nil
}

// bulkPhase1 writes every transaction's TxRow/UTXORow and every block's
// BlockRow, needing nothing but the block bytes themselves. When
// cfg.BlockFilesDir is set, blocks are sourced from the node's raw block
// files via the blockfile package and matched against hm to discover their
// height; files are scanned in file order and in parallel, which is safe
// here precisely because phase 1 rows don't depend on any other block.
// Otherwise blocks are fetched one at a time over RPC in height order.
func (ix *Indexer) bulkPhase1(ctx context.Context, hm *heightMap) error {
	if ix.cfg.BlockFilesDir != "" {
		files, err := blockfile.ListRawBlockFiles(ix.cfg.BlockFilesDir)
		if err != nil {
			return fmt.Errorf("list block files: %w", err)
		}
		for frame := range blockfile.ScanFiles(ctx, files, ix.params.Magic, ix.cfg.BulkWorkers) {
			height, ok := hm.heightOf[frame.Block.Hash()]
			if !ok {
				// Not on the best chain as of heightIndex -- a stale or
				// orphaned block file entry. Tracking will pick up any
				// legitimately new block once bulk finishes.
				continue
			}
			if err := ix.writePhase1(frame.Block, height); err != nil {
				return err
			}
		}
		return nil
	}

	for h := chain.Height(0); h <= hm.tipHeight; h++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		blk, err := ix.fetchBlock(ctx, hm.hashAt[h])
		if err != nil {
			return err
		}
		if err := ix.writePhase1(blk, h); err != nil {
			return err
		}
		if h%10000 == 0 {
			log.Infof("bulk phase 1: height %d/%d", h, hm.tipHeight)
		}
	}
	return nil
}

// bulkPhase2 walks every height in ascending chain order, since phase 2
// needs each transaction's previous outputs resolved by point get against
// txstore, which phase 1 has by now fully populated.
func (ix *Indexer) bulkPhase2(ctx context.Context, hm *heightMap) error {
	for h := chain.Height(0); h <= hm.tipHeight; h++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		blk, err := ix.fetchBlock(ctx, hm.hashAt[h])
		if err != nil {
			return err
		}
		if err := ix.writePhase2(blk, h); err != nil {
			return err
		}
		if h%10000 == 0 {
			log.Infof("bulk phase 2: height %d/%d", h, hm.tipHeight)
		}
	}
	return nil
}

func (ix *Indexer) fetchBlock(ctx context.Context, hash chain.Hash256) (*chain.Block, error) {
	raw, err := ix.node.Block(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch block %v: %w", hash, err)
	}
	blk, err := chain.DecodeBlockBytes(raw)
	if err != nil {
		return nil, errkind.Corruptionf("decode block %v: %v", hash, err)
	}
	return blk, nil
}

// writePhase1 commits one block's TxRow/UTXORow/BlockRow rows to txstore in
// a single atomic batch.
func (ix *Indexer) writePhase1(blk *chain.Block, height chain.Height) error {
	blockHash := blk.Hash()
	batch, err := ix.st.NewBatch(store.FamilyTxStore)
	if err != nil {
		return err
	}

	txids := make([]chain.Hash256, len(blk.Txs))
	for i, tx := range blk.Txs {
		rows := rowbuilder.BuildPhase1(tx, height, blockHash, uint32(i), ix.cfg.IndexUnspendables)
		batch.Put(rows.TxKey, rows.TxValue)
		for j := range rows.UTXOKeys {
			batch.Put(rows.UTXOKeys[j], rows.UTXOValues[j])
		}
		txids[i] = chain.TxHash(tx)
	}

	batch.Put(store.BlockRowKey(blockHash), store.EncodeBlockRow(store.BlockRow{
		Height: height,
		Header: blk.Header.Bytes(),
		TxIDs:  txids,
		Done:   true,
	}))

	return batch.Write()
}

// writePhase2 resolves every transaction's previous outputs by point get
// against the txstore family BuildPhase1 already filled, then commits the
// resulting history, color-ledger and spend-edge rows. Spend edges live in
// txstore, not history, so they are written first to keep the
// txstore-before-history ordering spec.md §4.5 requires.
func (ix *Indexer) writePhase2(blk *chain.Block, height chain.Height) error {
	prevOuts, err := ix.resolvePrevOuts(blk)
	if err != nil {
		return err
	}

	edgeBatch, err := ix.st.NewBatch(store.FamilyTxStore)
	if err != nil {
		return err
	}
	histBatch, err := ix.st.NewBatch(store.FamilyHistory)
	if err != nil {
		return err
	}

	for _, tx := range blk.Txs {
		rows := rowbuilder.BuildPhase2(tx, height, prevOuts, ix.cfg.IndexUnspendables)
		for i := range rows.SpendEdgeKeys {
			edgeBatch.Put(rows.SpendEdgeKeys[i], rows.SpendEdgeValues[i])
		}
		for i := range rows.HistoryKeys {
			histBatch.Put(rows.HistoryKeys[i], rows.HistoryValues[i])
		}
		for i := range rows.ColorLedgerKeys {
			histBatch.Put(rows.ColorLedgerKeys[i], rows.ColorLedgerValues[i])
		}
		if ix.cfg.AddressSearch {
			addrKeys, addrValues := rowbuilder.BuildAddressRows(tx, ix.params)
			for i := range addrKeys {
				histBatch.Put(addrKeys[i], addrValues[i])
			}
		}
	}

	if edgeBatch.Len() > 0 {
		if err := edgeBatch.Write(); err != nil {
			return err
		}
	}
	if histBatch.Len() > 0 {
		if err := histBatch.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) resolvePrevOuts(blk *chain.Block) (map[chain.OutPoint]rowbuilder.PrevOut, error) {
	prevOuts := make(map[chain.OutPoint]rowbuilder.PrevOut)
	for _, tx := range blk.Txs {
		for _, in := range tx.TxIn {
			if isCoinbaseInput(in) {
				continue
			}
			op := chain.OutPoint{Hash: chain.Hash256(in.PreviousOutPoint.Hash), Vout: in.PreviousOutPoint.Index}
			if _, ok := prevOuts[op]; ok {
				continue
			}
			v, err := ix.st.Get(store.FamilyTxStore, store.UTXORowKey(op))
			if err != nil {
				// A prevout that never got a UTXO row was an unindexed
				// unspendable output; BuildPhase2 treats a missing entry
				// as unresolved and skips the corresponding rows.
				continue
			}
			row, err := store.DecodeUTXORow(v)
			if err != nil {
				return nil, errkind.Corruptionf("decode utxo row %v: %v", op, err)
			}
			prevOuts[op] = rowbuilder.PrevOut{Script: row.Script, Value: row.Amount}
		}
	}
	return prevOuts, nil
}

func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == 0xffffffff
}

// ApplyBlock indexes a single block in Tracking mode: phase 1 rows are
// committed, then phase 2 rows (which may now resolve prevouts produced by
// this very block, for intra-block chained spends), then the tip pointer
// is advanced -- the same txstore -> history -> tip ordering bulk bootstrap
// uses, just for one block instead of the whole chain.
func (ix *Indexer) ApplyBlock(blk *chain.Block, height chain.Height) error {
	if err := ix.writePhase1(blk, height); err != nil {
		return fmt.Errorf("apply block %v phase 1: %w", blk.Hash(), err)
	}
	if err := ix.writePhase2(blk, height); err != nil {
		return fmt.Errorf("apply block %v phase 2: %w", blk.Hash(), err)
	}
	if err := ix.st.SetTip(blk.Hash()); err != nil {
		return fmt.Errorf("apply block %v: set tip: %w", blk.Hash(), err)
	}
	return nil
}

// Rewind moves the tip pointer back to hash without deleting any row.
// spec.md §4.5 is explicit that reorg handling never destroys data: a
// transaction, UTXO or history row from an abandoned fork is left in place.
// Queries do not filter rows by chain membership, so such rows stay
// reachable through a scripthash's history and by txid; a stale tx keeps
// reporting the confirmation height and block hash of the fork it was
// indexed from.
func (ix *Indexer) Rewind(hash chain.Hash256) error {
	return ix.st.SetTip(hash)
}

// Poll checks the node's current best block against the stored tip and,
// if they differ, walks forward (or, across a reorg, rewinds to the fork
// point and then walks forward) until caught up.
func (ix *Indexer) Poll(ctx context.Context) error {
	log.Tracef("Poll")
	defer log.Tracef("Poll exit")

	nodeTip, err := ix.node.BestBlockHash(ctx)
	if err != nil {
		return fmt.Errorf("node best block hash: %w", err)
	}
	storedTip, ok, err := ix.st.Tip()
	if err != nil {
		return fmt.Errorf("read tip: %w", err)
	}
	if !ok {
		return errkind.Consistencyf("poll called before bootstrap completed")
	}
	if nodeTip == storedTip {
		return nil
	}

	forkHeight, forkHash, err := ix.findForkPoint(ctx, storedTip)
	if err != nil {
		return fmt.Errorf("find fork point: %w", err)
	}
	if forkHash != storedTip {
		log.Infof("reorg detected: rewinding tip from %v to %v at height %d", storedTip, forkHash, forkHeight)
		if err := ix.Rewind(forkHash); err != nil {
			return fmt.Errorf("rewind to fork point: %w", err)
		}
	}

	nodeTipHeight, err := ix.node.BlockCount(ctx)
	if err != nil {
		return fmt.Errorf("block count: %w", err)
	}
	for h := forkHeight + 1; h <= nodeTipHeight; h++ {
		hash, err := ix.node.BlockHashByHeight(ctx, h)
		if err != nil {
			return fmt.Errorf("block hash at height %d: %w", h, err)
		}
		blk, err := ix.fetchBlock(ctx, hash)
		if err != nil {
			return err
		}
		if err := ix.ApplyBlock(blk, h); err != nil {
			return err
		}
	}
	return nil
}

// findForkPoint walks storedTip's ancestor chain backward (using BlockRow's
// stored header bytes, not the node, to reconstruct each ancestor's
// PrevBlock link) comparing each height against the node's own
// getblockhash-at-height result, which is always authoritative for "what
// is the best chain." The first height where the two agree is the fork
// point; if storedTip is still on the best chain, that's storedTip itself
// at its own height, found on the first iteration.
func (ix *Indexer) findForkPoint(ctx context.Context, storedTip chain.Hash256) (chain.Height, chain.Hash256, error) {
	cur := storedTip
	row, err := ix.blockRow(cur)
	if err != nil {
		return 0, chain.Hash256{}, err
	}
	curHeight := row.Height
	curHeader := row.Header

	for {
		nodeHash, err := ix.node.BlockHashByHeight(ctx, curHeight)
		if err == nil && nodeHash == cur {
			return curHeight, cur, nil
		}
		if curHeight == 0 {
			return 0, cur, errkind.Consistencyf("fork point search reached genesis without matching the node's chain")
		}

		hdr, err := chain.DecodeBlockHeaderBytes(curHeader)
		if err != nil {
			return 0, chain.Hash256{}, errkind.Corruptionf("decode ancestor header of %v: %v", cur, err)
		}
		cur = hdr.PrevBlock
		curHeight--

		row, err := ix.blockRow(cur)
		if err != nil {
			return 0, chain.Hash256{}, err
		}
		curHeader = row.Header
	}
}

func (ix *Indexer) blockRow(hash chain.Hash256) (store.BlockRow, error) {
	v, err := ix.st.Get(store.FamilyTxStore, store.BlockRowKey(hash))
	if err != nil {
		return store.BlockRow{}, fmt.Errorf("block row %v: %w", hash, err)
	}
	row, err := store.DecodeBlockRow(v)
	if err != nil {
		return store.BlockRow{}, errkind.Corruptionf("decode block row %v: %v", hash, err)
	}
	return row, nil
}
