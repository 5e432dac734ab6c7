// Package aggcache implements the aggregation cache from spec.md §4.7: a
// running funded/spent total per scripthash (and, for colored coins, per
// scripthash+color) that would otherwise cost a full history scan on every
// query. Each total is anchored to the blockhash it was computed against
// so a later reorg can be detected cheaply, without re-deriving the whole
// thing from scratch every time.
//
// The persisted half -- store.StatsValue under store.StatsKey/
// ColoredStatsKey -- is grounded on the schema store package already
// carries for exactly this purpose. This package adds the in-memory hot
// path: a github.com/dgraph-io/ristretto/v2 cache in front of it, and a
// golang.org/x/sync/singleflight group so that when many requests for the
// same cold scripthash arrive at once, only one of them recomputes while
// the rest wait on its result -- the map-like capacity-bounded shape is
// the same idea as tbc.Cache[K,V], swapped for a real eviction policy
// since ristretto, unlike the teacher's plain map, actually bounds memory.
package aggcache

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/juju/loggo"
	"golang.org/x/sync/singleflight"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
	"github.com/chaintope/esplora-tapyrus/store"
)

var log = loggo.GetLogger("aggcache")

func init() {
	if err := loggo.ConfigureLoggers("INFO"); err != nil {
		panic(err)
	}
}

// Cache fronts the persisted per-scripthash stats rows with a bounded
// in-memory cache and single-flight recompute coalescing.
type Cache struct {
	st  *store.Store
	hot *ristretto.Cache[string, store.StatsValue]
	sf  singleflight.Group
}

// Config sizes the in-memory hot cache. Zero values fall back to sane
// defaults sized for a few hundred thousand distinct scripthashes.
type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// New builds a Cache backed by st.
func New(st *store.Store, cfg Config) (*Cache, error) {
	if cfg.NumCounters == 0 {
		cfg.NumCounters = 1e6
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 1 << 26 // up to 1<<26 entries; every entry costs 1
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = 64
	}
	hot, err := ristretto.NewCache(&ristretto.Config[string, store.StatsValue]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{st: st, hot: hot}, nil
}

// Close releases the hot cache's background goroutines.
func (c *Cache) Close() {
	c.hot.Close()
}

// Get returns the native-token running totals for scriptHash.
func (c *Cache) Get(scriptHash chain.ScriptHash) (store.StatsValue, error) {
	hotKey := "u:" + string(scriptHash[:])
	return c.get(store.StatsKey(scriptHash), hotKey, func(afterHeight int64) (store.StatsValue, error) {
		return c.scan(store.HistoryPrefix(scriptHash), afterHeight)
	})
}

// GetColored returns scriptHash's running totals restricted to colorID.
func (c *Cache) GetColored(scriptHash chain.ScriptHash, colorID chain.ColorId) (store.StatsValue, error) {
	hotKey := "c:" + string(scriptHash[:]) + string(colorID[:])
	return c.get(store.ColoredStatsKey(scriptHash, colorID), hotKey, func(afterHeight int64) (store.StatsValue, error) {
		return c.scan(store.ColoredHistoryPrefix(scriptHash, colorID), afterHeight)
	})
}

// get implements spec.md §4.7's four-step validity check:
//  1. no entry anywhere -> compute from scratch, anchor the result at tip
//  2. hot entry anchored at tip -> return it as-is
//  3. a persisted entry anchored at an ancestor of tip -> replay only the
//     history rows newer than that anchor and extend it
//  4. a persisted entry anchored off-chain (abandoned by a reorg) ->
//     discard it and recompute from scratch
func (c *Cache) get(key []byte, hotKey string, scan func(afterHeight int64) (store.StatsValue, error)) (store.StatsValue, error) {
	tip, ok, err := c.st.Tip()
	if err != nil {
		return store.StatsValue{}, err
	}
	if !ok {
		return store.StatsValue{}, errkind.Consistencyf("aggcache: no tip yet")
	}

	if v, found := c.hot.Get(hotKey); found && v.Anchor == tip {
		return v, nil
	}

	result, err, _ := c.sf.Do(hotKey, func() (any, error) {
		return c.recompute(key, hotKey, tip, scan)
	})
	if err != nil {
		return store.StatsValue{}, err
	}
	return result.(store.StatsValue), nil
}

func (c *Cache) recompute(key []byte, hotKey string, tip chain.Hash256, scan func(afterHeight int64) (store.StatsValue, error)) (store.StatsValue, error) {
	persisted, found, err := c.loadPersisted(key)
	if err != nil {
		return store.StatsValue{}, err
	}

	if found {
		if persisted.Anchor == tip {
			c.store(key, hotKey, persisted)
			return persisted, nil
		}
		onChain, anchorHeight, err := c.isAncestor(tip, persisted.Anchor)
		if err != nil {
			return store.StatsValue{}, err
		}
		if onChain {
			delta, err := scan(int64(anchorHeight))
			if err != nil {
				return store.StatsValue{}, err
			}
			merged := merge(persisted, delta, tip)
			c.store(key, hotKey, merged)
			return merged, nil
		}
		log.Infof("aggcache: anchor %v no longer on best chain, recomputing", persisted.Anchor)
	}

	fresh, err := scan(-1)
	if err != nil {
		return store.StatsValue{}, err
	}
	fresh.Anchor = tip
	c.store(key, hotKey, fresh)
	return fresh, nil
}

func merge(base, delta store.StatsValue, tip chain.Hash256) store.StatsValue {
	return store.StatsValue{
		Anchor:         tip,
		TxCount:        base.TxCount + delta.TxCount,
		FundedTxoCount: base.FundedTxoCount + delta.FundedTxoCount,
		SpentTxoCount:  base.SpentTxoCount + delta.SpentTxoCount,
		FundedTxoSum:   base.FundedTxoSum + delta.FundedTxoSum,
		SpentTxoSum:    base.SpentTxoSum + delta.SpentTxoSum,
	}
}

func (c *Cache) loadPersisted(key []byte) (store.StatsValue, bool, error) {
	v, err := c.st.Get(store.FamilyCache, key)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return store.StatsValue{}, false, nil
		}
		return store.StatsValue{}, false, err
	}
	sv, err := store.DecodeStatsValue(v)
	if err != nil {
		return store.StatsValue{}, false, errkind.Corruptionf("decode stats value: %v", err)
	}
	return sv, true, nil
}

func (c *Cache) store(key []byte, hotKey string, v store.StatsValue) {
	if err := c.st.Put(store.FamilyCache, key, store.EncodeStatsValue(v)); err != nil {
		log.Errorf("aggcache: persist %s: %v", hotKey, err)
	}
	c.hot.Set(hotKey, v, 1)
	c.hot.Wait()
}

// scan tallies every history row under prefix with height > afterHeight
// (afterHeight < 0 means "every row") into a StatsValue with no anchor set;
// callers fill in Anchor themselves once they know what height they scanned
// up to.
func (c *Cache) scan(prefix []byte, afterHeight int64) (store.StatsValue, error) {
	it, err := c.st.RangeIterator(store.FamilyHistory, prefix)
	if err != nil {
		return store.StatsValue{}, err
	}
	defer it.Release()

	var v store.StatsValue
	txids := make(map[chain.Hash256]struct{})
	for it.Next() {
		height, txid, err := store.DecodeHeightHashPrefix(it.Key()[len(prefix):])
		if err != nil {
			return store.StatsValue{}, errkind.Corruptionf("decode history key suffix: %v", err)
		}
		if int64(height) <= afterHeight {
			continue
		}
		hv, err := store.DecodeHistoryValue(it.Value())
		if err != nil {
			return store.StatsValue{}, errkind.Corruptionf("decode history value: %v", err)
		}
		if _, seen := txids[txid]; !seen {
			txids[txid] = struct{}{}
			v.TxCount++
		}
		switch hv.Kind {
		case store.HistoryFunding:
			v.FundedTxoCount++
			v.FundedTxoSum += hv.Value
		case store.HistorySpending:
			v.SpentTxoCount++
			v.SpentTxoSum += hv.Value
		}
	}
	if err := it.Error(); err != nil {
		return store.StatsValue{}, err
	}
	return v, nil
}

// isAncestor reports whether candidate is an ancestor of tip (including
// candidate == tip), by walking tip's BlockRow chain backward via each
// block's stored header until candidate's own height is reached. This is
// the same backward-walk-via-persisted-headers idiom indexer.findForkPoint
// uses to locate a reorg's fork point, reused here to answer "is this
// cached anchor still on the best chain" instead of "where did it diverge."
func (c *Cache) isAncestor(tip, candidate chain.Hash256) (bool, chain.Height, error) {
	candRow, err := c.blockRow(candidate)
	if err != nil {
		if errors.Is(err, errkind.ErrClient) {
			return false, 0, nil
		}
		return false, 0, err
	}

	cur := tip
	for {
		row, err := c.blockRow(cur)
		if err != nil {
			return false, candRow.Height, err
		}
		if row.Height == candRow.Height {
			return cur == candidate, candRow.Height, nil
		}
		if row.Height < candRow.Height {
			return false, candRow.Height, errkind.Consistencyf("aggcache: walked past anchor height %d at %d", candRow.Height, row.Height)
		}
		hdr, err := chain.DecodeBlockHeaderBytes(row.Header)
		if err != nil {
			return false, candRow.Height, errkind.Corruptionf("decode block header: %v", err)
		}
		cur = hdr.PrevBlock
	}
}

func (c *Cache) blockRow(hash chain.Hash256) (store.BlockRow, error) {
	v, err := c.st.Get(store.FamilyTxStore, store.BlockRowKey(hash))
	if err != nil {
		return store.BlockRow{}, err
	}
	row, err := store.DecodeBlockRow(v)
	if err != nil {
		return store.BlockRow{}, errkind.Corruptionf("decode block row: %v", err)
	}
	return row, nil
}
