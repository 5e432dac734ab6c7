package mempool

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
)

// FeeEstimate is a single entry in a fee-estimate table: "pay this many
// satoshis per vbyte to confirm within this many blocks."
type FeeEstimate struct {
	Blocks      uint
	SatsPerByte float64
}

const defaultMinFee = 1.0 // sats/vbyte, matching the teacher's floor

// maxBlockVSize is the weight-unit block size limit converted to vbytes;
// Tapyrus inherited Bitcoin's block weight accounting, so the same
// constant applies.
var maxBlockVSize = int64(blockchain.MaxBlockWeight) / 4

// blockFullThreshold mirrors the teacher's "close enough to full that the
// next block is presumed also full" cutoff, in vbytes.
const blockFullThreshold = 50000

// bucket is one simulated future block's worth of mempool transactions,
// ordered highest fee rate first.
type bucket struct {
	vsize     int64
	rates     []float64
	medianFee float64
}

// EstimateFees buckets the current mempool into simulated future blocks by
// descending fee rate and returns a 6-entry fee table (next block through
// 6 blocks out), porting tbc.mempool.generateMempoolBlocks/
// GetRecommendedFees/optimizeMedianFee nearly verbatim: the same
// bucket-by-fee-rate-descending, take-the-median-per-bucket,
// ramp-the-estimate-between-buckets algorithm, adapted from
// weight-unit/FeeRate() txin/txout value bookkeeping (which needs the
// teacher's P2P-sourced prevout values) to this package's simpler
// Entry.Fee/Entry.VSize, already resolved during Poll.
func (mp *Mempool) EstimateFees() []FeeEstimate {
	mp.mtx.RLock()
	entries := make([]*Entry, 0, len(mp.entries))
	for _, e := range mp.entries {
		entries = append(entries, e)
	}
	mp.mtx.RUnlock()

	buckets := bucketize(entries)

	estimates := make([]FeeEstimate, 6)
	for i := range estimates {
		estimates[i] = FeeEstimate{Blocks: uint(i + 1), SatsPerByte: defaultMinFee}
	}

	var prevMedian float64
	if len(buckets) > 0 {
		prevMedian = buckets[0].medianFee
	}
	for i := range estimates {
		if i >= len(buckets) {
			break
		}
		prevMedian = optimizeMedianFee(&buckets[i], len(buckets) > i+1, prevMedian)
		estimates[i].SatsPerByte = math.Max(defaultMinFee, prevMedian)
	}
	return estimates
}

func bucketize(entries []*Entry) []bucket {
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FeeRate() > entries[j].FeeRate()
	})

	var buckets []bucket
	cur := bucket{}
	for _, e := range entries {
		vsize := int64(e.VSize)
		if cur.vsize+vsize > maxBlockVSize && cur.vsize != 0 {
			buckets = append(buckets, cur)
			cur = bucket{}
		}
		cur.rates = append(cur.rates, e.FeeRate())
		cur.vsize += vsize
	}
	if cur.vsize > 0 {
		buckets = append(buckets, cur)
	}

	for i := range buckets {
		buckets[i].medianFee = medianFeeRate(buckets[i].rates)
	}
	return buckets
}

func medianFeeRate(rates []float64) float64 {
	l := len(rates)
	switch {
	case l == 0:
		return 0
	case l%2 == 0:
		return (rates[l/2-1] + rates[l/2]) / 2
	default:
		return rates[l/2]
	}
}

func optimizeMedianFee(b *bucket, existsNextBucket bool, previousFee float64) float64 {
	useFee := (b.medianFee + previousFee) / 2

	if b.vsize <= maxBlockVSize/2 {
		return defaultMinFee
	}
	if b.vsize <= maxBlockVSize-blockFullThreshold && !existsNextBucket {
		mult := float64(b.vsize-maxBlockVSize/2) / float64(maxBlockVSize/2)
		return math.Max(useFee*mult, defaultMinFee)
	}
	return useFee
}
