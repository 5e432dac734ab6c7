package main

import (
	"context"
	"time"

	"github.com/chaintope/esplora-tapyrus/mempool"
	"github.com/chaintope/esplora-tapyrus/metrics"
	"github.com/chaintope/esplora-tapyrus/query"
)

// reportMetrics periodically copies live counts into reg's gauges. Neither
// the indexer nor the mempool replica know about Prometheus, so this loop
// is the one place that bridges them, polling the same way mp.Run polls
// the node.
func reportMetrics(ctx context.Context, reg *metrics.Registry, svc *query.Service, mp *mempool.Mempool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, height, err := svc.Tip(); err == nil {
				reg.TipHeight.Set(float64(height))
			}
			count, _ := mp.Stats()
			reg.MempoolSize.Set(float64(count))
		}
	}
}
