// Package main is esplora-tapyrusd, the Tapyrus UTXO indexing and query
// daemon: it wires a Store, a Node Client, an Indexer, a Mempool replica,
// an Aggregation Cache, and a Query Layer, then serves that Query Layer
// over Electrum JSON-RPC and the REST API alongside a Prometheus/health
// server. Grounded on cmd/tbcd/tbcd.go's shape -- a package-level welcome
// banner, config.Parse (here config.Load) before anything else,
// HandleSignals wiring a cancelable root context, and Run(ctx) on the one
// long-lived server -- fanned out here across several services run
// concurrently instead of tbcd's single server.Run call.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/chaintope/esplora-tapyrus/aggcache"
	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/config"
	"github.com/chaintope/esplora-tapyrus/electrum"
	"github.com/chaintope/esplora-tapyrus/indexer"
	"github.com/chaintope/esplora-tapyrus/mempool"
	"github.com/chaintope/esplora-tapyrus/metrics"
	"github.com/chaintope/esplora-tapyrus/query"
	"github.com/chaintope/esplora-tapyrus/rest"
	"github.com/chaintope/esplora-tapyrus/rpcnode"
	"github.com/chaintope/esplora-tapyrus/store"
)

const daemonName = "esplora-tapyrusd"

var (
	log     = loggo.GetLogger(daemonName)
	welcome = fmt.Sprintf("%v: Tapyrus UTXO indexing and query service", daemonName)
)

// HandleSignals cancels ctx on the first SIGINT/SIGTERM, calling callback
// first, then hard-exits on a second signal. Lifted from cmd/tbcd/tbcd.go.
func HandleSignals(ctx context.Context, cancel context.CancelFunc, callback func(os.Signal)) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signalChan)
		cancel()
	}()

	select {
	case <-ctx.Done():
	case s := <-signalChan:
		if callback != nil {
			callback(s)
		}
		cancel()
	}
	<-signalChan
	os.Exit(2)
}

func _main() error {
	if err := config.RootCmd.ParseFlags(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	configDirs := []string{"/etc/" + daemonName, os.ExpandEnv("$HOME/." + daemonName), "."}
	cfg, err := config.Load(config.RootCmd.PersistentFlags(), configDirs...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := "INFO"
	if cfg.Verbosity > 0 {
		logLevel = "DEBUG"
	}
	if err := loggo.ConfigureLoggers(fmt.Sprintf("%v=%v", daemonName, logLevel)); err != nil {
		return fmt.Errorf("configure loggers: %w", err)
	}
	log.Infof("%v", welcome)

	params, err := chain.ParamsByName(cfg.NetworkID)
	if err != nil {
		return fmt.Errorf("network id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go HandleSignals(ctx, cancel, func(s os.Signal) {
		log.Infof("received signal %v, draining", s)
	})

	st, err := store.Open(ctx, store.Config{
		Home:           cfg.DBDir,
		Network:        cfg.NetworkID,
		AutoCompaction: true,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Errorf("close store: %v", err)
		}
	}()

	rpcCfg := rpcnode.Config{
		Addr:       cfg.DaemonRPCAddr,
		User:       cfg.DaemonRPCUser,
		Pass:       cfg.DaemonRPCPass,
		CookiePath: cfg.CookiePath,
	}
	if cfg.Cookie != "" {
		user, pass, ok := strings.Cut(cfg.Cookie, ":")
		if !ok {
			return fmt.Errorf("cookie: expected user:password")
		}
		rpcCfg.User, rpcCfg.Pass = user, pass
	}
	node, err := rpcnode.New(rpcCfg)
	if err != nil {
		return fmt.Errorf("new rpc client: %w", err)
	}

	blockFilesDir := cfg.DaemonDir
	if cfg.JSONRPCImport {
		// spec.md §6's --jsonrpc-import forces the RPC bulk-import path
		// even when the daemon's block files are reachable.
		blockFilesDir = ""
	}
	ix := indexer.New(st, node, params, indexer.Config{
		BlockFilesDir:     blockFilesDir,
		IndexUnspendables: cfg.IndexUnspendables,
		BulkWorkers:       cfg.BulkIndexThreads,
		PollInterval:      cfg.PollInterval,
		AddressSearch:     cfg.AddressSearch,
	})

	mp := mempool.New(node, st, cfg.IndexUnspendables)

	cache, err := aggcache.New(st, aggcache.Config{MaxCost: int64(cfg.TxCacheSize)})
	if err != nil {
		return fmt.Errorf("new aggregation cache: %w", err)
	}

	svc := query.New(st, cache, mp, node, params)

	var reg *metrics.Registry
	var metricsSrv *metrics.Server
	if cfg.MonitoringAddr != "" {
		reg = metrics.NewRegistry(daemonName)
		metricsSrv = metrics.New(cfg.MonitoringAddr, func(ctx context.Context) (bool, any, error) {
			_, height, err := svc.Tip()
			if err != nil {
				return false, nil, nil
			}
			return true, struct {
				Height chain.Height `json:"height"`
				State  string       `json:"indexer_state"`
			}{Height: height, State: ix.State().String()}, nil
		})
	}

	electrumSrv := electrum.New(cfg.ElectrumRPCAddr, svc, cfg.ServerBanner, reg)
	restSrv := rest.New(cfg.HTTPAddr, svc, params, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.Run(gctx) })
	g.Go(func() error { return mp.Run(gctx, cfg.PollInterval) })
	g.Go(func() error { return electrumSrv.Run(gctx) })
	g.Go(func() error { return restSrv.Run(gctx) })
	if metricsSrv != nil {
		g.Go(func() error { return metricsSrv.Run(gctx, reg.Collectors()) })
	}
	if reg != nil {
		g.Go(func() error { return reportMetrics(gctx, reg, svc, mp) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service terminated: %w", err)
	}
	return nil
}

func main() {
	if err := _main(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
