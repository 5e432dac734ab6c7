// Package config builds the esplora-tapyrusd binary's Config from built-in
// defaults, TOML files, environment variables, and CLI flags, in that
// precedence order, per spec.md §6. Grounded on
// github.com/bitcoin-sv/arc's config/load.go (viper defaults + file +
// env + github.com/mitchellh/mapstructure.Decode into a typed struct) fused
// with its cmd/broadcaster-cli/app/root.go (github.com/spf13/cobra root
// command, github.com/spf13/pflag persistent flags bound into viper via
// viper.BindPFlag).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable this package reads,
// e.g. ESPLORA_TAPYRUS_DB_DIR, mirroring spec.md §6's "ELECTRS_ env
// equivalents" convention.
const EnvPrefix = "ESPLORA_TAPYRUS"

// Config is the fully resolved configuration for esplora-tapyrusd.
type Config struct {
	NetworkID string `mapstructure:"network-id"`

	DBDir      string `mapstructure:"db-dir"`
	DaemonDir  string `mapstructure:"daemon-dir"`
	CookiePath string `mapstructure:"cookie-path"`

	DaemonRPCAddr string `mapstructure:"daemon-rpc-addr"`
	DaemonRPCUser string `mapstructure:"daemon-rpc-user"`
	DaemonRPCPass string `mapstructure:"daemon-rpc-pass"`
	Cookie        string `mapstructure:"cookie"`

	ElectrumRPCAddr string `mapstructure:"electrum-rpc-addr"`
	HTTPAddr        string `mapstructure:"http-addr"`
	MonitoringAddr  string `mapstructure:"monitoring-addr"`

	IndexBatchSize       int `mapstructure:"index-batch-size"`
	BulkIndexThreads     int `mapstructure:"bulk-index-threads"`
	TxCacheSize          int `mapstructure:"tx-cache-size"`
	BlockTxIDsCacheSize  int `mapstructure:"blocktxids-cache-size"`
	TxidLimit            int `mapstructure:"txid-limit"`

	JSONRPCImport     bool `mapstructure:"jsonrpc-import"`
	IndexUnspendables bool `mapstructure:"index-unspendables"`
	AddressSearch     bool `mapstructure:"address-search"`
	ServerBanner      string `mapstructure:"server-banner"`

	Verbosity int  `mapstructure:"verbosity"`
	Timestamp bool `mapstructure:"timestamp"`

	PollInterval time.Duration `mapstructure:"poll-interval"`
}

// defaults returns the built-in defaults, the weakest link in the
// precedence chain: built-in defaults < electrs.toml in each config
// directory, later ones winning < env < CLI.
func defaults() *Config {
	return &Config{
		NetworkID:           "prod",
		DBDir:               "./db",
		ElectrumRPCAddr:     "127.0.0.1:50001",
		HTTPAddr:            "127.0.0.1:3000",
		MonitoringAddr:      "",
		IndexBatchSize:      100,
		BulkIndexThreads:    0,
		TxCacheSize:         1 << 20,
		BlockTxIDsCacheSize: 1 << 20,
		TxidLimit:           10000,
		JSONRPCImport:       false,
		IndexUnspendables:   false,
		AddressSearch:       false,
		ServerBanner:        "esplora-tapyrus",
		Verbosity:           0,
		Timestamp:           false,
		PollInterval:        10 * time.Second,
	}
}

var (
	ErrConfigFailedToSetDefaults = errors.New("config: error occurred while setting defaults")
	ErrConfigPath                = errors.New("config: config path error")
)

// Load resolves a Config from defaults, then any readable TOML file among
// configPaths (checked in order, each overriding the last), then
// ESPLORA_TAPYRUS_-prefixed environment variables, then flags already
// parsed onto fs.
func Load(fs *pflag.FlagSet, configPaths ...string) (*Config, error) {
	cfg := defaults()

	if err := setDefaults(cfg); err != nil {
		return nil, err
	}
	if err := overrideWithFiles(configPaths...); err != nil {
		return nil, err
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if fs != nil {
		if err := viper.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return errors.Join(ErrConfigFailedToSetDefaults, err)
	}
	for k, v := range m {
		viper.SetDefault(k, v)
	}
	return nil
}

func overrideWithFiles(configPaths ...string) error {
	viper.SetConfigType("toml")

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		stat, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if !stat.IsDir() {
			return errors.Join(ErrConfigPath, fmt.Errorf("path: %s should be a directory", path))
		}
		file := filepath.Join(path, "electrs.toml")
		if _, err := os.Stat(file); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		viper.SetConfigFile(file)
		if err := viper.MergeInConfig(); err != nil {
			return err
		}
	}
	return nil
}

// RootCmd is the esplora-tapyrusd CLI surface, grounded on
// cmd/broadcaster-cli/app/root.go's cobra.Command + persistent-pflag shape.
// Each flag is bound into viper by name so Load's later Unmarshal picks up
// whatever the user actually passed, deferring to the CLI over file/env per
// spec.md §6's precedence chain.
var RootCmd = &cobra.Command{
	Use:   "esplora-tapyrusd",
	Short: "Tapyrus UTXO indexing and query service",
}

func init() {
	flags := RootCmd.PersistentFlags()
	bind := func(name string, bindErr *error) {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil && *bindErr == nil {
			*bindErr = err
		}
	}

	d := defaults()
	flags.String("network-id", d.NetworkID, "Tapyrus network: prod, dev, or regtest")
	flags.String("db-dir", d.DBDir, "directory for the LevelDB families")
	flags.String("daemon-dir", d.DaemonDir, "directory holding the daemon's raw blk*.dat block files, used for bulk import")
	flags.String("daemon-rpc-addr", d.DaemonRPCAddr, "host:port of the daemon's JSON-RPC listener")
	flags.String("cookie", "", "static user:password RPC credentials")
	flags.String("cookie-path", d.CookiePath, "path to the daemon's .cookie file")
	flags.String("electrum-rpc-addr", d.ElectrumRPCAddr, "listen address for the Electrum JSON-RPC server")
	flags.String("http-addr", d.HTTPAddr, "listen address for the REST server")
	flags.String("monitoring-addr", d.MonitoringAddr, "listen address for the Prometheus/health server")
	flags.Int("index-batch-size", d.IndexBatchSize, "accepted but not read; the indexer writes one LevelDB batch per block")
	flags.Int("bulk-index-threads", d.BulkIndexThreads, "worker count for the bulk blockfile scan; 0 uses NumCPU")
	flags.Int("tx-cache-size", d.TxCacheSize, "in-memory aggregation cache capacity")
	flags.Int("blocktxids-cache-size", d.BlockTxIDsCacheSize, "accepted but not read; there is no block-txids cache")
	flags.Int("txid-limit", d.TxidLimit, "accepted but not read; paginated queries use fixed page sizes")
	flags.Bool("jsonrpc-import", d.JSONRPCImport, "force RPC-based bulk import even when block files are available")
	flags.Bool("index-unspendables", d.IndexUnspendables, "index provably unspendable outputs")
	flags.Bool("address-search", d.AddressSearch, "maintain the address-prefix search index")
	flags.String("server-banner", d.ServerBanner, "banner text for server.banner")
	flags.CountP("verbose", "v", "increase log verbosity; repeatable")
	flags.Bool("timestamp", d.Timestamp, "accepted but not read; log line format is unchanged")

	var bindErr error
	for _, name := range []string{
		"network-id", "db-dir", "daemon-dir", "daemon-rpc-addr", "cookie", "cookie-path",
		"electrum-rpc-addr", "http-addr", "monitoring-addr", "index-batch-size",
		"bulk-index-threads", "tx-cache-size", "blocktxids-cache-size", "txid-limit",
		"jsonrpc-import", "index-unspendables", "address-search", "server-banner", "timestamp",
	} {
		bind(name, &bindErr)
	}
	if err := viper.BindPFlag("verbosity", flags.Lookup("verbose")); err != nil {
		bindErr = err
	}
	if bindErr != nil {
		panic(fmt.Errorf("bind persistent flags: %w", bindErr))
	}
}
