// Package store is the embedded LSM storage layer: three independent
// goleveldb instances standing in for the "column families" a real LSM
// engine like RocksDB would give for free. goleveldb has no column-family
// concept, so each family below is its own on-disk database under
// db-dir/<network>/<family>, following the teacher's Pool-of-named-leveldb-
// instances pattern (database/level.Database, database/tbcd/level.ldb).
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/mitchellh/go-homedir"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chaintope/esplora-tapyrus/chain"
	"github.com/chaintope/esplora-tapyrus/errkind"
)

var log = loggo.GetLogger("store")

func init() {
	if err := loggo.ConfigureLoggers("INFO"); err != nil {
		panic(err)
	}
}

// Family names the three on-disk databases a Store opens. They mirror the
// three logical tables spec.md's storage section calls out: raw tx/output
// rows filled during bulk phase 1, derived history/colored-coin rows filled
// during bulk phase 2 and tracking, and the persisted half of the
// aggregation cache.
type Family string

const (
	FamilyTxStore Family = "txstore"
	FamilyHistory Family = "history"
	FamilyCache   Family = "cache"

	metaFamily = "meta"

	schemaVersion = 1
)

var families = []Family{FamilyTxStore, FamilyHistory, FamilyCache}

var (
	metaVersionKey = []byte("schema_version")
	metaTipKey     = []byte("tip_blockhash")
)

// Config configures a Store. CacheSize is a humanize-parseable size
// ("512MB", "1GB", ...), applied as goleveldb's BlockCacheCapacity per
// family, the same knob database/tbcd/level.Config exposes for its block
// cache.
type Config struct {
	Home      string
	Network   string
	CacheSize string

	AutoCompaction bool
}

// Store owns one goleveldb instance per Family plus a small metadata
// database, all rooted at Home/Network.
type Store struct {
	mtx  sync.RWMutex
	pool map[Family]*leveldb.DB
	meta *leveldb.DB

	cfg Config
}

// Open creates or opens the on-disk databases for cfg.Network under
// cfg.Home, creating directories as needed, and checks the on-disk schema
// version.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	log.Tracef("Open")
	defer log.Tracef("Open exit")

	home, err := homedir.Expand(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	cfg.Home = home

	var cacheBytes uint64
	if cfg.CacheSize != "" {
		cacheBytes, err = humanize.ParseBytes(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("parse cache size: %w", err)
		}
		if cacheBytes > math.MaxInt32 {
			return nil, errors.New("cache size too large")
		}
	}

	s := &Store{
		pool: make(map[Family]*leveldb.DB, len(families)),
		cfg:  cfg,
	}

	unwind := true
	defer func() {
		if unwind {
			if cerr := s.Close(); cerr != nil {
				log.Errorf("open unwind close: %v", cerr)
			}
		}
	}()

	var opts *opt.Options
	if cacheBytes > 0 {
		opts = &opt.Options{BlockCacheCapacity: int(cacheBytes)}
	}

	dir := networkDir(cfg.Home, cfg.Network)
	for _, f := range families {
		db, err := leveldb.OpenFile(familyPath(dir, string(f)), familyOpts(f, opts, cfg.AutoCompaction))
		if err != nil {
			return nil, fmt.Errorf("open %v: %w", f, err)
		}
		s.pool[f] = db
	}

	meta, err := leveldb.OpenFile(familyPath(dir, metaFamily), nil)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", metaFamily, err)
	}
	s.meta = meta

	if err := s.checkVersion(); err != nil {
		return nil, err
	}

	unwind = false
	return s, nil
}

func familyOpts(f Family, base *opt.Options, autoCompaction bool) *opt.Options {
	o := opt.Options{}
	if base != nil {
		o = *base
	}
	if !autoCompaction {
		o.CompactionTableSize = math.MaxInt32
		o.DisableSeeksCompaction = true
	}
	return &o
}

func networkDir(home, network string) string {
	return home + "/" + network
}

func familyPath(networkDir, family string) string {
	return networkDir + "/" + family
}

func (s *Store) checkVersion() error {
	v, err := s.meta.Get(metaVersionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, schemaVersion)
		return s.meta.Put(metaVersionKey, buf, nil)
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if len(v) != 8 {
		return errkind.Corruptionf("malformed schema version record: %x", v)
	}
	got := binary.BigEndian.Uint64(v)
	if got != schemaVersion {
		return errkind.Corruptionf("schema version mismatch: have %d want %d", got, schemaVersion)
	}
	return nil
}

// Close releases every underlying goleveldb handle. It returns the last
// error seen, if any, but always attempts to close every family -- a
// half-closed Store is worse than a slow one, the same tradeoff
// database/level.Database.Close makes.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var errSeen error
	for f, db := range s.pool {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			log.Errorf("close %v: %v", f, err)
			errSeen = err
		}
	}
	if s.meta != nil {
		if err := s.meta.Close(); err != nil {
			log.Errorf("close %v: %v", metaFamily, err)
			errSeen = err
		}
	}
	return errSeen
}

// DB returns the raw goleveldb handle for a family, for callers (the
// indexer's bulk workers, the aggregation cache) that need direct access
// to batches, snapshots or iterators the helpers below don't expose.
func (s *Store) DB(f Family) (*leveldb.DB, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	db, ok := s.pool[f]
	if !ok {
		return nil, fmt.Errorf("unknown family %q", f)
	}
	return db, nil
}

// Get fetches a single value from f, returning an errkind Client-kind
// error when the key is absent.
func (s *Store) Get(f Family, key []byte) ([]byte, error) {
	db, err := s.DB(f)
	if err != nil {
		return nil, err
	}
	v, err := db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errkind.Clientf("key not found in %v", f)
	}
	if err != nil {
		return nil, fmt.Errorf("get %v: %w", f, err)
	}
	return v, nil
}

// Put writes a single key/value pair to f.
func (s *Store) Put(f Family, key, value []byte) error {
	db, err := s.DB(f)
	if err != nil {
		return err
	}
	return db.Put(key, value, nil)
}

// Batch accumulates writes against a single family for atomic application.
type Batch struct {
	f  Family
	db *leveldb.DB
	b  *leveldb.Batch
}

// NewBatch starts an empty batch against family f.
func (s *Store) NewBatch(f Family) (*Batch, error) {
	db, err := s.DB(f)
	if err != nil {
		return nil, err
	}
	return &Batch{f: f, db: db, b: new(leveldb.Batch)}, nil
}

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *Batch) Delete(key []byte)     { b.b.Delete(key) }
func (b *Batch) Len() int              { return b.b.Len() }
func (b *Batch) Reset()                { b.b.Reset() }

// Write atomically applies every accumulated operation.
func (b *Batch) Write() error {
	if err := b.db.Write(b.b, nil); err != nil {
		return fmt.Errorf("write batch %v: %w", b.f, err)
	}
	return nil
}

// Iterator wraps goleveldb's iterator with the Store's family bookkeeping;
// callers must call Release when done.
type Iterator struct {
	it iterator
}

type iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// RangeIterator returns an iterator over every key in f with the given
// prefix, in ascending lexicographic (hence, thanks to the big-endian
// height encoding in keys.go, ascending height) order.
func (s *Store) RangeIterator(f Family, prefix []byte) (*Iterator, error) {
	db, err := s.DB(f)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: db.NewIterator(util.BytesPrefix(prefix), nil)}, nil
}

func (it *Iterator) Next() bool      { return it.it.Next() }
func (it *Iterator) Key() []byte     { return it.it.Key() }
func (it *Iterator) Value() []byte   { return it.it.Value() }
func (it *Iterator) Release()        { it.it.Release() }
func (it *Iterator) Error() error    { return it.it.Error() }

// Tip returns the blockhash the schema is currently consistent to, and
// false if no block has ever been committed. The tip pointer lives in the
// meta database, not any Family, since it is written last of all per
// spec.md §4.5's txstore→history→tip-pointer ordering rule and must survive
// independently of which families a given write touched.
func (s *Store) Tip() (chain.Hash256, bool, error) {
	var h chain.Hash256
	v, err := s.meta.Get(metaTipKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return h, false, nil
	}
	if err != nil {
		return h, false, fmt.Errorf("read tip: %w", err)
	}
	if len(v) != chain.Hash256Size {
		return h, false, errkind.Corruptionf("malformed tip record: %x", v)
	}
	copy(h[:], v)
	return h, true, nil
}

// SetTip overwrites the tip pointer. Callers must write it only after the
// txstore and history batches it depends on have been committed.
func (s *Store) SetTip(h chain.Hash256) error {
	if err := s.meta.Put(metaTipKey, h[:], nil); err != nil {
		return fmt.Errorf("write tip: %w", err)
	}
	return nil
}

// Compact triggers a manual compaction of every family; used after bulk
// phase 2 completes, the one time compaction is worth its cost (spec.md's
// Compacted state).
func (s *Store) Compact(ctx context.Context) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for f, db := range s.pool {
		if err := db.CompactRange(util.Range{}); err != nil {
			return fmt.Errorf("compact %v: %w", f, err)
		}
	}
	return nil
}
