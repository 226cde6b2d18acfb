package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"btreekv/pkg/btree"
	"btreekv/pkg/clock"
	"btreekv/pkg/cluster"
	"btreekv/pkg/codec"
	"btreekv/pkg/compression"
	"btreekv/pkg/config"
	"btreekv/pkg/pagestore"
	"btreekv/pkg/types"
	"btreekv/pkg/wal"
)

// virtual points per shard on the locator ring
const shardReplicas = 64

type shard struct {
	id    types.ShardID
	slice *btree.Slice
	pages *pagestore.Store
	path  string

	// last WAL seq covered by the page file at path
	checkpointSeq atomic.Uint64
}

// Store is the local key-value engine: a fixed set of B-tree slices, each
// persisted as a page file, plus one shared WAL for the changes made since the
// last checkpoint.
type Store struct {
	cfg      config.DBConfig
	logger   *slog.Logger
	clock    *clock.CasClock
	locator  *cluster.ShardLocator
	manifest *Manifest
	shards   []*shard

	jr      *wal.WAL
	journal *walJournal
	cp      *Checkpointer

	cpMu   sync.Mutex
	closed atomic.Bool
}

// New opens the store in cfg.DataDir, loading page files and replaying the WAL.
func New(cfg config.DBConfig, tp clock.TimeProvider) (*Store, error) {
	if cfg.NodeSize == 0 {
		cfg.NodeSize = btree.DefaultNodeSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	manifest := NewManifest(cfg.DataDir)
	if err := manifest.Load(ManifestData{Shards: cfg.Shards, NodeSize: cfg.NodeSize}); err != nil {
		return nil, err
	}

	pageCodec, err := compression.New(cfg.Compression)
	if err != nil {
		return nil, err
	}

	journal, err := wal.New(cfg.DataDir, wal.Options{Sync: cfg.WAL.Sync, QueueSize: cfg.WAL.QueueSize})
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		logger:   slog.Default().With("component", "store"),
		clock:    clock.NewCas(tp),
		locator:  cluster.NewShardLocator(cfg.Shards, shardReplicas),
		manifest: manifest,
		jr:       journal,
		journal:  &walJournal{wal: journal},
	}

	for i := 0; i < cfg.Shards; i++ {
		sh, err := s.openShard(types.ShardID(i), pageCodec)
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		s.shards = append(s.shards, sh)
	}

	replayed, err := s.restoreFromJournal()
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	// a clean close leaves an empty log behind, numbering must still go on
	// after every seq a page file claims to cover
	var covered types.SeqN
	for _, sh := range s.shards {
		covered = max(covered, sh.checkpointSeq.Load())
	}
	s.jr.Advance(covered)

	s.journal.enabled.Store(true)
	s.jr.Start(context.Background())

	s.cp = NewCheckpointer(s, cfg.CheckpointInterval)
	s.cp.Start(context.Background())

	s.logger.Info("store opened",
		"path", cfg.DataDir,
		"shards", cfg.Shards,
		"node_size", cfg.NodeSize,
		"replayed", replayed,
	)
	return s, nil
}

func (s *Store) openShard(id types.ShardID, pageCodec compression.Codec) (*shard, error) {
	sh := &shard{
		id:    id,
		pages: pagestore.New(id, pageCodec, s.cfg.CachePages),
		path:  filepath.Join(s.cfg.DataDir, fmt.Sprintf("shard-%03d.pages", id)),
	}

	seq, _, err := sh.pages.LoadFile(sh.path)
	if err != nil {
		return nil, err
	}
	sh.checkpointSeq.Store(seq)

	sh.slice, err = btree.OpenSlice(id, btree.Options{
		NodeSize: s.cfg.NodeSize,
		Pager:    sh.pages,
		Journal:  s.journal,
		Logger:   s.logger,
	}, sh.pages)
	if err != nil {
		return nil, err
	}

	// CasTimes handed out later must follow every stored one
	sh.slice.Ascend(func(e btree.Entry) bool {
		s.clock.Observe(e.CasTime)
		return true
	})
	return sh, nil
}

func (s *Store) restoreFromJournal() (int, error) {
	if s.jr == nil {
		return 0, ErrWALNotInitialized
	}

	from := types.SeqN(math.MaxUint64)
	for _, sh := range s.shards {
		from = min(from, sh.checkpointSeq.Load())
	}

	ctx := context.Background()
	replayed := 0
	err := s.jr.Replay(from+1, func(e wal.Entry) error {
		if int(e.Shard) >= len(s.shards) {
			return fmt.Errorf("%w: WAL entry %d names shard %d", ErrLayoutMismatch, e.SeqNum, e.Shard)
		}
		sh := s.shards[e.Shard]
		if e.SeqNum <= sh.checkpointSeq.Load() {
			return nil
		}

		replayed++
		switch e.Op {
		case wal.OpSet:
			s.clock.Observe(e.CasTime)
			return sh.slice.Set(ctx, e.Key, e.Value, e.CasTime)
		case wal.OpDelete:
			_, err := sh.slice.Delete(ctx, e.Key)
			return err
		default:
			return fmt.Errorf("WAL entry %d: unknown op %d", e.SeqNum, e.Op)
		}
	})
	if err != nil {
		return replayed, fmt.Errorf("failed to replay WAL: %w", err)
	}
	return replayed, nil
}

func (s *Store) shardFor(key []byte) *shard {
	return s.shards[s.locator.Locate(key)]
}

// ShardFor returns the shard that owns key.
func (s *Store) ShardFor(key []byte) types.ShardID {
	return s.locator.Locate(key)
}

// KeyLimit is the longest key every shard accepts.
func (s *Store) KeyLimit() int {
	return s.shards[0].slice.KeyLimit()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// sync waits until every change made so far is durable in the WAL.
func (s *Store) sync(ctx context.Context) error {
	if err := s.journal.Err(); err != nil {
		return err
	}
	return s.jr.WaitDurable(ctx, s.jr.LastSeq())
}

func (s *Store) Get(ctx context.Context, key []byte) (types.Item, bool, error) {
	if err := s.checkOpen(); err != nil {
		return types.Item{}, false, err
	}
	e, ok, err := s.shardFor(key).slice.Get(ctx, key)
	if err != nil || !ok {
		return types.Item{}, false, err
	}
	return types.Item{Value: e.Value, CasTime: e.CasTime}, true, nil
}

// Set stores value under key with a freshly minted CasTime.
func (s *Store) Set(ctx context.Context, key, value []byte) (types.CasTime, error) {
	ct := s.clock.Next()
	return ct, s.ApplySet(ctx, key, value, ct)
}

// ApplySet stores value with a CasTime minted elsewhere, e.g. by a replication leader.
func (s *Store) ApplySet(ctx context.Context, key, value []byte, ct types.CasTime) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.clock.Observe(ct)
	if err := s.shardFor(key).slice.Set(ctx, key, value, ct); err != nil {
		return err
	}
	return s.sync(ctx)
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	found, err := s.shardFor(key).slice.Delete(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, s.sync(ctx)
}

// IncrDecr adds delta to (increment) or subtracts it from the counter at key.
func (s *Store) IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	return s.ApplyIncrDecr(ctx, key, increment, delta, s.clock.Next())
}

// ApplyIncrDecr is IncrDecr with a CasTime minted elsewhere.
func (s *Store) ApplyIncrDecr(ctx context.Context, key []byte, increment bool, delta uint64, ct types.CasTime) (btree.IncrDecrResult, error) {
	if err := s.checkOpen(); err != nil {
		return btree.IncrDecrResult{}, err
	}
	s.clock.Observe(ct)
	res, err := s.shardFor(key).slice.IncrDecr(ctx, key, increment, delta, ct)
	if err != nil || res.Status != btree.IncrDecrSuccess {
		return res, err
	}
	return res, s.sync(ctx)
}

// NextCasTime mints a CasTime without storing anything.
func (s *Store) NextCasTime() types.CasTime {
	return s.clock.Next()
}

func (s *Store) Put(key string, value any) error {
	switch v := value.(type) {
	case string:
		return s.PutString(key, v)
	case []byte:
		_, err := s.Set(context.Background(), []byte(key), v)
		return err
	case uint64:
		_, err := s.Set(context.Background(), []byte(key), codec.FormatUint64(v))
		return err
	default:
		return ErrValueTypeNotSupported
	}
}

func (s *Store) PutString(key string, value string) error {
	_, err := s.Set(context.Background(), []byte(key), []byte(value))
	return err
}

func (s *Store) GetString(key string) (string, bool, error) {
	item, ok, err := s.Get(context.Background(), []byte(key))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(item.Value), true, nil
}

func (s *Store) DeleteString(key string) error {
	_, err := s.Delete(context.Background(), []byte(key))
	return err
}

// Checkpoint writes every shard to its page file and drops the WAL prefix that
// all page files cover. Each shard is paused only while its own file is written.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()

	start := time.Now()
	upTo := types.SeqN(math.MaxUint64)
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		resume := sh.slice.Quiesce()
		seq := s.jr.LastSeq()
		err := sh.pages.SaveFile(sh.path, seq)
		resume()
		if err != nil {
			return fmt.Errorf("checkpoint shard %d: %w", sh.id, err)
		}

		sh.checkpointSeq.Store(seq)
		upTo = min(upTo, seq)
	}

	if err := s.jr.Truncate(ctx, upTo); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}

	s.logger.Info("checkpoint done", "seq", upTo, "took", time.Since(start))
	return nil
}

// Check verifies the structure of every shard.
func (s *Store) Check() error {
	var errs []error
	for _, sh := range s.shards {
		if err := sh.slice.Check(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", sh.id, err))
		}
	}
	return errors.Join(errs...)
}

type ShardStats struct {
	Tree          btree.SliceStats `json:"tree"`
	Pages         pagestore.Stats  `json:"pages"`
	CheckpointSeq types.SeqN       `json:"checkpoint_seq"`
}

type Stats struct {
	Keys       int64        `json:"keys"`
	WALLastSeq types.SeqN   `json:"wal_last_seq"`
	WALDurable types.SeqN   `json:"wal_durable"`
	Shards     []ShardStats `json:"shards"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		WALLastSeq: s.jr.LastSeq(),
		WALDurable: s.jr.Durable(),
		Shards:     make([]ShardStats, 0, len(s.shards)),
	}
	for _, sh := range s.shards {
		tree := sh.slice.Stats()
		st.Keys += tree.Keys
		st.Shards = append(st.Shards, ShardStats{
			Tree:          tree,
			Pages:         sh.pages.Stats(),
			CheckpointSeq: sh.checkpointSeq.Load(),
		})
	}
	return st
}

// Close writes a final checkpoint and releases the WAL.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cp.Stop()

	var errs []error
	if err := s.Checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	s.jr.Stop()
	if err := s.jr.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("store closed")
	return errors.Join(errs...)
}
