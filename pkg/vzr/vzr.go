package vzr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/liliang-cn/vzr/pkg/cache"
	"github.com/liliang-cn/vzr/pkg/collection"
	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/hybrid"
	"github.com/liliang-cn/vzr/pkg/log"
	"github.com/liliang-cn/vzr/pkg/payload"
	"github.com/liliang-cn/vzr/pkg/replication"
	"github.com/liliang-cn/vzr/pkg/shard"
	"github.com/liliang-cn/vzr/pkg/snapshot"
	"github.com/liliang-cn/vzr/pkg/wal"
)

// DB is the embeddable database handle: a directory of collections,
// each with its own WAL, shard set, query cache, and optional
// replication link, matching the teacher's single-handle SQLiteStore
// model generalized to many named collections.
type DB struct {
	dir    string
	logger log.Logger

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Open opens (creating if absent) a database rooted at dir. Each
// collection created under it gets its own WAL/snapshot file inside dir.
func Open(dir string, logger log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Newf("vzr_open", errs.Internal, "create database directory %s: %v", dir, err)
	}
	return &DB{dir: dir, logger: logger, collections: make(map[string]*Collection)}, nil
}

// Collection wraps a pkg/collection.Collection with the query cache,
// hybrid-search fusion, and replication link configured for it.
type Collection struct {
	name         string
	cfg          CollectionConfig
	inner        *collection.Collection
	cache        *cache.Cache
	logger       log.Logger
	snapshotPath string
	archivePath  string

	quantTrainer *quantTrainer

	replMaster  *replication.Master
	replReplica *replication.Replica
	replCancel  context.CancelFunc

	checkpointCancel context.CancelFunc
}

// CreateCollection opens or creates a named collection under the
// database directory, wiring its WAL path, query cache, quantizer
// trainer, and replication role from cfg.
func (db *DB) CreateCollection(name string, cfg CollectionConfig) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.collections[name]; exists {
		return nil, errs.Newf("vzr_create_collection", errs.Conflict, "collection %q already open", name)
	}

	c := &Collection{
		name:         name,
		cfg:          cfg,
		logger:       db.logger,
		snapshotPath: filepath.Join(db.dir, name+".snap"),
		archivePath:  filepath.Join(db.dir, name+".payload.db"),
	}
	if cfg.Cache.MaxSize > 0 {
		c.cache = cache.New(cfg.Cache.MaxSize, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	}
	if cfg.Quantization.Kind != QuantizationNone && cfg.Quantization.TrainingBatch > 0 {
		c.quantTrainer = newQuantTrainer(cfg.Quantization)
	}

	collCfg := collection.Config{
		Dimension:    cfg.Dimension,
		Metric:       cfg.Metric,
		ShardCount:   cfg.Sharding.ShardCount,
		VirtualNodes: cfg.Sharding.VirtualNodesPerShard,
		ShardConfig:  cfg.toShardConfig(),
	}
	if c.cache != nil {
		collCfg.CachePropagator = func(collectionName string) { c.cache.InvalidateCollection(collectionName) }
	}

	walPath := filepath.Join(db.dir, name+".wal")

	if cfg.Replication.Role == ReplicationMaster {
		master := replication.NewMaster(cfg.Replication.LogSize, func() ([]byte, uint64, error) {
			snap, offset, err := c.inner.Snapshot()
			if err != nil {
				return nil, 0, err
			}
			b, err := snapshot.Encode(snap)
			if err != nil {
				return nil, 0, err
			}
			return b, offset, nil
		}, cfg.Replication.HeartbeatInterval, cfg.Replication.ReplicaTimeout, db.logger)
		c.replMaster = master
		collCfg.ReplicationEnqueue = func(op collection.Op) {
			master.Enqueue(toWireOp(name, op))
		}
	}

	inner, err := collection.OpenWithSnapshot(name, collCfg, walPath, c.snapshotPath, db.logger)
	if err != nil {
		return nil, err
	}
	c.inner = inner

	if cfg.Storage == StorageMMap {
		if _, statErr := os.Stat(c.archivePath); statErr == nil {
			if err := c.restorePayloadArchive(); err != nil {
				return nil, err
			}
		}
	}

	if cfg.Replication.Role == ReplicationMaster && cfg.Replication.BindAddress != "" {
		ctx, cancel := context.WithCancel(context.Background())
		c.replCancel = cancel
		go func() { _ = c.replMaster.Serve(ctx, cfg.Replication.BindAddress) }()
	}
	if cfg.Replication.Role == ReplicationReplica && cfg.Replication.MasterAddress != "" {
		applier := &collectionApplier{collection: c}
		c.replReplica = replication.NewReplica(name, cfg.Replication.MasterAddress, applier, cfg.Replication.ReplicaTimeout, db.logger)
		ctx, cancel := context.WithCancel(context.Background())
		c.replCancel = cancel
		go func() { _ = c.replReplica.Run(ctx) }()
	}

	ckCtx, ckCancel := context.WithCancel(context.Background())
	c.checkpointCancel = ckCancel
	go c.runCheckpointLoop(ckCtx)

	db.collections[name] = c
	return c, nil
}

// runCheckpointLoop is the background checkpoint/snapshot builder task of
// spec.md §4.4/§4.5: it polls the earlier of operations_since_checkpoint,
// wal file size, and time-since-last-checkpoint against the collection's
// WALConfig thresholds, and calls the existing Checkpoint machinery the
// moment any one of them trips.
func (c *Collection) runCheckpointLoop(ctx context.Context) {
	ticker := time.NewTicker(checkpointTickInterval(c.cfg.WAL.CheckpointInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := c.checkpointDue()
			if err != nil {
				c.logger.Warn("checkpoint trigger check failed", "collection", c.name, "error", err)
				continue
			}
			if !due {
				continue
			}
			if err := c.Checkpoint(); err != nil {
				c.logger.Warn("background checkpoint failed", "collection", c.name, "error", err)
			}
		}
	}
}

// checkpointDue implements spec.md §4.4's checkpoint-trigger disjunction:
// the earlier of ops_since_checkpoint >= checkpoint_threshold,
// wal_size >= max_wal_size, or now - last_checkpoint >= checkpoint_interval.
// A zero threshold/size/interval disables that particular trigger.
func (c *Collection) checkpointDue() (bool, error) {
	wcfg := c.cfg.WAL
	if wcfg.CheckpointThreshold > 0 && c.inner.OpsSinceCheckpoint() >= uint64(wcfg.CheckpointThreshold) {
		return true, nil
	}
	if wcfg.MaxWALSizeMB > 0 {
		size, err := c.inner.WALSizeBytes()
		if err != nil {
			return false, err
		}
		if size >= int64(wcfg.MaxWALSizeMB)*1024*1024 {
			return true, nil
		}
	}
	if wcfg.CheckpointInterval > 0 && time.Since(c.inner.LastCheckpoint()) >= wcfg.CheckpointInterval {
		return true, nil
	}
	return false, nil
}

// checkpointTickInterval picks how often the background loop re-evaluates
// checkpointDue: fine enough to honor a short checkpoint_interval, coarse
// enough not to busy-poll when it is large (or zero, meaning disabled).
func checkpointTickInterval(checkpointInterval time.Duration) time.Duration {
	const (
		minTick = 10 * time.Millisecond
		maxTick = time.Second
	)
	if checkpointInterval <= 0 {
		return maxTick
	}
	tick := checkpointInterval / 10
	if tick < minTick {
		return minTick
	}
	if tick > maxTick {
		return maxTick
	}
	return tick
}

// Collection returns an already-open collection by name.
func (db *DB) Collection(name string) (*Collection, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	return c, ok
}

// Close closes every open collection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for _, c := range db.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Insert validates and durably writes a new vector, buffering it for
// one-shot quantizer training if the collection is configured with a
// quantization codec and training has not yet fired (spec.md §4.1).
func (c *Collection) Insert(id string, vector []float32, doc payload.Document, text string) error {
	if err := c.inner.Insert(id, vector, doc, text); err != nil {
		return err
	}
	if c.quantTrainer != nil {
		if codec, ready := c.quantTrainer.observe(vector); ready {
			for _, s := range c.inner.Shards() {
				s.SetQuantizer(codec)
			}
		}
	}
	return nil
}

// Update applies a partial or full mutation to an existing vector.
func (c *Collection) Update(id string, vector []float32, doc payload.Document, text string) error {
	return c.inner.Update(id, vector, doc, text)
}

// Delete removes a vector.
func (c *Collection) Delete(id string) error {
	return c.inner.Delete(id)
}

// Search runs a cached dense ANN search for the top k nearest vectors.
func (c *Collection) Search(ctx context.Context, query []float32, k int) ([]shard.SearchResult, error) {
	if c.cache == nil {
		return c.inner.Search(query, k)
	}
	key := cache.Key{Collection: c.name, Fingerprint: cache.FingerprintVector(query), K: k}
	v, err := c.cache.Get(key, time.Now(), func() (any, error) {
		return c.inner.Search(query, k)
	})
	if err != nil {
		return nil, err
	}
	return v.([]shard.SearchResult), nil
}

// FilteredSearch runs a predicate-filtered dense ANN search, uncached
// since predicate functions are not stably comparable across calls.
func (c *Collection) FilteredSearch(query []float32, k int, field string, value any, predicate func(payload.Document) bool) ([]shard.SearchResult, error) {
	return c.inner.FilteredSearch(query, k, field, value, predicate)
}

// HybridSearch fuses dense ANN search with BM25 lexical search across
// every shard, per spec.md §4.7.
func (c *Collection) HybridSearch(query []float32, text string, k int, alpha float64, algo hybrid.Algorithm, promo hybrid.Promotion) ([]hybrid.Result, error) {
	denseHits, err := c.inner.Search(query, k)
	if err != nil {
		return nil, err
	}
	dense := make([]hybrid.DenseHit, len(denseHits))
	for i, h := range denseHits {
		dense[i] = hybrid.DenseHit{ID: h.ID, Distance: h.Distance}
	}

	var sparse []hybrid.SparseHit
	if text != "" {
		for _, s := range c.inner.Shards() {
			for _, hit := range s.SparseIndex().Search(text, k) {
				if id, ok := s.IDFor(hit.ID); ok {
					sparse = append(sparse, hybrid.SparseHit{ID: id, Score: hit.Score})
				}
			}
		}
	}

	return hybrid.Fuse(dense, sparse, k, alpha, algo, promo), nil
}

// Checkpoint writes a snapshot of the collection's current state and
// truncates its WAL, per spec.md §4.4. For a storage.mmap collection it
// also dumps every shard's payload documents into the sqlite-backed
// archive, which CreateCollection reloads on reopen; the snapshot body
// carries the payload documents as well.
func (c *Collection) Checkpoint() error {
	if err := c.inner.Checkpoint(c.snapshotPath); err != nil {
		return err
	}
	if c.cfg.Storage == StorageMMap {
		return c.dumpPayloadArchive()
	}
	return nil
}

func (c *Collection) dumpPayloadArchive() error {
	archive, err := payload.OpenArchive(c.archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	ctx := context.Background()
	for i, s := range c.inner.Shards() {
		if err := archive.Dump(ctx, i, s.Payload()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) restorePayloadArchive() error {
	archive, err := payload.OpenArchive(c.archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	ctx := context.Background()
	for i, s := range c.inner.Shards() {
		if err := archive.Restore(ctx, i, s.Payload()); err != nil {
			return err
		}
	}
	return nil
}

// ReplicaStatus reports connected replicas and their lag, valid only
// when this collection is a replication master.
func (c *Collection) ReplicaStatus() []replication.ReplicaState {
	if c.replMaster == nil {
		return nil
	}
	return c.replMaster.Replicas()
}

// Close flushes the WAL and tears down the checkpoint loop and any
// replication goroutine.
func (c *Collection) Close() error {
	if c.checkpointCancel != nil {
		c.checkpointCancel()
	}
	if c.replCancel != nil {
		c.replCancel()
	}
	return c.inner.Close()
}

func toWireOp(collectionName string, op collection.Op) replication.WireOp {
	return replication.WireOp{
		Offset:     op.Offset,
		Collection: collectionName,
		Kind:       uint8(op.Kind),
		ID:         op.ID,
		Vector:     op.Vector,
		Payload:    op.Payload,
		Text:       op.Text,
	}
}

// collectionApplier adapts a Collection to replication.Applier, used by
// a replica node to apply the master's operation stream directly to its
// own local shard state.
type collectionApplier struct {
	collection *Collection
}

func (a *collectionApplier) ApplyOp(op replication.WireOp) error {
	switch wal.OpKind(op.Kind) {
	case wal.OpInsert:
		return a.collection.inner.Insert(op.ID, op.Vector, op.Payload, op.Text)
	case wal.OpUpdate:
		return a.collection.inner.Update(op.ID, op.Vector, op.Payload, op.Text)
	case wal.OpDelete:
		return a.collection.inner.Delete(op.ID)
	default:
		return errs.Newf("replica_apply", errs.InvalidInput, "unknown op kind %d", op.Kind)
	}
}

// ApplySnapshot decodes a master's FullSync payload and installs it as the
// replica's local shard state wholesale, so a replica that fell outside the
// master's operation ring actually catches up instead of silently resuming
// from an empty collection at the snapshot's offset.
func (a *collectionApplier) ApplySnapshot(snapshotBytes []byte, offset uint64) error {
	snap, err := snapshot.Decode(snapshotBytes)
	if err != nil {
		return err
	}
	return a.collection.inner.RestoreSnapshot(snap)
}
