// Package collection implements the router of spec.md §4.5: N shards
// addressed by consistent hashing, fronted by a single write path that
// appends to the WAL before mutating shard state, invalidates the query
// cache, and optionally enqueues the write for replication fan-out.
package collection

import (
	"bytes"
	"encoding/gob"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/hnsw"
	"github.com/liliang-cn/vzr/pkg/kernel"
	"github.com/liliang-cn/vzr/pkg/log"
	"github.com/liliang-cn/vzr/pkg/payload"
	"github.com/liliang-cn/vzr/pkg/shard"
	"github.com/liliang-cn/vzr/pkg/snapshot"
	"github.com/liliang-cn/vzr/pkg/sparse"
	"github.com/liliang-cn/vzr/pkg/wal"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,255}$`)

// ValidateName enforces spec.md §6's collection name syntax.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errs.Newf("validate_name", errs.InvalidInput, "collection name must match [A-Za-z0-9_.-]{1,255}")
	}
	return nil
}

// Config is the frozen-after-create collection configuration. The one HNSW
// setting adjustable afterwards is ef_search, through each shard graph's
// (*hnsw.Index).SetEfSearch.
type Config struct {
	Dimension          int
	Metric             kernel.Metric
	ShardCount         int
	VirtualNodes       int
	ShardConfig        shard.Config
	CachePropagator    func(collection string) // invoked after each successful write; wired to pkg/cache's tag invalidation
	ReplicationEnqueue func(op Op)              // invoked after each successful write when this collection's node is a replication master
}

// DefaultConfig fills spec.md §6's documented defaults for an N-dim collection.
func DefaultConfig(name string, dimension int, metric kernel.Metric) Config {
	shardCount := 1
	virtualNodes := 128
	return Config{
		Dimension:    dimension,
		Metric:       metric,
		ShardCount:   shardCount,
		VirtualNodes: virtualNodes,
		ShardConfig:  shard.DefaultConfig(dimension, metric),
	}
}

// OpKind mirrors wal.OpKind for the in-memory operation log consumed by
// replication fan-out, decoupled from the WAL's on-disk encoding.
type OpKind = wal.OpKind

// Op is one write applied to a collection, carried to replication
// fan-out.
type Op struct {
	Offset  uint64
	Kind    OpKind
	ID      string
	Vector  []float32
	Payload payload.Document
	Text    string
}

// Collection routes vector operations to shards, durably logs them, and
// fans out cache invalidation and replication hooks.
type Collection struct {
	name string
	cfg  Config
	ring *shard.Ring

	mu     sync.RWMutex // guards shards slice replacement (copy-on-write reshard)
	shards []*shard.Shard

	wal    *wal.WAL
	logger log.Logger

	opsSinceCheckpoint atomic.Uint64

	checkpointMu   sync.Mutex
	lastCheckpoint time.Time
}

// Open creates (or reopens, replaying walPath) a collection backed by
// walPath for durability.
func Open(name string, cfg Config, walPath string, logger log.Logger) (*Collection, error) {
	return OpenWithSnapshot(name, cfg, walPath, "", logger)
}

// OpenWithSnapshot is Open, but first restores shard state from
// snapshotPath (if non-empty and the file exists) before replaying
// walPath on top. Replay after a snapshot load is safe because every
// record is idempotent: Insert tolerates Conflict (already applied by
// the snapshot) and Update/Delete tolerate NotFound/no-op the same way.
func OpenWithSnapshot(name string, cfg Config, walPath, snapshotPath string, logger log.Logger) (*Collection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}

	c := &Collection{
		name:           name,
		cfg:            cfg,
		logger:         logger,
		ring:           shard.NewRing(cfg.ShardCount, cfg.VirtualNodes),
		shards:         make([]*shard.Shard, cfg.ShardCount),
		lastCheckpoint: time.Now(),
	}
	for i := range c.shards {
		c.shards[i] = shard.New(cfg.ShardConfig)
	}

	if snapshotPath != "" {
		if err := c.loadSnapshot(snapshotPath); err != nil {
			return nil, err
		}
	}

	if err := c.recoverFrom(walPath); err != nil {
		return nil, err
	}

	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}
	c.wal = w
	return c, nil
}

// loadSnapshot restores every shard from a snapshot file written by
// Checkpoint. A missing file is not an error: a collection with no
// snapshot yet simply relies on a full WAL replay.
func (c *Collection) loadSnapshot(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	if len(snap.Shards) != len(c.shards) {
		return errs.Newf("collection_load_snapshot", errs.Corruption, "snapshot has %d shards, collection configured for %d", len(snap.Shards), len(c.shards))
	}
	for _, ss := range snap.Shards {
		if ss.ShardID < 0 || ss.ShardID >= len(c.shards) {
			return errs.Newf("collection_load_snapshot", errs.Corruption, "snapshot shard id %d out of range", ss.ShardID)
		}
		graph, err := hnsw.Load(bytes.NewReader(ss.GraphBytes))
		if err != nil {
			return err
		}
		payloadStore := payload.New(c.cfg.ShardConfig.PayloadMaxBytes)
		if len(ss.PayloadBytes) > 0 {
			if err := payloadStore.Load(bytes.NewReader(ss.PayloadBytes)); err != nil {
				return err
			}
		}
		sparseIndex := sparse.New()
		if len(ss.SparseBytes) > 0 {
			if err := sparseIndex.Load(bytes.NewReader(ss.SparseBytes)); err != nil {
				return err
			}
		}
		c.shards[ss.ShardID].Restore(graph, payloadStore, sparseIndex, ss.IDToInternal)
	}
	return nil
}

// Checkpoint writes a point-in-time snapshot of every shard to path and
// truncates the WAL up to the offset captured at snapshot time, per
// spec.md §4.4's snapshot+truncate durability contract.
func (c *Collection) Checkpoint(path string) error {
	snap, offset, err := c.buildSnapshot()
	if err != nil {
		return err
	}
	if err := snapshot.Write(path, snap); err != nil {
		return err
	}
	if err := c.wal.Truncate(offset); err != nil {
		return err
	}

	c.opsSinceCheckpoint.Store(0)
	c.checkpointMu.Lock()
	c.lastCheckpoint = time.Now()
	c.checkpointMu.Unlock()
	return nil
}

// Snapshot builds an in-memory, point-in-time snapshot of every shard and
// the WAL offset it was captured at, without touching the WAL or disk.
// Used by replication's FullSync bootstrap to hand a lagging replica a real
// payload instead of the empty one a bare offset reply would send.
func (c *Collection) Snapshot() (snapshot.Snapshot, uint64, error) {
	return c.buildSnapshot()
}

func (c *Collection) buildSnapshot() (snapshot.Snapshot, uint64, error) {
	c.mu.RLock()
	shards := append([]*shard.Shard(nil), c.shards...)
	c.mu.RUnlock()

	offset := c.wal.Offset()
	shardSnaps := make([]snapshot.ShardSnapshot, len(shards))
	for i, s := range shards {
		var graphBuf, payloadBuf, sparseBuf bytes.Buffer
		if err := s.Graph().Save(&graphBuf); err != nil {
			return snapshot.Snapshot{}, 0, err
		}
		if err := s.Payload().Save(&payloadBuf); err != nil {
			return snapshot.Snapshot{}, 0, err
		}
		if err := s.SparseIndex().Save(&sparseBuf); err != nil {
			return snapshot.Snapshot{}, 0, err
		}
		shardSnaps[i] = snapshot.ShardSnapshot{
			ShardID:      i,
			IDToInternal: s.IDMap(),
			GraphBytes:   graphBuf.Bytes(),
			PayloadBytes: payloadBuf.Bytes(),
			SparseBytes:  sparseBuf.Bytes(),
		}
	}
	return snapshot.Snapshot{WALOffset: offset, Shards: shardSnaps}, offset, nil
}

// RestoreSnapshot installs snap's shard state into an already-open
// collection, replacing every shard wholesale. Used by a replica applying
// a master's FullSync payload: mirrors loadSnapshot's per-shard restore
// logic but is safe to call after construction, under c.mu, rather than
// only during OpenWithSnapshot.
func (c *Collection) RestoreSnapshot(snap snapshot.Snapshot) error {
	if len(snap.Shards) != len(c.shards) {
		return errs.Newf("collection_restore_snapshot", errs.Corruption, "snapshot has %d shards, collection configured for %d", len(snap.Shards), len(c.shards))
	}

	restored := make([]*shard.Shard, len(c.shards))
	for _, ss := range snap.Shards {
		if ss.ShardID < 0 || ss.ShardID >= len(restored) {
			return errs.Newf("collection_restore_snapshot", errs.Corruption, "snapshot shard id %d out of range", ss.ShardID)
		}
		graph, err := hnsw.Load(bytes.NewReader(ss.GraphBytes))
		if err != nil {
			return err
		}
		payloadStore := payload.New(c.cfg.ShardConfig.PayloadMaxBytes)
		if len(ss.PayloadBytes) > 0 {
			if err := payloadStore.Load(bytes.NewReader(ss.PayloadBytes)); err != nil {
				return err
			}
		}
		sparseIndex := sparse.New()
		if len(ss.SparseBytes) > 0 {
			if err := sparseIndex.Load(bytes.NewReader(ss.SparseBytes)); err != nil {
				return err
			}
		}
		s := shard.New(c.cfg.ShardConfig)
		s.Restore(graph, payloadStore, sparseIndex, ss.IDToInternal)
		restored[ss.ShardID] = s
	}

	c.mu.Lock()
	c.shards = restored
	c.mu.Unlock()
	return nil
}

// recoverFrom replays any existing WAL at walPath, re-applying every
// intact record to shard state before the collection accepts new
// writes. Idempotent: Insert/Update are last-write-wins by id, Delete on
// an absent id is a no-op (spec.md §4.4).
func (c *Collection) recoverFrom(walPath string) error {
	f, err := os.Open(walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Newf("collection_recover", errs.Internal, "open wal for replay: %v", err)
	}
	defer f.Close()

	return wal.Replay(f, func(rec wal.Record) error {
		env, err := decodeOpPayload(rec.Payload)
		if err != nil {
			c.logger.Warn("skipping undecodable wal record", "id", rec.ID, "op", rec.Op)
			return nil
		}
		s := c.shardFor(rec.ID)
		switch rec.Op {
		case wal.OpInsert:
			if _, err := s.Insert(rec.ID, env.Vector, env.Payload, env.Text); err != nil && errs.KindOf(err) != errs.Conflict {
				return err
			}
		case wal.OpUpdate:
			if err := s.Update(rec.ID, env.Vector, env.Payload, env.Text); err != nil && errs.KindOf(err) != errs.NotFound {
				return err
			}
		case wal.OpDelete:
			return s.Delete(rec.ID)
		}
		return nil
	})
}

// shardFor routes id to its owning shard via the consistent-hash ring.
func (c *Collection) shardFor(id string) *shard.Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shards[c.ring.Route(id)]
}

func (c *Collection) shardIndexFor(id string) int {
	return c.ring.Route(id)
}

// Insert validates, routes, WAL-logs, and applies a new vector, per
// spec.md §4.5's write path steps 1-6.
func (c *Collection) Insert(id string, vector []float32, doc payload.Document, text string) error {
	if err := shard.ValidateID(id); err != nil {
		return err
	}
	if len(vector) != c.cfg.Dimension {
		return errs.Newf("collection_insert", errs.InvalidInput, "vector dimension %d != collection dimension %d", len(vector), c.cfg.Dimension)
	}

	shardIdx := c.shardIndexFor(id)
	payloadBytes, err := encodeOpPayload(vector, doc, text)
	if err != nil {
		return err
	}
	offset, err := c.wal.Append(wal.Record{Op: wal.OpInsert, ShardID: shardIdx, ID: id, Payload: payloadBytes})
	if err != nil {
		return err
	}

	s := c.shardFor(id)
	if _, err := s.Insert(id, vector, doc, text); err != nil {
		return err
	}

	c.afterWrite(Op{Offset: offset, Kind: wal.OpInsert, ID: id, Vector: vector, Payload: doc, Text: text})
	return nil
}

// Update applies a partial or full mutation to an existing vector.
func (c *Collection) Update(id string, vector []float32, doc payload.Document, text string) error {
	shardIdx := c.shardIndexFor(id)
	payloadBytes, err := encodeOpPayload(vector, doc, text)
	if err != nil {
		return err
	}
	offset, err := c.wal.Append(wal.Record{Op: wal.OpUpdate, ShardID: shardIdx, ID: id, Payload: payloadBytes})
	if err != nil {
		return err
	}

	s := c.shardFor(id)
	if err := s.Update(id, vector, doc, text); err != nil {
		return err
	}

	c.afterWrite(Op{Offset: offset, Kind: wal.OpUpdate, ID: id, Vector: vector, Payload: doc, Text: text})
	return nil
}

// Delete removes a vector. Deleting an absent id is a no-op, matching
// the WAL's idempotent-by-(id,op_kind) replay contract.
func (c *Collection) Delete(id string) error {
	shardIdx := c.shardIndexFor(id)
	offset, err := c.wal.Append(wal.Record{Op: wal.OpDelete, ShardID: shardIdx, ID: id})
	if err != nil {
		return err
	}

	s := c.shardFor(id)
	if err := s.Delete(id); err != nil {
		return err
	}

	c.afterWrite(Op{Offset: offset, Kind: wal.OpDelete, ID: id})
	return nil
}

func (c *Collection) afterWrite(op Op) {
	c.opsSinceCheckpoint.Add(1)
	if c.cfg.CachePropagator != nil {
		c.cfg.CachePropagator(c.name)
	}
	if c.cfg.ReplicationEnqueue != nil {
		c.cfg.ReplicationEnqueue(op)
	}
}

// OpsSinceCheckpoint returns the number of writes applied since the last
// successful Checkpoint, for a checkpoint-trigger task to compare against
// wal.checkpoint_threshold (spec.md §4.4).
func (c *Collection) OpsSinceCheckpoint() uint64 { return c.opsSinceCheckpoint.Load() }

// WALSizeBytes returns the WAL file's current on-disk size, for a
// checkpoint-trigger task to compare against wal.max_wal_size_mb.
func (c *Collection) WALSizeBytes() (int64, error) { return c.wal.Size() }

// LastCheckpoint returns when Checkpoint last completed successfully (or
// when the collection was opened, if it has never been checkpointed), for
// a checkpoint-trigger task to compare against wal.checkpoint_interval.
func (c *Collection) LastCheckpoint() time.Time {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	return c.lastCheckpoint
}

// Search runs plain ANN search fanned out across every shard, merging
// results by ascending distance (ties by ascending internal_id, matching
// pkg/hnsw's convention).
func (c *Collection) Search(query []float32, k int) ([]shard.SearchResult, error) {
	c.mu.RLock()
	shards := append([]*shard.Shard(nil), c.shards...)
	c.mu.RUnlock()

	all := make([]shard.SearchResult, 0, k*len(shards))
	for _, s := range shards {
		hits, err := s.Search(query, k)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sortResults(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// FilteredSearch runs a predicate-filtered search across every shard.
func (c *Collection) FilteredSearch(query []float32, k int, field string, value any, predicate func(payload.Document) bool) ([]shard.SearchResult, error) {
	c.mu.RLock()
	shards := append([]*shard.Shard(nil), c.shards...)
	c.mu.RUnlock()

	all := make([]shard.SearchResult, 0, k*len(shards))
	for _, s := range shards {
		hits, err := s.FilteredSearch(query, k, field, value, predicate)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sortResults(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func sortResults(rs []shard.SearchResult) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && (rs[j].Distance < rs[j-1].Distance ||
			(rs[j].Distance == rs[j-1].Distance && rs[j].InternalID < rs[j-1].InternalID)); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// Shards exposes the shard slice for the snapshot writer and replication
// full-sync path. Callers must not mutate the returned slice.
func (c *Collection) Shards() []*shard.Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*shard.Shard(nil), c.shards...)
}

// WALOffset returns the collection's current WAL write offset.
func (c *Collection) WALOffset() uint64 { return c.wal.Offset() }

// Close flushes and closes the collection's WAL.
func (c *Collection) Close() error { return c.wal.Close() }

type opEnvelope struct {
	Vector  []float32
	Payload payload.Document
	Text    string
}

func encodeOpPayload(vector []float32, doc payload.Document, text string) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(opEnvelope{Vector: vector, Payload: doc, Text: text}); err != nil {
		return nil, errs.Newf("collection_encode_op", errs.Internal, "encode op payload: %v", err)
	}
	return buf.Bytes(), nil
}

func decodeOpPayload(b []byte) (opEnvelope, error) {
	var env opEnvelope
	if len(b) == 0 {
		return env, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return env, errs.Newf("collection_decode_op", errs.Corruption, "decode op payload: %v", err)
	}
	return env, nil
}
