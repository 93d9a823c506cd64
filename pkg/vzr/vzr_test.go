package vzr

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/liliang-cn/vzr/pkg/hybrid"
	"github.com/liliang-cn/vzr/pkg/kernel"
	"github.com/liliang-cn/vzr/pkg/payload"
)

// freeTCPAddr binds an ephemeral port and immediately releases it, handing
// the test a real, currently-unused "127.0.0.1:port" address to Serve on.
func freeTCPAddr(t *testing.T) (string, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

func TestCreateCollectionInsertAndSearch(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Insert("a", []float32{0, 0}, payload.Document{"tag": "x"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Insert("b", []float32{10, 10}, payload.Document{"tag": "y"}, ""); err != nil {
		t.Fatal(err)
	}

	hits, err := c.Search(context.Background(), []float32{0, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Fatalf("expected a nearest, got %v", hits)
	}
}

func TestCreateCollectionDuplicateNameRejected(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	if _, err := db.CreateCollection("docs", cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateCollection("docs", cfg); err == nil {
		t.Fatal("expected error reopening an already-open collection name")
	}
}

func TestSearchIsCached(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	cfg.Cache = CacheConfig{MaxSize: 10, TTLSeconds: 60}
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Insert("a", []float32{1, 1}, nil, ""); err != nil {
		t.Fatal(err)
	}

	first, err := c.Search(context.Background(), []float32{9, 9}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].ID != "a" {
		t.Fatalf("expected a as the only hit before b exists, got %v", first)
	}

	if err := c.Insert("b", []float32{9, 9}, nil, ""); err != nil {
		t.Fatal(err)
	}
	second, err := c.Search(context.Background(), []float32{9, 9}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "b" {
		t.Fatalf("expected write to invalidate the cache so the new, strictly closer insert b is seen, got %v", second)
	}
}

func TestCheckpointAndReopenFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Insert("a", []float32{1, 1}, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := c.Insert("b", []float32{5, 5}, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	c2, err := db2.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}
	hits, err := c2.Search(context.Background(), []float32{1, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, h := range hits {
		seen[h.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both a and b to survive checkpoint+wal recovery, got %v", hits)
	}
}

func TestBackgroundCheckpointTriggersOnOpsThreshold(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	cfg.WAL.CheckpointThreshold = 2
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range [][]float32{{0, 0}, {1, 1}, {2, 2}} {
		if err := c.Insert(string(rune('a'+i)), v, nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	snapPath := c.snapshotPath
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(snapPath); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background checkpoint loop never wrote a snapshot after exceeding checkpoint_threshold")
}

func TestMMapStorageArchivesPayloadAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	cfg.Storage = StorageMMap
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Insert("a", []float32{1, 1}, payload.Document{"tag": "x"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	c2, err := db2.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}
	hits, err := c2.Search(context.Background(), []float32{1, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Fatalf("expected a to survive mmap-tier checkpoint+reopen, got %v", hits)
	}
}

func TestHybridSearchFusesDenseAndSparse(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Insert("a", []float32{0, 0}, nil, "the quick brown fox"); err != nil {
		t.Fatal(err)
	}
	if err := c.Insert("b", []float32{20, 20}, nil, "fox fox fox fox"); err != nil {
		t.Fatal(err)
	}

	results, err := c.HybridSearch([]float32{0, 1}, "fox", 2, 0.5, hybrid.RRF, hybrid.Promotion{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one fused hit")
	}
}

func TestQuantTrainerFiresOnceAtTrainingBatch(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := DefaultCollectionConfig(2, kernel.Euclidean)
	cfg.Quantization = QuantizationConfig{Kind: QuantizationScalar, ScalarBits: 8, TrainingBatch: 3}
	c, err := db.CreateCollection("docs", cfg)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range [][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}} {
		if err := c.Insert(string(rune('a'+i)), v, nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.Search(context.Background(), []float32{0, 0}, 4); err != nil {
		t.Fatal(err)
	}
}

func TestReplicationFullSyncCatchesUpPastRingRetention(t *testing.T) {
	masterDir := t.TempDir()
	replicaDir := t.TempDir()

	masterDB, err := Open(masterDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer masterDB.Close()

	addr, err := freeTCPAddr(t)
	if err != nil {
		t.Fatal(err)
	}

	// LogSize of 2 means the master's op ring only retains the last 2
	// writes; by the time the replica connects, its LastOffset of 0 is
	// long past the ring's retained window, forcing a genuine FullSync
	// rather than the empty-ring trivial case.
	masterCfg := DefaultCollectionConfig(2, kernel.Euclidean)
	masterCfg.Replication = ReplicationConfig{
		Role:              ReplicationMaster,
		BindAddress:       addr,
		HeartbeatInterval: 20 * time.Millisecond,
		ReplicaTimeout:    time.Second,
		LogSize:           2,
	}
	masterColl, err := masterDB.CreateCollection("docs", masterCfg)
	if err != nil {
		t.Fatal(err)
	}

	seed := [][]float32{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	for i, v := range seed {
		if err := masterColl.Insert(string(rune('a'+i)), v, nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	replicaDB, err := Open(replicaDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer replicaDB.Close()

	replicaCfg := DefaultCollectionConfig(2, kernel.Euclidean)
	replicaCfg.Replication = ReplicationConfig{
		Role:              ReplicationReplica,
		MasterAddress:     addr,
		HeartbeatInterval: 20 * time.Millisecond,
		ReplicaTimeout:    time.Second,
	}
	replicaColl, err := replicaDB.CreateCollection("docs", replicaCfg)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hits, err := replicaColl.Search(context.Background(), []float32{3, 3}, len(seed))
		if err == nil && len(hits) == len(seed) {
			seen := map[string]bool{}
			for _, h := range hits {
				seen[h.ID] = true
			}
			ok := true
			for i := range seed {
				if !seen[string(rune('a'+i))] {
					ok = false
				}
			}
			if ok {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("replica never caught up to master's pre-connect writes via FullSync")
}

func TestReplicationMasterReplicaConverge(t *testing.T) {
	masterDir := t.TempDir()
	replicaDir := t.TempDir()

	masterDB, err := Open(masterDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer masterDB.Close()

	addr, err := freeTCPAddr(t)
	if err != nil {
		t.Fatal(err)
	}

	masterCfg := DefaultCollectionConfig(2, kernel.Euclidean)
	masterCfg.Replication = ReplicationConfig{
		Role:              ReplicationMaster,
		BindAddress:       addr,
		HeartbeatInterval: 20 * time.Millisecond,
		ReplicaTimeout:    time.Second,
		LogSize:           64,
	}
	masterColl, err := masterDB.CreateCollection("docs", masterCfg)
	if err != nil {
		t.Fatal(err)
	}

	replicaDB, err := Open(replicaDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer replicaDB.Close()

	replicaCfg := DefaultCollectionConfig(2, kernel.Euclidean)
	replicaCfg.Replication = ReplicationConfig{
		Role:              ReplicationReplica,
		MasterAddress:     addr,
		HeartbeatInterval: 20 * time.Millisecond,
		ReplicaTimeout:    time.Second,
	}
	replicaColl, err := replicaDB.CreateCollection("docs", replicaCfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := masterColl.Insert("a", []float32{1, 1}, nil, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hits, err := replicaColl.Search(context.Background(), []float32{1, 1}, 1)
		if err == nil && len(hits) == 1 && hits[0].ID == "a" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("replica never converged to master's insert")
}
