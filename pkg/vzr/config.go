// Package vzr is the top-level facade: it wires pkg/collection,
// pkg/cache, pkg/hybrid, and pkg/replication into a single embeddable
// database handle, the way the teacher's pkg/core/store.go and
// pkg/sqvect/sqvect.go wire SQLite storage, HNSW, and similarity
// scoring behind one Store type.
package vzr

import (
	"time"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/hnsw"
	"github.com/liliang-cn/vzr/pkg/kernel"
	"github.com/liliang-cn/vzr/pkg/quantization"
	"github.com/liliang-cn/vzr/pkg/shard"
)

// HNSWConfig mirrors spec.md §6's hnsw.* surface.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultHNSWConfig returns spec.md §6's documented defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 0}
}

func (c HNSWConfig) toParams(metric kernel.Metric) hnsw.Params {
	return hnsw.Params{M: c.M, EfConstruction: c.EfConstruction, EfSearch: c.EfSearch, Seed: c.Seed, Metric: metric}
}

// QuantizationKind selects a collection's vector codec.
type QuantizationKind int

const (
	QuantizationNone QuantizationKind = iota
	QuantizationScalar
	QuantizationProduct
)

// QuantizationConfig mirrors spec.md §6's quantization surface. Training
// happens exactly once, when TrainingBatch vectors have been inserted, per
// spec.md §4.1 and §9's resolved Open Question; there is no reconfigure path.
type QuantizationConfig struct {
	Kind          QuantizationKind
	ScalarBits    int // SQ: bits per component, default 8
	PQSubspaces   int // PQ: number of subspaces, dimension must divide evenly
	PQBits        int // PQ: bits per subspace centroid index
	TrainingBatch int // vectors buffered before Train fires; 0 disables quantization even if Kind != None
}

// DefaultQuantizationConfig disables quantization.
func DefaultQuantizationConfig() QuantizationConfig {
	return QuantizationConfig{Kind: QuantizationNone}
}

func (c QuantizationConfig) newCodec(dimension int) (quantization.Codec, error) {
	switch c.Kind {
	case QuantizationNone:
		return nil, nil
	case QuantizationScalar:
		bits := c.ScalarBits
		if bits == 0 {
			bits = 8
		}
		return quantization.NewScalarQuantizer(dimension, bits)
	case QuantizationProduct:
		return quantization.NewProductQuantizer(dimension, c.PQSubspaces, c.PQBits)
	default:
		return nil, errs.Newf("quantization_config", errs.InvalidInput, "unknown quantization kind %d", c.Kind)
	}
}

// ShardingConfig mirrors spec.md §6's sharding.* surface.
type ShardingConfig struct {
	ShardCount            int
	VirtualNodesPerShard  int
	RebalanceThreshold    float64 // reserved: spec.md names it but resharding is out of scope for a single-process embed
}

// DefaultShardingConfig returns spec.md §6's documented defaults.
func DefaultShardingConfig() ShardingConfig {
	return ShardingConfig{ShardCount: 1, VirtualNodesPerShard: 128, RebalanceThreshold: 0.25}
}

// WALConfig mirrors spec.md §6's wal.* surface.
type WALConfig struct {
	CheckpointThreshold int // ops between automatic snapshot checkpoints
	MaxWALSizeMB        int
	CheckpointInterval  time.Duration
	Compression         bool // reserved: no WAL record compression is implemented
}

// DefaultWALConfig returns spec.md §6's documented defaults.
func DefaultWALConfig() WALConfig {
	return WALConfig{CheckpointThreshold: 1000, MaxWALSizeMB: 100, CheckpointInterval: 300 * time.Second}
}

// CacheConfig mirrors spec.md §6's cache.* surface.
type CacheConfig struct {
	MaxSize    int
	TTLSeconds int
}

// DefaultCacheConfig returns spec.md §6's documented defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxSize: 1000, TTLSeconds: 300}
}

// ReplicationRole selects whether a node drives or follows replication.
type ReplicationRole int

const (
	ReplicationNone ReplicationRole = iota
	ReplicationMaster
	ReplicationReplica
)

// ReplicationConfig mirrors spec.md §6's replication.* surface.
type ReplicationConfig struct {
	Role             ReplicationRole
	BindAddress      string // master: address to Serve on
	MasterAddress    string // replica: address to dial
	HeartbeatInterval time.Duration
	ReplicaTimeout   time.Duration
	LogSize          int
}

// DefaultReplicationConfig returns spec.md §6's documented defaults,
// with replication disabled.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		Role:              ReplicationNone,
		HeartbeatInterval: 5 * time.Second,
		ReplicaTimeout:    30 * time.Second,
		LogSize:           1_000_000,
	}
}

// StorageType selects the payload store's persistence. Payload documents
// always live resident in Go maps; StorageMMap additionally mirrors them
// into a modernc.org/sqlite-backed file at every checkpoint and reloads
// them from it on reopen, the teacher's own SQLite storage model
// repurposed as an opt-in secondary tier.
type StorageType int

const (
	StorageMemory StorageType = iota
	StorageMMap
)

// CollectionConfig is the frozen-after-create configuration for one
// collection, per spec.md §6's enumerated configuration surface.
type CollectionConfig struct {
	Dimension    int
	Metric       kernel.Metric
	HNSW         HNSWConfig
	Quantization QuantizationConfig
	Sharding     ShardingConfig
	WAL          WALConfig
	Cache        CacheConfig
	Replication  ReplicationConfig
	Storage      StorageType
	PayloadMaxBytes int
}

// DefaultCollectionConfig fills every subsystem default for a
// dimension/metric pair, matching spec.md §6.
func DefaultCollectionConfig(dimension int, metric kernel.Metric) CollectionConfig {
	return CollectionConfig{
		Dimension:    dimension,
		Metric:       metric,
		HNSW:         DefaultHNSWConfig(),
		Quantization: DefaultQuantizationConfig(),
		Sharding:     DefaultShardingConfig(),
		WAL:          DefaultWALConfig(),
		Cache:        DefaultCacheConfig(),
		Replication:  DefaultReplicationConfig(),
		Storage:      StorageMemory,
	}
}

func (c CollectionConfig) toShardConfig() shard.Config {
	return shard.Config{
		Dimension:          c.Dimension,
		Metric:             c.Metric,
		HNSW:               c.HNSW.toParams(c.Metric),
		OverFetchFactor:    3.0,
		CrossoverThreshold: 0.05,
		PayloadMaxBytes:    c.PayloadMaxBytes,
	}
}
