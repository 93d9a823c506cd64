package shard

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// Ring implements the consistent-hashing ring of spec.md §4.3: shard_count
// * virtual_nodes_per_shard tokens placed on a hash circle, so that adding
// a shard moves roughly 1/N of ids.
type Ring struct {
	tokens     []uint64
	tokenShard map[uint64]int
}

// NewRing builds a ring for shardCount shards with virtualNodes tokens each.
func NewRing(shardCount, virtualNodes int) *Ring {
	r := &Ring{tokenShard: make(map[uint64]int, shardCount*virtualNodes)}
	for s := 0; s < shardCount; s++ {
		for v := 0; v < virtualNodes; v++ {
			h := hashToken(s, v)
			r.tokens = append(r.tokens, h)
			r.tokenShard[h] = s
		}
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i] < r.tokens[j] })
	return r
}

// Route returns the shard index owning id.
func (r *Ring) Route(id string) int {
	h := hashID(id)
	i := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i] >= h })
	if i == len(r.tokens) {
		i = 0
	}
	return r.tokenShard[r.tokens[i]]
}

func hashToken(shard, vnode int) uint64 {
	h := fnv.New64a()
	h.Write([]byte("shard-" + strconv.Itoa(shard) + "-vnode-" + strconv.Itoa(vnode)))
	return h.Sum64()
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}
