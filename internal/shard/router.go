// Package shard maps owner identifiers to ledger shards.
//
// The mapping is md5(owner_id) read as a 128-bit big-endian integer, modulo
// the shard count. The shard count is fixed for the lifetime of a deployment:
// changing it moves most owners to a different shard, so resharding needs a
// new deployment generation and a data migration. There is no consistent-hash
// ring.
package shard

import (
	"crypto/md5"
	"fmt"
	"math/big"
)

// Router resolves owners to shard indexes. The zero value is not usable.
type Router struct {
	n       int
	modulus *big.Int
}

// NewRouter returns a router over n shards.
func NewRouter(n int) (*Router, error) {
	if n <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", n)
	}
	return &Router{n: n, modulus: big.NewInt(int64(n))}, nil
}

// Count returns the number of shards.
func (r *Router) Count() int {
	return r.n
}

// ShardOf returns the shard index in [0, Count()) that owns ownerID.
func (r *Router) ShardOf(ownerID string) int {
	sum := md5.Sum([]byte(ownerID))
	v := new(big.Int).SetBytes(sum[:])
	return int(v.Mod(v, r.modulus).Int64())
}

// SameShard reports whether both owners live on one shard.
func (r *Router) SameShard(a, b string) bool {
	return r.ShardOf(a) == r.ShardOf(b)
}

// Distribution counts how many of the given owners land on each shard.
func (r *Router) Distribution(ownerIDs []string) []int {
	counts := make([]int, r.n)
	for _, id := range ownerIDs {
		counts[r.ShardOf(id)]++
	}
	return counts
}
