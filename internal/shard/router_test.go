package shard

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRouter_RejectsNonPositiveCount(t *testing.T) {
	_, err := NewRouter(0)
	require.Error(t, err)

	_, err = NewRouter(-3)
	require.Error(t, err)
}

func TestShardOf_MatchesMD5Modulo(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	for _, id := range []string{"alice", "bob", "user_007", "", "ünïcødé"} {
		sum := md5.Sum([]byte(id))
		want := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(4)).Int64()
		assert.Equal(t, int(want), r.ShardOf(id), "owner %q", id)
	}
}

func TestShardOf_DeterministicAcrossInstances(t *testing.T) {
	a, err := NewRouter(8)
	require.NoError(t, err)
	b, err := NewRouter(8)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("owner-%03d", i)
		got := a.ShardOf(id)
		assert.Equal(t, got, b.ShardOf(id))
		assert.Equal(t, got, a.ShardOf(id))
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, 8)
	}
}

func TestShardOf_SingleShard(t *testing.T) {
	r, err := NewRouter(1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.ShardOf("anyone"))
	assert.True(t, r.SameShard("a", "b"))
}

func TestDistribution_CoversAllOwners(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	ids := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		ids = append(ids, fmt.Sprintf("user_%03d", i))
	}
	counts := r.Distribution(ids)
	require.Len(t, counts, 4)

	total := 0
	for shard, c := range counts {
		assert.Positive(t, c, "shard %d received no owners", shard)
		total += c
	}
	assert.Equal(t, len(ids), total)
}
