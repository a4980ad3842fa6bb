package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/shardledger/internal/api"
	"github.com/punchamoorthee/shardledger/internal/models"
	"github.com/punchamoorthee/shardledger/internal/service"
	"github.com/punchamoorthee/shardledger/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withStores points the configuration at fresh SQLite files.
func withStores(t *testing.T, shards int) {
	t.Helper()
	dir := t.TempDir()
	dsns := make([]string, shards)
	for i := range dsns {
		dsns[i] = filepath.Join(dir, fmt.Sprintf("shard%d.db", i))
	}
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SHARD_DSNS", strings.Join(dsns, ","))
	t.Setenv("FRAUD_DSN", filepath.Join(dir, "fraud.db"))
}

func TestShardOf_ReportsPlacementAndDistribution(t *testing.T) {
	out, err := run(t, "shard-of", "--shards", "4", "--format", "json", "alice", "bob", "carol")
	require.NoError(t, err)

	var res shardOfResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	router, err := shard.NewRouter(4)
	require.NoError(t, err)

	assert.Equal(t, 4, res.ShardCount)
	require.Len(t, res.Owners, 3)
	for _, p := range res.Owners {
		assert.Equal(t, router.ShardOf(p.OwnerID), p.Shard, p.OwnerID)
	}
	total := 0
	for _, n := range res.Distribution {
		total += n
	}
	assert.Equal(t, 3, total)
}

func TestShardOf_UsesConfiguredShardCount(t *testing.T) {
	withStores(t, 3)

	out, err := run(t, "shard-of", "alice")
	require.NoError(t, err)
	router, err := shard.NewRouter(3)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("alice\t%d\n", router.ShardOf("alice")), out)
}

func TestSeedStatsReconcileRecover(t *testing.T) {
	withStores(t, 2)

	out, err := run(t, "seed", "--accounts", "20", "--balance", "500", "--format", "json")
	require.NoError(t, err)
	var seeded seedResult
	require.NoError(t, json.Unmarshal([]byte(out), &seeded))
	assert.Equal(t, int64(20), seeded.Created)
	assert.Equal(t, int64(0), seeded.Existing)
	assert.Equal(t, 20, seeded.PerShard[0]+seeded.PerShard[1])

	out, err = run(t, "seed", "--accounts", "20", "--balance", "500", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &seeded))
	assert.Equal(t, int64(0), seeded.Created)
	assert.Equal(t, int64(20), seeded.Existing)

	out, err = run(t, "stats", "--format", "json")
	require.NoError(t, err)
	var st service.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(20), st.Accounts)
	assert.Equal(t, int64(20*500), st.TotalBalance)
	assert.Len(t, st.Shards, 2)

	out, err = run(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	out, err = run(t, "recover", "--format", "json")
	require.NoError(t, err)
	var rec recoverResult
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Zero(t, rec.Transfers.Scanned)
	assert.Zero(t, rec.Reversals)
}

func TestSeed_ConfigFileFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
shard_dsns: [%q]
fraud_dsn: %q
`, filepath.Join(dir, "s0.db"), filepath.Join(dir, "fraud.db"))), 0o600))
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SHARD_DSNS", "")
	t.Setenv("FRAUD_DSN", "")
	require.NoError(t, os.Unsetenv("SHARD_DSNS"))
	require.NoError(t, os.Unsetenv("FRAUD_DSN"))

	out, err := run(t, "--config", path, "seed", "--accounts", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "created 3 accounts")
}

func TestToken_IssuesVerifiableToken(t *testing.T) {
	withStores(t, 1)
	t.Setenv("AUTH_JWT_SECRET", "cli-test-secret")

	out, err := run(t, "token", "ops@example.com", "--ttl", "5m")
	require.NoError(t, err)

	actor, err := api.NewAuthenticator("cli-test-secret", "shardledger", "shardledger-admin").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", actor)
}

func TestToken_RequiresSecret(t *testing.T) {
	withStores(t, 1)
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := run(t, "token", "ops")
	require.Error(t, err)
}

func TestRunBench_CountsOutcomes(t *testing.T) {
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.TransferRequest
		if r.URL.Path != "/api/v1/transfers" || r.Header.Get("Idempotency-Key") == "" ||
			json.NewDecoder(r.Body).Decode(&req) != nil || req.From == req.To {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	res, err := RunBench(t.Context(), BenchOptions{
		URL:      srv.URL,
		Workers:  2,
		Duration: 200 * time.Millisecond,
		Workload: "hotspot",
		Accounts: 10,
		Prefix:   "user_",
		Amount:   100,
		Currency: "USD",
	})
	require.NoError(t, err)
	require.Positive(t, res.TotalRequests)
	assert.Zero(t, res.Errors)
	assert.Equal(t, res.TotalRequests, res.Completed+res.Rejected)
	assert.Positive(t, res.Rejected)
}

func TestRunBench_RejectsUnknownWorkload(t *testing.T) {
	_, err := RunBench(t.Context(), BenchOptions{Workload: "zipf", Workers: 1, Accounts: 2})
	require.Error(t, err)
}

func TestPickOwners_Distinct(t *testing.T) {
	for range 500 {
		a, b := pickOwners("uniform", 3)
		assert.NotEqual(t, a, b)
		assert.Less(t, a, 3)
		assert.Less(t, b, 3)
	}
}
