package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/shardledger/internal/models"
	"github.com/spf13/cobra"
)

// BenchOptions configures the load generator.
type BenchOptions struct {
	URL       string
	Workers   int
	Duration  time.Duration
	Workload  string // "uniform" | "hotspot"
	Accounts  int
	Prefix    string
	Amount    int64
	Currency  string
	OutputDir string
}

// BenchResult counts responses by outcome.
type BenchResult struct {
	Workload      string  `json:"workload"`
	DurationSec   float64 `json:"duration_sec"`
	TotalRequests uint64  `json:"total_requests"`
	ThroughputTPS float64 `json:"throughput_tps"`
	Completed     uint64  `json:"completed"`
	Pending       uint64  `json:"pending"`
	Rejected      uint64  `json:"rejected"`
	Forbidden     uint64  `json:"forbidden"`
	Unavailable   uint64  `json:"unavailable"`
	Errors        uint64  `json:"errors"`
	RejectRatePct float64 `json:"reject_rate_pct"`
}

type benchCounters struct {
	total, completed, pending, rejected, forbidden, unavailable, errors atomic.Uint64
}

func (c *benchCounters) record(status int) {
	c.total.Add(1)
	switch status {
	case http.StatusCreated:
		c.completed.Add(1)
	case http.StatusAccepted:
		c.pending.Add(1)
	case http.StatusUnprocessableEntity:
		c.rejected.Add(1)
	case http.StatusForbidden:
		c.forbidden.Add(1)
	case http.StatusServiceUnavailable:
		c.unavailable.Add(1)
	default:
		c.errors.Add(1)
	}
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive transfers against a running API",
		Long: `Post transfers between seeded owners for --duration using --workers
concurrent clients. The hotspot workload sends 90% of traffic between the
first two owners.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := RunBench(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if opts.OutputDir != "" {
				if err := writeBenchResult(opts.OutputDir, res); err != nil {
					return err
				}
			}
			return output(cmd, rootOpts, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d requests in %.1fs (%.1f tps)\n", res.Workload, res.TotalRequests, res.DurationSec, res.ThroughputTPS)
				fmt.Fprintf(w, "completed %d, pending %d, rejected %d, forbidden %d, unavailable %d, errors %d\n",
					res.Completed, res.Pending, res.Rejected, res.Forbidden, res.Unavailable, res.Errors)
			})
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().IntVar(&opts.Workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().StringVar(&opts.Workload, "workload", "uniform", "workload type: uniform | hotspot")
	cmd.Flags().IntVar(&opts.Accounts, "accounts", 1000, "number of seeded accounts")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "user_", "seeded owner id prefix")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 100, "amount per transfer in minor units")
	cmd.Flags().StringVar(&opts.Currency, "currency", "USD", "transfer currency")
	cmd.Flags().StringVar(&opts.OutputDir, "out", "", "directory to write results_<workload>.json to")
	return cmd
}

// RunBench generates load until opts.Duration elapses or ctx is cancelled.
func RunBench(ctx context.Context, opts BenchOptions) (*BenchResult, error) {
	if opts.Workload != "uniform" && opts.Workload != "hotspot" {
		return nil, fmt.Errorf("unknown workload %q", opts.Workload)
	}
	if opts.Workers <= 0 || opts.Accounts < 2 {
		return nil, fmt.Errorf("need at least one worker and two accounts")
	}
	seed := SeedOptions{Prefix: opts.Prefix}
	url := strings.TrimRight(opts.URL, "/") + "/api/v1/transfers"

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var (
		counters benchCounters
		wg       sync.WaitGroup
	)
	start := time.Now()
	for range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			for ctx.Err() == nil {
				from, to := pickOwners(opts.Workload, opts.Accounts)
				body, err := json.Marshal(models.TransferRequest{
					From:     seed.OwnerID(from),
					To:       seed.OwnerID(to),
					Amount:   opts.Amount,
					Currency: opts.Currency,
				})
				if err != nil {
					counters.errors.Add(1)
					continue
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
				if err != nil {
					counters.errors.Add(1)
					continue
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Idempotency-Key", uuid.NewString())

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						counters.errors.Add(1)
					}
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				counters.record(resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	res := &BenchResult{
		Workload:      opts.Workload,
		DurationSec:   elapsed.Seconds(),
		TotalRequests: counters.total.Load(),
		Completed:     counters.completed.Load(),
		Pending:       counters.pending.Load(),
		Rejected:      counters.rejected.Load(),
		Forbidden:     counters.forbidden.Load(),
		Unavailable:   counters.unavailable.Load(),
		Errors:        counters.errors.Load(),
	}
	if elapsed > 0 {
		res.ThroughputTPS = float64(res.TotalRequests) / elapsed.Seconds()
	}
	if res.TotalRequests > 0 {
		res.RejectRatePct = float64(res.Rejected) / float64(res.TotalRequests) * 100
	}
	return res, nil
}

// pickOwners returns two distinct owner indexes in [0, n).
func pickOwners(workload string, n int) (int, int) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		if rand.Float32() < 0.5 {
			return 0, 1
		}
		return 1, 0
	}
	a := rand.IntN(n)
	b := rand.IntN(n)
	for a == b {
		b = rand.IntN(n)
	}
	return a, b
}

func writeBenchResult(dir string, res *BenchResult) error {
	f, err := os.Create(fmt.Sprintf("%s/results_%s.json", strings.TrimRight(dir, "/"), res.Workload))
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(res)
}
