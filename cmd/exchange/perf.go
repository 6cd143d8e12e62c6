package exchange

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for exchange brokers",
		PreRunE: processPerfConfig,
		RunE:    runPerf,
	}
	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 10000
	perfSkip             = make([]string, 0)
)

// benchmark is one measured operation. op is called perfOps times spread
// over perfNumThreads workers; worker and i identify the call.
type benchmark struct {
	name    string
	setup   func(ctx context.Context, ex *client.Exchange) error
	op      func(ctx context.Context, ex *client.Exchange, worker, i int) error
	cleanup func(ctx context.Context, ex *client.Exchange)
}

// result of a benchmark, read from its timer
type result struct {
	name      string
	skipped   bool
	count     int64
	errors    int64
	mean      time.Duration
	p50       time.Duration
	p99       time.Duration
	opsPerSec float64
}

func init() {
	cmdUtil.SetupExchangeClientFlags(perfCmd)

	key := "skip"
	perfCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. set,lock)"))
	key = "threads"
	perfCmd.Flags().Int(key, 10, cmdUtil.WrapString("Number of concurrent workers"))
	key = "ops"
	perfCmd.Flags().Int(key, 10000, cmdUtil.WrapString("Number of operations per benchmark"))
	key = "large-value-size"
	perfCmd.Flags().Int(key, 100, cmdUtil.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfCmd.Flags().Int(key, 100, cmdUtil.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return common.InitLoggers(viper.GetString("log-level"))
}

func runPerf(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	ex, err := cmdUtil.ConnectExchange()
	if err != nil {
		return err
	}
	defer ex.Close()

	config := cmdUtil.GetClientConfig()
	fmt.Println("Performance testing tool for exchange brokers")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d, Operations: %d\n", perfNumThreads, perfOps)
	fmt.Println()
	fmt.Println("starting tests...")

	registry := gometrics.NewRegistry()
	var results []result
	for _, b := range benchmarks() {
		if ctx.Err() != nil {
			break
		}
		r := runBenchmark(ctx, ex, registry, b)
		printResult(r)
		results = append(results, r)
	}

	if path := viper.GetString("csv"); path != "" {
		if err := writeResultsToCSV(path, results, config); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", path)
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func benchmarks() []benchmark {
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	deleteKeys := func(prefix string) func(ctx context.Context, ex *client.Exchange) {
		return func(ctx context.Context, ex *client.Exchange) {
			for i := 0; i < perfKeySpread; i++ {
				_ = ex.Del(ctx, key(prefix, i))
			}
		}
	}
	setKeys := func(prefix string) func(ctx context.Context, ex *client.Exchange) error {
		return func(ctx context.Context, ex *client.Exchange) error {
			for i := 0; i < perfKeySpread; i++ {
				if err := ex.Set(ctx, key(prefix, i), []byte("test"), 0); err != nil {
					return err
				}
			}
			return nil
		}
	}

	var deliveries gometrics.Meter
	var sub *client.Subscription

	return []benchmark{
		{
			name: "set",
			op: func(ctx context.Context, ex *client.Exchange, _, i int) error {
				return ex.Set(ctx, key("set", i), []byte("test"), 0)
			},
			cleanup: deleteKeys("set"),
		},
		{
			name: "set-large",
			op: func(ctx context.Context, ex *client.Exchange, _, i int) error {
				return ex.Set(ctx, key("set-large", i), largeValue, 0)
			},
			cleanup: deleteKeys("set-large"),
		},
		{
			name:  "get",
			setup: setKeys("get"),
			op: func(ctx context.Context, ex *client.Exchange, _, i int) error {
				_, _, err := ex.Get(ctx, key("get", i))
				return err
			},
			cleanup: deleteKeys("get"),
		},
		{
			name:  "del",
			setup: setKeys("del"),
			op: func(ctx context.Context, ex *client.Exchange, _, i int) error {
				return ex.Del(ctx, key("del", i))
			},
		},
		{
			name: "publish",
			setup: func(ctx context.Context, ex *client.Exchange) (err error) {
				deliveries = gometrics.NewMeter()
				sub, err = ex.Subscribe(ctx, perfKeyPrefix+"-publish", func([]byte) { deliveries.Mark(1) })
				return err
			},
			op: func(ctx context.Context, ex *client.Exchange, _, _ int) error {
				return ex.Publish(ctx, perfKeyPrefix+"-publish", []byte("test"))
			},
			cleanup: func(context.Context, *client.Exchange) {
				if sub != nil {
					_ = sub.Unsubscribe()
				}
				if deliveries != nil {
					fmt.Printf("%-20s%d deliveries (%.0f/sec)\n", "", deliveries.Count(), deliveries.RateMean())
					deliveries.Stop()
				}
			},
		},
		{
			// every worker locks its own name, so this measures the round trip
			name: "lock",
			op: func(ctx context.Context, ex *client.Exchange, worker, _ int) error {
				l, err := ex.Lock(ctx, fmt.Sprintf("%s-lock-%d", perfKeyPrefix, worker), time.Second)
				if err != nil {
					return err
				}
				return l.Unlock()
			},
		},
		{
			// all workers fight for one name
			name: "lock-contended",
			op: func(ctx context.Context, ex *client.Exchange, _, _ int) error {
				l, err := ex.Lock(ctx, perfKeyPrefix+"-lock-contended", -1)
				if err != nil {
					return err
				}
				return l.Unlock()
			},
		},
	}
}

// runBenchmark runs b with perfNumThreads workers and returns its result
func runBenchmark(ctx context.Context, ex *client.Exchange, registry gometrics.Registry, b benchmark) result {
	if shouldSkip(b.name) {
		return result{name: b.name, skipped: true}
	}
	if b.setup != nil {
		if err := b.setup(ctx, ex); err != nil {
			fmt.Printf("(%s) - setup failed: %v\n", b.name, err)
			return result{name: b.name, skipped: true}
		}
	}
	if b.cleanup != nil {
		defer b.cleanup(ctx, ex)
	}

	timer := gometrics.GetOrRegisterTimer(b.name, registry)
	errs := gometrics.GetOrRegisterCounter(b.name+".errors", registry)

	var wg sync.WaitGroup
	next := make(chan int)
	start := time.Now()
	for w := 0; w < perfNumThreads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				if err := b.op(ctx, ex, worker, i); err != nil {
					errs.Inc(1)
					continue
				}
				timer.UpdateSince(opStart)
			}
		}(w)
	}
	for i := 0; i < perfOps && ctx.Err() == nil; i++ {
		next <- i
	}
	close(next)
	wg.Wait()
	elapsed := time.Since(start)

	ps := timer.Percentiles([]float64{0.5, 0.99})
	return result{
		name:      b.name,
		count:     timer.Count(),
		errors:    errs.Count(),
		mean:      time.Duration(timer.Mean()),
		p50:       time.Duration(ps[0]),
		p99:       time.Duration(ps[1]),
		opsPerSec: float64(timer.Count()) / elapsed.Seconds(),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// key returns the i-th test key of prefix (with wraparound)
func key(prefix string, i int) string {
	return fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i%perfKeySpread)
}

// printResult prints the result of a benchmark in a formatted way
func printResult(r result) {
	if r.skipped {
		fmt.Printf("%-20sskipped\n", r.name)
		return
	}
	fmt.Printf("%-20smean %s\tp50 %s\tp99 %s\t%.0f ops/sec\t%d errors\n",
		r.name, r.mean, r.p50, r.p99, r.opsPerSec, r.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []result, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Skipped", "Ops", "Errors", "MeanNs", "P50Ns", "P99Ns", "OpsPerSec",
		"Endpoint", "Transport", "Serializer", "TimeoutSec",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{
			r.name,
			strconv.FormatBool(r.skipped),
			strconv.FormatInt(r.count, 10),
			strconv.FormatInt(r.errors, 10),
			strconv.FormatInt(r.mean.Nanoseconds(), 10),
			strconv.FormatInt(r.p50.Nanoseconds(), 10),
			strconv.FormatInt(r.p99.Nanoseconds(), 10),
			fmt.Sprintf("%.0f", r.opsPerSec),
			config.Endpoint,
			config.Transport,
			config.Serializer,
			strconv.Itoa(int(config.Timeout.Seconds())),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
