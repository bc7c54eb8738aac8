package call

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/cmd/util"
	"github.com/ValentinKolb/dLink/rpc/client"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/server"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dLink servers",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads       = 10
	perfRequests         = 10_000
	perfLargeValueSizeKB = 100
	perfQueryRows        = 1000
	perfSkip             = make([]string, 0)

	perfPercentiles = []float64{0.5, 0.9, 0.99}
)

// perfResult holds the latencies of one benchmark
type perfResult struct {
	name    string
	timer   gometrics.Timer
	errors  int64
	elapsed time.Duration
	skipped bool
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. echo,query)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines sending requests"))
	key = "requests"
	perfTestCmd.Flags().Int(key, 10_000, util.WrapString("Number of requests per benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the payload for the echo-large test should be (in KB)"))
	key = "query-rows"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Number of rows every request of the query test streams"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfRequests = max(viper.GetInt("requests"), 1)
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfQueryRows = max(viper.GetInt("query-rows"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dLink servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Requests: %d\n", perfRequests)
	fmt.Println()

	fmt.Println("starting tests...")

	small := []byte("test")
	large := make([]byte, perfLargeValueSizeKB*1024)
	rows := []byte(strconv.Itoa(perfQueryRows))

	var results []*perfResult

	results = append(results, benchmark("echo", func(ctx context.Context) error {
		_, err := session.Call(ctx, server.ServiceIDEcho, small)
		return err
	}))

	results = append(results, benchmark("echo-large", func(ctx context.Context) error {
		_, err := session.Call(ctx, server.ServiceIDEcho, large)
		return err
	}))

	results = append(results, benchmark("echo-background", func(ctx context.Context) error {
		fut, err := client.Send[[]byte](session, server.ServiceIDEcho, small, client.PayloadProcessor{}, true)
		if err != nil {
			return err
		}
		defer fut.Close()
		_, err = fut.Get(ctx)
		return err
	}))

	results = append(results, benchmark("status", func(ctx context.Context) error {
		_, err := session.Call(ctx, server.ServiceIDStatus, []byte("503"))
		var se *common.ServerError
		if errors.As(err, &se) {
			return nil // expected
		}
		return err
	}))

	results = append(results, benchmark("query", func(ctx context.Context) error {
		head, body, err := client.SendQuery(session, server.ServiceIDSequence, rows)
		if err != nil {
			return err
		}
		defer head.Close()
		defer body.Close()

		q, err := head.Get(ctx)
		if err != nil {
			return err
		}
		defer q.Close()
		for {
			if _, err := q.Next(ctx); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return err
			}
		}
		_, err = body.Get(ctx)
		return err
	}))

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// benchmark sends perfRequests requests with perfNumThreads goroutines and records the
// latency of each request
func benchmark(name string, op func(ctx context.Context) error) *perfResult {
	res := &perfResult{name: name, timer: gometrics.NewTimer()}
	defer printResult(res)

	if shouldSkip(name) {
		res.skipped = true
		return res
	}

	var next atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for i := 0; i < perfNumThreads; i++ {
		g.Go(func() error {
			for next.Add(1) <= int64(perfRequests) {
				t := time.Now()
				if err := op(ctx); err != nil {
					if errors.Is(err, common.ErrConnectionClosed) || errors.Is(err, common.ErrServerCrashed) {
						return err
					}
					atomic.AddInt64(&res.errors, 1)
					continue
				}
				res.timer.UpdateSince(t)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("(%s) - aborted: %v\n", name, err)
	}
	res.elapsed = time.Since(start)
	return res
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(res *perfResult) {
	if res.skipped || res.timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", res.name)
		return
	}

	ps := res.timer.Percentiles(perfPercentiles)
	opsPerSec := float64(res.timer.Count()) / res.elapsed.Seconds()

	fmt.Printf("%-20s%s/op (p50 %s, p90 %s, p99 %s)\t%.0f ops/sec\t%d errors\n",
		res.name,
		time.Duration(res.timer.Mean()),
		time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
		opsPerSec, res.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []*perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Requests", "Errors", "MeanNs", "P50Ns", "P90Ns", "P99Ns", "OpsPerSec", "Skipped",
		"Endpoint", "TimeoutSec", "Slots", "BackgroundWorkers", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "QueryRows",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for _, res := range results {
		ps := res.timer.Percentiles(perfPercentiles)
		var opsPerSec float64
		if res.elapsed > 0 {
			opsPerSec = float64(res.timer.Count()) / res.elapsed.Seconds()
		}

		row := []string{
			res.name,
			strconv.FormatInt(res.timer.Count(), 10),
			strconv.FormatInt(res.errors, 10),
			fmt.Sprintf("%.0f", res.timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatBool(res.skipped),
			config.Transport.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.Slots()),
			strconv.Itoa(config.BackgroundWorkers),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfQueryRows),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", res.name, err)
		}
	}

	return nil
}
