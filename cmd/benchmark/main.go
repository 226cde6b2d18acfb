// Command benchmark measures a running btreekv node through its HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"btreekv/pkg/btree"
	"btreekv/pkg/rpc"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// op performs the j-th operation of a worker
type op func(ctx context.Context, worker, j int) error

func main() {
	baseURL := "http://localhost:8080"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}

	fmt.Println("=== btreekv Benchmark ===")
	fmt.Printf("Target: %s\n", baseURL)
	fmt.Println()

	// Проверка доступности
	if !checkHealth(baseURL) {
		fmt.Printf("ERROR: Node %s is not available\n", baseURL)
		os.Exit(1)
	}

	ctx := context.Background()
	kv := rpc.NewHTTPRemote(baseURL, rpc.Options{Timeout: 5 * time.Second, Retries: 1})

	writes := func(ctx context.Context, worker, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", worker, j)
		_, err := kv.Set(ctx, []byte(key), []byte(fmt.Sprintf("bench_value_%d", time.Now().UnixNano())))
		return err
	}
	reads := func(ctx context.Context, worker, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", worker, j)
		_, found, err := kv.Get(ctx, []byte(key))
		if err == nil && !found {
			return fmt.Errorf("key %s not found", key)
		}
		return err
	}

	fmt.Println("Test 1: Sequential Writes (1000 operations)")
	printResult(run(ctx, 1000, 1, writes))

	fmt.Println("\nTest 2: Sequential Reads (1000 operations)")
	printResult(run(ctx, 1000, 1, reads))

	fmt.Println("\nTest 3: Concurrent Writes (1000 operations, 16 workers)")
	printResult(run(ctx, 1000, 16, writes))

	fmt.Println("\nTest 4: Concurrent Reads (1000 operations, 16 workers)")
	printResult(run(ctx, 1000, 16, reads))

	// Тест 5: горячий счётчик, все воркеры бьют в один ключ
	const counter = "bench_counter"
	if _, err := kv.Set(ctx, []byte(counter), []byte("0")); err != nil {
		fmt.Printf("ERROR: reset counter: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nTest 5: Hot Counter Increments (1000 operations, 16 workers)")
	res := run(ctx, 1000, 16, func(ctx context.Context, _, _ int) error {
		r, err := kv.IncrDecr(ctx, []byte(counter), true, 1)
		if err == nil && r.Status != btree.IncrDecrSuccess {
			return fmt.Errorf("incr: %s", r.Status)
		}
		return err
	})
	printResult(res)

	item, _, err := kv.Get(ctx, []byte(counter))
	if err != nil {
		fmt.Printf("ERROR: read counter: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Counter: %s (expected %d)\n", item.Value, res.SuccessfulOps)

	fmt.Println("\n=== Benchmark Complete ===")
}

func checkHealth(baseURL string) bool {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// run spreads totalOps over concurrency workers and collects latencies.
func run(ctx context.Context, totalOps, concurrency int, fn op) BenchmarkResult {
	var (
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, totalOps)
	)

	opsPerWorker := totalOps / concurrency
	remainder := totalOps % concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		ops := opsPerWorker
		if worker < remainder {
			ops++
		}
		g.Go(func() error {
			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := fn(gctx, worker, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: totalOps - failed,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(totalOps-failed) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	// Вычисление статистики латентности
	sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[len(latencies)*99/100]
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
