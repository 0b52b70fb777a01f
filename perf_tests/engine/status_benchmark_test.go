package engine_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Configuration from environment
var (
	engineURL   = getEnv("FLOW_ENGINE_URL", "http://localhost:8080")
	numCalls    = getEnvInt("PERF_NUM_CALLS", 100000)
	concurrency = getEnvInt("PERF_CONCURRENCY", 10)
)

// startBenchmarkRun executes one workflow against the engine and returns
// its instance id. The template must exist already:
//
//	PERF_TEMPLATE_BASE_ID=<uuid> go test -bench=. ./perf_tests/engine/
func startBenchmarkRun(tb testing.TB) string {
	tb.Helper()

	templateBaseID := os.Getenv("PERF_TEMPLATE_BASE_ID")
	if templateBaseID == "" {
		tb.Skip("PERF_TEMPLATE_BASE_ID not set")
	}

	executorID := uuid.New().String()
	body, _ := json.Marshal(map[string]any{
		"name":  fmt.Sprintf("perf-run-%d", time.Now().Unix()),
		"input": map[string]any{"records": []int{1, 2, 3}},
	})

	url := fmt.Sprintf("%s/api/v1/workflows/%s/execute", engineURL, templateBaseID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		tb.Fatalf("Build execute request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Executor-ID", executorID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("Execute request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		tb.Fatalf("Execute returned %d: %s", resp.StatusCode, raw)
	}

	var result struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		tb.Fatalf("Decode execute response: %v", err)
	}
	return result.InstanceID
}

// BenchmarkInstanceStatus measures the status read path: persisted row
// composed with the live in-memory context.
//
// Usage:
//
//	PERF_TEMPLATE_BASE_ID=<uuid> go test -bench=BenchmarkInstanceStatus -benchtime=100000x
//
// Metrics: ops/sec, latency, throughput
func BenchmarkInstanceStatus(b *testing.B) {
	// Skip if the engine is not running
	resp, err := http.Get(engineURL + "/health")
	if err != nil {
		b.Skip("Flow engine not running")
	}
	resp.Body.Close()

	instanceID := startBenchmarkRun(b)
	b.Logf("Benchmarking status fetch: %d iterations", b.N)
	b.Logf("  Instance: %s", instanceID)

	var totalBytes int64

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		url := fmt.Sprintf("%s/api/v1/instances/%s/status", engineURL, instanceID)
		resp, err := http.Get(url)
		if err != nil {
			b.Fatalf("Request failed: %v", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			b.Fatalf("Failed to read response: %v", err)
		}
		totalBytes += int64(len(body))

		if resp.StatusCode != 200 {
			b.Fatalf("Unexpected status: %d", resp.StatusCode)
		}
	}

	b.StopTimer()

	elapsed := b.Elapsed()
	opsPerSec := float64(b.N) / elapsed.Seconds()
	throughputMBps := float64(totalBytes) / elapsed.Seconds() / 1024 / 1024

	b.ReportMetric(opsPerSec, "ops/sec")
	b.ReportMetric(throughputMBps, "MB/s")
	b.ReportMetric(float64(elapsed.Nanoseconds()/int64(b.N))/1e6, "ms/op")
}

// TestInstanceStatusConcurrent measures the status read path under load
// with multiple concurrent clients
func TestInstanceStatusConcurrent(t *testing.T) {
	resp, err := http.Get(engineURL + "/health")
	if err != nil {
		t.Skip("Flow engine not running")
	}
	resp.Body.Close()

	instanceID := startBenchmarkRun(t)

	t.Logf("Concurrent status test:")
	t.Logf("  Total calls: %d", numCalls)
	t.Logf("  Concurrency: %d", concurrency)
	t.Logf("  Instance: %s", instanceID)

	start := time.Now()

	callsPerWorker := numCalls / concurrency
	doneChan := make(chan workerStats, concurrency)

	for w := 0; w < concurrency; w++ {
		go func(workerID int) {
			stats := workerStats{workerID: workerID}
			workerStart := time.Now()

			for i := 0; i < callsPerWorker; i++ {
				reqStart := time.Now()

				url := fmt.Sprintf("%s/api/v1/instances/%s/status", engineURL, instanceID)
				resp, err := http.Get(url)
				if err != nil {
					stats.errors++
					continue
				}

				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()

				reqDuration := time.Since(reqStart)

				stats.totalCalls++
				stats.totalBytes += int64(len(body))
				stats.totalLatency += reqDuration

				if reqDuration < stats.minLatency || stats.minLatency == 0 {
					stats.minLatency = reqDuration
				}
				if reqDuration > stats.maxLatency {
					stats.maxLatency = reqDuration
				}
			}

			stats.duration = time.Since(workerStart)
			doneChan <- stats
		}(w)
	}

	var totalStats workerStats
	for i := 0; i < concurrency; i++ {
		stats := <-doneChan
		totalStats.totalCalls += stats.totalCalls
		totalStats.totalBytes += stats.totalBytes
		totalStats.totalLatency += stats.totalLatency
		totalStats.errors += stats.errors

		if stats.minLatency < totalStats.minLatency || totalStats.minLatency == 0 {
			totalStats.minLatency = stats.minLatency
		}
		if stats.maxLatency > totalStats.maxLatency {
			totalStats.maxLatency = stats.maxLatency
		}
	}

	elapsed := time.Since(start)

	if totalStats.totalCalls == 0 {
		t.Fatalf("All requests failed! Check that the engine is running at %s (errors: %d)",
			engineURL, totalStats.errors)
	}

	opsPerSec := float64(totalStats.totalCalls) / elapsed.Seconds()
	throughputMBps := float64(totalStats.totalBytes) / elapsed.Seconds() / 1024 / 1024
	avgLatency := totalStats.totalLatency / time.Duration(totalStats.totalCalls)

	t.Logf("\n========================================")
	t.Logf("Performance Results:")
	t.Logf("========================================")
	t.Logf("Total calls:     %d", totalStats.totalCalls)
	t.Logf("Errors:          %d", totalStats.errors)
	t.Logf("Duration:        %s", elapsed)
	t.Logf("Throughput:      %.2f ops/sec", opsPerSec)
	t.Logf("Data transferred: %.2f MB/s", throughputMBps)
	t.Logf("\nLatency:")
	t.Logf("  Min:     %s", totalStats.minLatency)
	t.Logf("  Average: %s", avgLatency)
	t.Logf("  Max:     %s", totalStats.maxLatency)
	t.Logf("========================================\n")
}

type workerStats struct {
	workerID     int
	totalCalls   int
	totalBytes   int64
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	errors       int
	duration     time.Duration
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
