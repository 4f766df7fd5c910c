// Load generator for the batching proxy. It wires the full router and
// dispatcher against an in-process stub inference backend and reports latency
// percentiles, throughput and the achieved batching ratio per scenario.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustworthy/batching-proxy/internal/batch"
	httpserver "github.com/rustworthy/batching-proxy/internal/http"
	"github.com/rustworthy/batching-proxy/internal/http/handlers"
	"github.com/rustworthy/batching-proxy/internal/inference"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	UpstreamCalls int64    `json:"upstream_calls"`
	BatchingRatio float64  `json:"batching_ratio"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	MaxWaitMS      int              `json:"max_wait_ms"`
	MaxBatchSize   int              `json:"max_batch_size"`
	Results        []scenarioResult `json:"results"`
}

type benchmarkEnv struct {
	server        *httptest.Server
	upstreamCalls *atomic.Int64
	close         func()
}

func main() {
	total := flag.Int("total", 2000, "total embed requests per scenario")
	concurrency := flag.Int("concurrency", 64, "concurrent embed requests")
	maxWaitMS := flag.Int("max-wait-ms", 25, "dispatcher latency budget in milliseconds")
	maxBatchSize := flag.Int("max-batch-size", 32, "dispatcher batch bound")
	upstreamDelayMS := flag.Int("upstream-delay-ms", 5, "simulated upstream latency in milliseconds")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment(*maxWaitMS, *maxBatchSize, *upstreamDelayMS)
	defer env.close()

	client := &http.Client{Timeout: 30 * time.Second}

	singleInput := runScenario(env, "embed_single_input", *total, *concurrency, func(index int) error {
		return postEmbed(client, env.server.URL, []string{fmt.Sprintf("query %d", index)})
	})

	multiInput := runScenario(env, "embed_multi_input", *total, *concurrency, func(index int) error {
		inputs := []string{
			fmt.Sprintf("document %d part one", index),
			fmt.Sprintf("document %d part two", index),
			fmt.Sprintf("document %d part three", index),
		}
		return postEmbed(client, env.server.URL, inputs)
	})

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		MaxWaitMS:      *maxWaitMS,
		MaxBatchSize:   *maxBatchSize,
		Results:        []scenarioResult{singleInput, multiInput},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(maxWaitMS, maxBatchSize, upstreamDelayMS int) *benchmarkEnv {
	logger := log.New(io.Discard, "", 0)
	upstreamCalls := &atomic.Int64{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		if upstreamDelayMS > 0 {
			time.Sleep(time.Duration(upstreamDelayMS) * time.Millisecond)
		}
		var payload struct {
			Inputs []string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		embeddings := make([][]float64, len(payload.Inputs))
		for index := range payload.Inputs {
			embeddings[index] = []float64{float64(index), 0.5}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddings)
	}))

	client, err := inference.NewClient(inference.ClientConfig{
		BaseURL: upstream.URL,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to build inference client: %v", err)
	}

	dispatcher := batch.NewDispatcher(client, batch.Config{
		MaxWaitTime:    time.Duration(maxWaitMS) * time.Millisecond,
		MaxBatchSize:   maxBatchSize,
		IntakeCapacity: 4096,
	}, logger)
	go dispatcher.Run()

	api := handlers.NewAPI(handlers.APIDependencies{
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:    api,
		Logger: logger,
	})
	server := httptest.NewServer(router)

	return &benchmarkEnv{
		server:        server,
		upstreamCalls: upstreamCalls,
		close: func() {
			server.Close()
			dispatcher.Close()
			upstream.Close()
		},
	}
}

func runScenario(
	env *benchmarkEnv,
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	callsBefore := env.upstreamCalls.Load()
	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	upstreamCalls := env.upstreamCalls.Load() - callsBefore
	batchingRatio := 0.0
	if upstreamCalls > 0 {
		batchingRatio = round2(float64(total) / float64(upstreamCalls))
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		UpstreamCalls: upstreamCalls,
		BatchingRatio: batchingRatio,
		ErrorSamples:  errorSamples,
	}
}

func postEmbed(client *http.Client, baseURL string, inputs []string) error {
	encoded, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, baseURL+"/embed", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
