// Command loadtest drives a running generator with concurrent synchronous
// batches and reports throughput and latency.
//
// The template and dataset are uploaded once; every worker then submits
// batches against those uploads until the duration elapses. With -archive,
// each successful batch is also downloaded as a zip.
//
// Usage:
//
//	go run ./cmd/loadtest -template diploma.docx -data students.xlsx [-url http://localhost:3000] [-concurrency 4] [-duration 30s] [-archive]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	Archive     bool
	Template    string
	Data        string
}

type Stats struct {
	batches       atomic.Int64
	succeeded     atomic.Int64
	errorCount    atomic.Int64
	documents     atomic.Int64
	archiveBytes  atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 10000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordBatch(duration time.Duration, statusCode int, documents int, err error) {
	s.batches.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	if statusCode == http.StatusOK {
		s.succeeded.Add(1)
		s.documents.Add(int64(documents))
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "base URL of the generator service")
	concurrency := flag.Int("concurrency", 4, "number of concurrent batch submitters")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	archive := flag.Bool("archive", false, "download the archive of every successful batch")
	templatePath := flag.String("template", "", "path to the .docx template")
	dataPath := flag.String("data", "", "path to the .xlsx dataset")
	flag.Parse()
	if *templatePath == "" || *dataPath == "" {
		fmt.Fprintln(os.Stderr, "-template and -data are required")
		os.Exit(2)
	}

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		Archive:     *archive,
		Template:    *templatePath,
		Data:        *dataPath,
	}

	fmt.Println("=== Diploma Generator Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Archives:    %t\n", cfg.Archive)
	fmt.Println()

	client := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	tmplName, err := uploadFile(client, cfg.BaseURL+"/api/v1/templates", cfg.Template)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uploading template: %v\n", err)
		os.Exit(1)
	}
	dataName, err := uploadFile(client, cfg.BaseURL+"/api/v1/datasets", cfg.Data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uploading dataset: %v\n", err)
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]string{"template": tmplName, "data": dataName})

	stats := runLoadTest(cfg, client, body)
	printReport(stats, cfg.Duration)
}

func uploadFile(client *http.Client, target, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	resp, err := client.Post(target, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out struct {
		FileName string `json:"file_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.FileName, nil
}

type batchResponse struct {
	BatchID   string `json:"batch_id"`
	Succeeded int    `json:"succeeded"`
}

func runLoadTest(cfg Config, client *http.Client, body []byte) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				start := time.Now()
				batch, status, err := submit(ctx, client, cfg.BaseURL, body)
				if ctx.Err() != nil {
					return
				}
				stats.RecordBatch(time.Since(start), status, batch.Succeeded, err)
				if err != nil || status != http.StatusOK || !cfg.Archive || batch.Succeeded == 0 {
					continue
				}
				if n, err := download(ctx, client, cfg.BaseURL, batch.BatchID); err == nil {
					stats.archiveBytes.Add(n)
				}
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func submit(ctx context.Context, client *http.Client, baseURL string, body []byte) (batchResponse, int, error) {
	var out batchResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/batches", bytes.NewReader(body))
	if err != nil {
		return out, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return out, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		err = json.NewDecoder(resp.Body).Decode(&out)
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return out, resp.StatusCode, err
}

func download(ctx context.Context, client *http.Client, baseURL, batchID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/batches/"+batchID+"/archive", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(io.Discard, resp.Body)
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.batches.Load()
	success := stats.succeeded.Load()
	errors := stats.errorCount.Load()
	documents := stats.documents.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Batches:         %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Documents:       %d\n", documents)
	if n := stats.archiveBytes.Load(); n > 0 {
		fmt.Printf("Archive bytes:   %d\n", n)
	}

	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Printf("Batches/sec:     %.2f\n", float64(total)/duration.Seconds())
		fmt.Printf("Documents/sec:   %.2f\n", float64(documents)/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Batch Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No batches completed. Is the generator running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
