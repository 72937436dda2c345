// Benchmark tool for replaying circulation rule lookups against Heron.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/lookups.csv -url http://localhost:8080
//
// The CSV has a header row with the columns loan_type_id, location_id,
// item_type_id and patron_type_id, and optionally institution_id, campus_id,
// library_id and expected_loan_policy_id. This tool:
//  1. Reads the lookups
//  2. Sends each to GET /circulation/rules/loan-policy
//  3. Compares the matched policy with the expected one when given
//  4. Reports latency percentiles, throughput and the fallback share
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lookup is one row of the replay file.
type Lookup struct {
	Query    url.Values
	Expected string
}

// LoanPolicyResponse is the single-kind rule application response.
type LoanPolicyResponse struct {
	LoanPolicyID string   `json:"loanPolicyId"`
	Conditions   []string `json:"conditions"`
	Line         int      `json:"line"`
	Fallback     bool     `json:"fallback"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Fallbacks      int64
	Expected       int64
	Mismatches     int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var criteriaColumns = []string{
	"loan_type_id", "location_id", "item_type_id", "patron_type_id",
	"institution_id", "campus_id", "library_id",
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to lookup CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum lookups to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each lookup result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/lookups.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HERON BENCHMARK - circulation rule lookups")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Heron URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Heron is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running:")
		fmt.Println("  go run cmd/heron/main.go")
		os.Exit(1)
	}
	fmt.Println("Heron is healthy")

	lookups, err := readLookups(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d lookups\n", len(lookups))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(lookups, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLookups(path string, limit int) ([]Lookup, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range criteriaColumns[:4] {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %s", col)
		}
	}

	var lookups []Lookup
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		q := url.Values{}
		for _, col := range criteriaColumns {
			if i, ok := colIndex[col]; ok && i < len(record) && record[i] != "" {
				q.Set(col, record[i])
			}
		}

		lookup := Lookup{Query: q}
		if i, ok := colIndex["expected_loan_policy_id"]; ok && i < len(record) {
			lookup.Expected = record[i]
		}
		lookups = append(lookups, lookup)

		if limit > 0 && len(lookups) >= limit {
			break
		}
	}

	return lookups, nil
}

func runBenchmark(lookups []Lookup, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan Lookup, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for lookup := range work {
				start := time.Now()
				result, err := applyLoanRule(client, baseURL, tenantID, lookup)
				metrics.record(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", lookup.Query.Encode(), err)
					}
					continue
				}

				if result.Fallback {
					atomic.AddInt64(&metrics.Fallbacks, 1)
				}
				mismatch := false
				if lookup.Expected != "" {
					atomic.AddInt64(&metrics.Expected, 1)
					if lookup.Expected != result.LoanPolicyID {
						atomic.AddInt64(&metrics.Mismatches, 1)
						mismatch = true
					}
				}

				if verbose {
					status := "ok"
					if mismatch {
						status = "MISMATCH"
					}
					fmt.Printf("%-8s %s -> %s (line %d, fallback %v)\n",
						status, lookup.Query.Encode(), result.LoanPolicyID, result.Line, result.Fallback)
				}
			}
		}()
	}

	// Send work
	for _, lookup := range lookups {
		work <- lookup
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func applyLoanRule(client *http.Client, baseURL, tenantID string, lookup Lookup) (*LoanPolicyResponse, error) {
	httpReq, err := http.NewRequest(http.MethodGet, baseURL+"/circulation/rules/loan-policy?"+lookup.Query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Okapi-Tenant", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result LoanPolicyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nLOOKUPS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	succeeded := m.TotalProcessed - m.TotalErrors
	if succeeded > 0 {
		fmt.Printf("   Fallback Share:   %.2f%%\n", 100*float64(m.Fallbacks)/float64(succeeded))
	}
	if m.Expected > 0 {
		fmt.Printf("   Mismatches:       %d / %d (%.2f%%)\n",
			m.Mismatches, m.Expected, 100*float64(m.Mismatches)/float64(m.Expected))
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99))
		fmt.Printf("   Throughput:       %.2f lookups/sec\n", tps)
	}

	fmt.Println()
}
