// Command loadtest drives a running indexer with a mix of intake PUTs,
// DELETEs and searches. The server must run with intake.allowAllForTests
// unless -cert/-key name a trusted client certificate.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type op string

const (
	opPut    op = "PUT"
	opDelete op = "DELETE"
	opSearch op = "SEARCH"
)

type Config struct {
	BaseURL      string
	Concurrency  int
	Duration     time.Duration
	Participants int
	DeleteRatio  float64
	SearchRatio  float64
	Client       *http.Client
}

type opStats struct {
	count     atomic.Int64
	failed    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func (s *opStats) record(d time.Duration, code int, err error) {
	s.count.Add(1)
	if err != nil || code < 200 || code >= 300 {
		s.failed.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[code]++
	s.mu.Unlock()
}

type Stats map[op]*opStats

func newStats() Stats {
	s := Stats{}
	for _, o := range []op{opPut, opDelete, opSearch} {
		s[o] = &opStats{codes: map[int]int64{}}
	}
	return s
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the indexer")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	participants := flag.Int("participants", 500, "size of the participant ID pool")
	deleteRatio := flag.Float64("delete-ratio", 0.1, "share of requests that are DELETEs")
	searchRatio := flag.Float64("search-ratio", 0.5, "share of requests that are searches")
	certFile := flag.String("cert", "", "client certificate (PEM)")
	keyFile := flag.String("key", "", "client key (PEM)")
	insecure := flag.Bool("insecure", false, "skip server certificate verification")
	flag.Parse()

	transport := &http.Transport{
		MaxIdleConns:        *concurrency * 2,
		MaxIdleConnsPerHost: *concurrency * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: *insecure},
	}
	if *certFile != "" {
		pair, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading client certificate: %v\n", err)
			os.Exit(1)
		}
		transport.TLSClientConfig.Certificates = []tls.Certificate{pair}
	}

	cfg := Config{
		BaseURL:      strings.TrimRight(*baseURL, "/"),
		Concurrency:  *concurrency,
		Duration:     *duration,
		Participants: max(*participants, 1),
		DeleteRatio:  *deleteRatio,
		SearchRatio:  *searchRatio,
		Client:       &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}

	fmt.Println("=== Directory Indexer Load Test ===")
	fmt.Printf("Target:       %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency:  %d\n", cfg.Concurrency)
	fmt.Printf("Duration:     %s\n", cfg.Duration)
	fmt.Printf("Participants: %d\n", cfg.Participants)
	fmt.Printf("Mix:          %.0f%% search, %.0f%% delete, rest put\n", cfg.SearchRatio*100, cfg.DeleteRatio*100)
	fmt.Println()

	stats := run(cfg)
	if !printReport(stats, cfg.Duration) {
		fmt.Println("WARNING: No requests completed. Is the indexer running?")
		os.Exit(1)
	}
}

func participant(n int) string {
	return fmt.Sprintf("iso6523-actorid-upis::9915:load%05d", n)
}

func pick(cfg Config, r *rand.Rand) op {
	x := r.Float64()
	switch {
	case x < cfg.SearchRatio:
		return opSearch
	case x < cfg.SearchRatio+cfg.DeleteRatio:
		return opDelete
	default:
		return opPut
	}
}

func request(ctx context.Context, cfg Config, o op, pid string) (*http.Request, error) {
	switch o {
	case opPut:
		return http.NewRequestWithContext(ctx, http.MethodPut, cfg.BaseURL+"/1.0", strings.NewReader(pid))
	case opDelete:
		return http.NewRequestWithContext(ctx, http.MethodDelete, cfg.BaseURL+"/1.0/"+url.PathEscape(pid), nil)
	default:
		q := pid[strings.LastIndexByte(pid, ':')+1:]
		return http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/1.0/search?limit=10&q="+url.QueryEscape(q), nil)
	}
}

func run(cfg Config) Stats {
	stats := newStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed*7919))
			for ctx.Err() == nil {
				o := pick(cfg, r)
				req, err := request(ctx, cfg, o, participant(r.IntN(cfg.Participants)))
				if err != nil {
					panic(fmt.Sprintf("creating request: %v", err))
				}
				start := time.Now()
				resp, err := cfg.Client.Do(req)
				elapsed := time.Since(start)
				if err != nil {
					if ctx.Err() == nil {
						stats[o].record(elapsed, 0, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				stats[o].record(elapsed, resp.StatusCode, nil)
			}
		}(uint64(w) + 1)
	}

	fmt.Print("Running")
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

func printReport(stats Stats, duration time.Duration) bool {
	var total int64
	for _, o := range []op{opPut, opDelete, opSearch} {
		s := stats[o]
		n := s.count.Load()
		total += n
		fmt.Printf("=== %s ===\n", o)
		fmt.Printf("Requests:  %d (%.2f/s)\n", n, float64(n)/duration.Seconds())
		fmt.Printf("Failed:    %d\n", s.failed.Load())

		s.mu.Lock()
		latencies := slices.Clone(s.latencies)
		codes := make([]int, 0, len(s.codes))
		for c := range s.codes {
			codes = append(codes, c)
		}
		slices.Sort(codes)
		for _, c := range codes {
			fmt.Printf("  %d: %d\n", c, s.codes[c])
		}
		s.mu.Unlock()

		if len(latencies) > 0 {
			slices.Sort(latencies)
			fmt.Printf("P50: %s  P95: %s  P99: %s  Max: %s\n",
				percentile(latencies, 50), percentile(latencies, 95),
				percentile(latencies, 99), latencies[len(latencies)-1])
		}
		fmt.Println()
	}
	return total > 0
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
