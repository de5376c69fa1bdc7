// Package main provides a load generator that simulates browsing sessions
// beaconing page views, events and scroll depth to a SitePulse collector.
//
// Usage:
//
//	sitepulse-bench --server http://localhost:8080 --sessions 32 --duration 30s
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/25.0 Chrome/121.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (X11; Linux x86_64; rv:131.0) Gecko/20100101 Firefox/131.0",
}

var screens = []string{"1920x1080", "1440x900", "390x844", "412x915", "820x1180"}

func main() {
	server := flag.String("server", "http://localhost:8080", "Collector API base URL")
	sessions := flag.Int("sessions", 32, "Number of concurrent browsing sessions")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	pagesFlag := flag.String("pages", "/,/products,/products/widget,/blog,/blog/launch,/about,/contact", "Comma-separated page paths")
	pagesPerSession := flag.Int("pages-per-session", 5, "Page views before a session ends and a new one starts")
	think := flag.Duration("think", 50*time.Millisecond, "Pause between beacons within a session")
	flag.Parse()

	pages := strings.Split(*pagesFlag, ",")
	endpoint := strings.TrimRight(*server, "/") + "/api/v1/collect"

	fmt.Printf("SitePulse Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Endpoint:   %s\n", endpoint)
	fmt.Printf("Sessions:   %d\n", *sessions)
	fmt.Printf("Duration:   %s\n", *duration)
	fmt.Printf("Pages:      %d\n", len(pages))
	fmt.Printf("-----------------------------------\n\n")

	var totalBeacons atomic.Int64
	var totalSessions atomic.Int64
	var totalErrors atomic.Int64

	var latMu sync.Mutex
	var latencies []int64

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(workerID), uint64(start.UnixNano())))
			var localLats []int64

			for time.Since(start) < *duration {
				b := newBrowser(rng, endpoint)
				totalSessions.Add(1)
				referrer := "https://www.google.com/"

				for p := 0; p < *pagesPerSession && time.Since(start) < *duration; p++ {
					path := pages[rng.IntN(len(pages))]
					batch := []beacon{{Type: "pageview", Path: path, Referrer: referrer}}
					if rng.IntN(3) == 0 {
						batch = append(batch, beacon{Type: "event", Path: path, Name: "cta_click",
							Params: map[string]any{"event_category": "engagement", "position": rng.IntN(4)}})
					}
					batch = append(batch, beacon{Type: "scroll", Path: path, Percent: 25 * (1 + rng.IntN(4))})

					for _, bc := range batch {
						lat, err := b.send(bc)
						if err != nil {
							totalErrors.Add(1)
							continue
						}
						totalBeacons.Add(1)
						localLats = append(localLats, lat.Nanoseconds())
					}
					referrer = ""
					time.Sleep(*think)
				}
			}

			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	beacons := totalBeacons.Load()
	errs := totalErrors.Load()
	rate := float64(beacons) / elapsed.Seconds()

	var avgLatMs, p50LatMs, p95LatMs, p99LatMs float64
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		var sum int64
		for _, l := range latencies {
			sum += l
		}
		avgLatMs = float64(sum) / float64(len(latencies)) / 1e6
		p50LatMs = float64(percentile(latencies, 50)) / 1e6
		p95LatMs = float64(percentile(latencies, 95)) / 1e6
		p99LatMs = float64(percentile(latencies, 99)) / 1e6
	}

	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Sessions:    %d\n", totalSessions.Load())
	fmt.Printf("Beacons:     %d\n", beacons)
	fmt.Printf("Rate:        %.0f beacons/s\n", rate)
	fmt.Printf("Errors:      %d\n", errs)
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Latency:\n")
	fmt.Printf("  Average:   %.2f ms\n", avgLatMs)
	fmt.Printf("  P50:       %.2f ms\n", p50LatMs)
	fmt.Printf("  P95:       %.2f ms\n", p95LatMs)
	fmt.Printf("  P99:       %.2f ms\n", p99LatMs)
	fmt.Printf("-----------------------------------\n")

	if errs > 0 && beacons == 0 {
		os.Exit(1)
	}
}

type beacon struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Referrer string         `json:"referrer,omitempty"`
	Name     string         `json:"name,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Percent  int            `json:"percent,omitempty"`
	Screen   string         `json:"screen,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
}

// browser is one simulated browsing session: its own cookie jar, user agent
// and screen.
type browser struct {
	client   *http.Client
	endpoint string
	ua       string
	screen   string
}

func newBrowser(rng *rand.Rand, endpoint string) *browser {
	jar, _ := cookiejar.New(nil)
	return &browser{
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
		endpoint: endpoint,
		ua:       userAgents[rng.IntN(len(userAgents))],
		screen:   screens[rng.IntN(len(screens))],
	}
}

func (b *browser) send(bc beacon) (time.Duration, error) {
	bc.Screen = b.screen
	bc.Timezone = "UTC"
	body, err := json.Marshal(bc)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", b.ua)

	opStart := time.Now()
	resp, err := b.client.Do(req)
	lat := time.Since(opStart)
	if err != nil {
		return lat, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return lat, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return lat, nil
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
