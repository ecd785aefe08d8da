// Command bench runs a synthetic create/read/rate-limit workload against
// the secret store and rate limiter, and exposes a Prometheus metrics
// endpoint and an optional pprof endpoint.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/7and1/volatile/idgen"
	pmet "github.com/7and1/volatile/metrics/prom"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/secret"
)

func main() {
	// ---- Flags ----
	var (
		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 70, "secret-read percentage of ops [0..100]; remainder is create")

		ipPoolSize = flag.Int("ips", 200, "number of distinct simulated client IPs")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	secretMetrics := pmet.NewSecrets(nil, "volatile", "bench_secrets", nil)
	rlMetrics := pmet.NewRateLimit(nil, "volatile", "bench_ratelimit", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build the store and limiter under test ----
	store := secret.NewStore(secret.WithMetrics(secretMetrics))
	limiter := ratelimit.New(
		ratelimit.WithMetrics(rlMetrics),
		ratelimit.WithConfig(ratelimit.Config{
			Window:          time.Minute,
			CreatePerWindow: 10_000,
			ReadPerWindow:   10_000,
			BanDuration:     ratelimit.DefaultBanDuration,
			AbuseMultiplier: ratelimit.DefaultAbuseMultiplier,
		}),
	)

	ips := make([]string, *ipPoolSize)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.%d.%d", i/256, i%256)
	}

	// ---- Shared pool of live secret ids, so reads have something to hit ----
	var liveMu sync.Mutex
	live := make([]string, 0, 4096)

	readPctVal := *readPct
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var creates, reads, readHits, readMisses, denied, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()
			localR := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				atomic.AddUint64(&total, 1)
				ip := ips[localR.Intn(len(ips))]

				if localR.Intn(100) < readPctVal {
					atomic.AddUint64(&reads, 1)
					liveMu.Lock()
					var target string
					if len(live) > 0 {
						idx := localR.Intn(len(live))
						target = live[idx]
						live[idx] = live[len(live)-1]
						live = live[:len(live)-1]
					}
					liveMu.Unlock()
					if target == "" {
						continue
					}
					d, err := limiter.Allow(ctx, "read", ip)
					if err != nil || !d.Allowed {
						atomic.AddUint64(&denied, 1)
						continue
					}
					if _, _, err := store.Read(target); err == nil {
						atomic.AddUint64(&readHits, 1)
					} else {
						atomic.AddUint64(&readMisses, 1)
					}
					continue
				}

				atomic.AddUint64(&creates, 1)
				d, err := limiter.Allow(ctx, "create", ip)
				if err != nil || !d.Allowed {
					atomic.AddUint64(&denied, 1)
					continue
				}
				id, err := idgen.New()
				if err != nil {
					continue
				}
				encrypted := randomB64(localR, 64)
				iv := randomB64(localR, secret.IVDecodedLen)
				if err := store.Create(id, encrypted, iv, secret.MinTTLMillis); err == nil {
					liveMu.Lock()
					live = append(live, id)
					liveMu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	fmt.Printf("workers=%d ips=%d dur=%v\n", workersN, *ipPoolSize, elapsed)
	fmt.Printf("ops=%d (%.0f ops/s)  creates=%d  reads=%d  denied=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&creates), atomic.LoadUint64(&reads), atomic.LoadUint64(&denied))
	fmt.Printf("read-hits=%d  read-misses=%d\n", atomic.LoadUint64(&readHits), atomic.LoadUint64(&readMisses))
}

// randomB64 returns a base64url-unpadded encoding of n random bytes.
func randomB64(r *rand.Rand, n int) string {
	buf := make([]byte, n)
	r.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
