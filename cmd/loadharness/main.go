package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"timedrive/logging"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// loadharness replays synthetic data requests against a running gateway to
// provide a repeatable load for profiling. Each simulated user carries its
// own Basic credential so the gateway keeps one session per user.
func main() {
	var (
		gateway   = pflag.StringP("gateway", "g", "localhost:4000", "gateway host:port")
		rate      = pflag.Int("rate", 200, "requests per second to generate")
		runFor    = pflag.Duration("duration", time.Minute, "how long to run the load")
		users     = pflag.Int("users", 20, "distinct session identities")
		channel   = pflag.String("channel", "/RBNB/Src/chan0.jpg", "data channel path to request")
		workers   = pflag.Int("workers", 32, "concurrent request workers")
		mungeFrac = pflag.Float64("munge-fraction", 0.25, "share of requests that embed their own munge")
	)
	pflag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", Timestamp: true, Output: os.Stderr})
	log := logging.Component("loadharness")

	if *rate <= 0 || *runFor <= 0 || *users <= 0 || *workers <= 0 {
		log.Fatal().Int("rate", *rate).Dur("duration", *runFor).Int("users", *users).Int("workers", *workers).Msg("rate, duration, users and workers must be >0")
	}
	log.Info().Str("gateway", *gateway).Int("rate", *rate).Dur("duration", *runFor).Int("users", *users).Msg("Starting load")

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	client := &http.Client{
		Timeout: 5 * time.Second,
		// Redirects point at the data server, which is not part of the test.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	var res results
	jobs := make(chan string, *workers*2)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range jobs {
				res.record(send(client, *gateway, user, *channel, *mungeFrac))
			}
		}()
	}
	generate(ctx, jobs, *rate, *users, &res.dropped)
	close(jobs)
	wg.Wait()

	log.Info().Msg("Load complete")
	for _, line := range res.lines(*runFor) {
		log.Info().Msg(line)
	}
}

type outcome struct {
	status  int
	err     error
	elapsed time.Duration
}

type results struct {
	sent       atomic.Uint64
	redirects  atomic.Uint64
	ok         atomic.Uint64
	challenged atomic.Uint64
	other      atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	totalNanos atomic.Int64
}

func (r *results) record(o outcome) {
	r.sent.Add(1)
	r.totalNanos.Add(int64(o.elapsed))
	switch {
	case o.err != nil:
		r.failed.Add(1)
	case o.status == http.StatusSeeOther:
		r.redirects.Add(1)
	case o.status == http.StatusOK:
		r.ok.Add(1)
	case o.status == http.StatusUnauthorized:
		r.challenged.Add(1)
	default:
		r.other.Add(1)
	}
}

func (r *results) lines(runFor time.Duration) []string {
	sent := r.sent.Load()
	avg := time.Duration(0)
	if sent > 0 {
		avg = time.Duration(r.totalNanos.Load() / int64(sent))
	}
	return []string{
		fmt.Sprintf("sent=%s redirect=%s ok=%s unauthorized=%s other=%s failed=%s dropped=%s",
			humanize.Comma(int64(sent)), humanize.Comma(int64(r.redirects.Load())), humanize.Comma(int64(r.ok.Load())),
			humanize.Comma(int64(r.challenged.Load())), humanize.Comma(int64(r.other.Load())),
			humanize.Comma(int64(r.failed.Load())), humanize.Comma(int64(r.dropped.Load()))),
		fmt.Sprintf("throughput=%.1f req/s avg_latency=%s over %s", float64(sent)/runFor.Seconds(), avg, runFor),
	}
}

func generate(ctx context.Context, jobs chan<- string, rate, users int, dropped *atomic.Uint64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < rate; i++ {
				user := fmt.Sprintf("user%03d", seq%users)
				seq++
				select {
				case jobs <- user:
				default:
					dropped.Add(1)
				}
			}
		}
	}
}

// send issues one data request. Some requests embed a munge of their own,
// which the gateway merges with the session's.
func send(client *http.Client, gateway, user, channel string, mungeFrac float64) outcome {
	path := channel
	if rand.Float64() < mungeFrac {
		path += fmt.Sprintf("?d=%d", 1+rand.Intn(120))
	}
	req, err := http.NewRequest(http.MethodGet, "http://"+gateway+path, nil)
	if err != nil {
		return outcome{err: err}
	}
	req.SetBasicAuth(user, "")
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return outcome{err: err, elapsed: time.Since(start)}
	}
	resp.Body.Close()
	return outcome{status: resp.StatusCode, elapsed: time.Since(start)}
}
