// Load generator for the feature store. Fires concurrent /v1/features
// reads over a ticker universe and can optionally produce invalidation
// events to Kafka to exercise the consumer path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantpine/featurestore/internal/invalidation"
)

var tickers = []string{
	"AAPL", "MSFT", "GOOG", "AMZN", "NVDA", "META", "TSLA", "BRK.B",
	"JPM", "V", "UNH", "XOM", "JNJ", "WMT", "PG", "MA",
}

var features = []string{
	"ret_5d", "ret_20d", "ret_60d", "sma_20d", "vol_20d", "rsi_14d", "high_52w", "gap_open",
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type stats struct {
	requests atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) record(d time.Duration, err error) {
	s.requests.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return fmt.Sprintf("requests=%d errors=%d (no successes)", s.requests.Load(), s.errors.Load())
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	pct := func(p float64) time.Duration {
		i := int(p * float64(len(s.latencies)-1))
		return s.latencies[i]
	}
	return fmt.Sprintf("requests=%d errors=%d p50=%v p95=%v p99=%v",
		s.requests.Load(), s.errors.Load(), pct(0.50), pct(0.95), pct(0.99))
}

func main() {
	base := flag.String("base", getenv("TARGET_URL", "http://localhost:8090"), "feature store base URL")
	workers := flag.Int("workers", 16, "concurrent request workers")
	duration := flag.Duration("duration", 30*time.Second, "run duration")
	batch := flag.Int("batch", 3, "tickers per request")
	invalidateEvery := flag.Duration("invalidate-every", 0, "produce a Kafka invalidation at this interval (0 = off)")
	brokers := flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers for invalidation events")
	topic := flag.String("topic", getenv("KAFKA_TOPIC", "feature-invalidation"), "invalidation topic")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	st := &stats{}

	var wg sync.WaitGroup
	for w := range *workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			for ctx.Err() == nil {
				start := time.Now()
				err := fireRead(ctx, client, *base, rng, *batch)
				st.record(time.Since(start), err)
			}
		}()
	}

	if *invalidateEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := produceInvalidations(ctx, strings.Split(*brokers, ","), *topic, *invalidateEvery); err != nil {
				fmt.Fprintln(os.Stderr, "invalidation producer:", err)
			}
		}()
	}

	wg.Wait()
	fmt.Println(st.summary())
}

func fireRead(ctx context.Context, client *http.Client, base string, rng *rand.Rand, batch int) error {
	picked := make([]string, 0, batch)
	for range batch {
		picked = append(picked, tickers[rng.Intn(len(tickers))])
	}
	feat := features[rng.Intn(len(features))]

	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/features")
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("tickers", strings.Join(picked, ","))
	q.Set("features", feat)
	q.Set("partial", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func produceInvalidations(ctx context.Context, brokers []string, topic string, every time.Duration) error {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(every)
	defer t.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			seq++
			now := time.Now().UTC()
			ev := invalidation.Event{
				Version: 1,
				Ticker:  tickers[rng.Intn(len(tickers))],
				Feature: features[rng.Intn(len(features))],
				From:    now.AddDate(0, 0, -5),
				To:      now,
				TS:      now,
				Seq:     seq,
				Source:  "loadgen",
			}
			b, _ := json.Marshal(ev)
			if _, _, err := prod.SendMessage(&sarama.ProducerMessage{
				Topic: topic, Value: sarama.ByteEncoder(b),
			}); err != nil {
				fmt.Fprintln(os.Stderr, "send invalidation:", err)
				continue
			}
			fmt.Println("produced invalidation", ev.Ticker, ev.Feature, "seq", seq)
		}
	}
}
