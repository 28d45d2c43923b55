package rawdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
)

// HTTPProvider fetches bars from an OHLCV endpoint:
// GET {base}?ticker=AAPL&start=...&end=... -> JSON array of bars.
type HTTPProvider struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

func NewHTTPProvider(rawURL string, client *http.Client, timeout time.Duration) (*HTTPProvider, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{base: u, http: client, timeout: timeout}, nil
}

func (p *HTTPProvider) FetchBars(ctx context.Context, ticker string, start, end time.Time) (model.Bars, error) {
	u := *p.base
	q := u.Query()
	q.Set("ticker", ticker)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	ctxReq, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxReq, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	startAt := time.Now()
	resp, err := p.http.Do(req)
	observability.ObserveUpstreamLatency("bars_provider", time.Since(startAt).Seconds())
	if err != nil {
		return nil, fmt.Errorf("provider %s: %v: %w", ticker, err, model.ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("provider %s: %w", ticker, model.ErrUnknownTicker)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider %s status=%d body=%q: %w",
			ticker, resp.StatusCode, strings.TrimSpace(string(b)), model.ErrUpstream)
	}

	var bars model.Bars
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		return nil, fmt.Errorf("provider %s decode: %v: %w", ticker, err, model.ErrUpstream)
	}
	return bars, nil
}
