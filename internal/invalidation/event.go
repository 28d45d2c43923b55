// Package invalidation defines the upstream-correction event contract.
// Producers emit one event per (ticker, feature) range whose source data
// was restated; consumers drop the affected cache entries so the next
// read recomputes.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

type Event struct {
	Version int       `json:"version"`
	Ticker  string    `json:"ticker"`
	Feature string    `json:"feature"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	TS      time.Time `json:"ts"`
	// Seq is monotonically increasing per (ticker, feature). Replayed or
	// reordered events with a stale Seq are skipped.
	Seq    uint64 `json:"seq,omitempty"`
	Source string `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if strings.TrimSpace(e.Ticker) == "" {
		return fmt.Errorf("ticker is required")
	}
	if strings.TrimSpace(e.Feature) == "" {
		return fmt.Errorf("feature is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.From.IsZero() || e.To.IsZero() {
		return fmt.Errorf("from and to are required")
	}
	if e.To.Before(e.From) {
		return fmt.Errorf("to must not precede from")
	}
	return nil
}

// DedupeKey groups events that share a Seq sequence.
func (e Event) DedupeKey() string {
	return strings.ToUpper(strings.TrimSpace(e.Ticker)) + "|" + strings.TrimSpace(e.Feature)
}
