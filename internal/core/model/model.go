// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TTLClass buckets features by refresh cadence.
type TTLClass string

const (
	TTLIntraday TTLClass = "intraday"
	TTLDaily    TTLClass = "daily"
	TTLStatic   TTLClass = "static"
)

// SourceTier records which layer served a value.
type SourceTier string

const (
	TierL1       SourceTier = "l1"
	TierL2       SourceTier = "l2"
	TierComputed SourceTier = "computed"
	TierAbsent   SourceTier = "absent"
)

// FeatureKey identifies a cached value. AsOf must already be normalized
// per the feature's TTL class (see keys.NormalizeAsOf); two keys that
// differ only in sub-normalization precision are the same entry.
type FeatureKey struct {
	Ticker  string
	Feature string
	AsOf    time.Time
	Version int
}

func (k FeatureKey) String() string {
	return fmt.Sprintf("%s/%s@%s v%d", k.Ticker, k.Feature, k.AsOf.Format(time.RFC3339), k.Version)
}

// FeatureValue is a cached scalar. Absent is a legitimate result state,
// distinct from 0.0 and from an error.
type FeatureValue struct {
	Value        float64        `json:"value"`
	Absent       bool           `json:"absent,omitempty"`
	CalculatedAt time.Time      `json:"calculated_at"`
	Source       SourceTier     `json:"source,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Bar is one OHLCV observation.
type Bar struct {
	TS     time.Time `json:"t"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Bars []Bar

// NormalizeTicker uppercases and trims a symbol.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Error taxonomy. Callers match with errors.Is.
var (
	ErrUnknownFeature    = errors.New("unknown feature")
	ErrAlreadyRegistered = errors.New("feature already registered")
	ErrUnknownTicker     = errors.New("unknown ticker")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrUpstream          = errors.New("upstream failure")
	ErrDeadline          = errors.New("deadline exceeded")
	ErrOverloaded        = errors.New("overloaded")
	ErrTierUnavailable   = errors.New("tier unavailable")
)
