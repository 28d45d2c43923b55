// Package keys defines the stable textual L1 key encoding. The format is
// part of the external interface; cross-process clients rely on it.
package keys

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/quantpine/featurestore/internal/core/model"
)

const (
	dayLayout    = "2006-01-02"
	minuteLayout = "2006-01-02T15:04"
)

// Key encodes a feature key as
// feature:{TICKER}:{feature_name}:{as_of}:{version}. The as_of segment is
// the day form for daily and static features, the minute form for
// intraday. AsOf is rendered in UTC so the same instant always yields the
// same key regardless of the caller's zone.
func Key(k model.FeatureKey, class model.TTLClass) string {
	ticker := sanitize(model.NormalizeTicker(k.Ticker))
	name := sanitize(strings.TrimSpace(k.Feature))

	layout := dayLayout
	if class == model.TTLIntraday {
		layout = minuteLayout
	}
	return fmt.Sprintf("feature:%s:%s:%s:%d", ticker, name, k.AsOf.UTC().Format(layout), k.Version)
}

// NormalizeAsOf truncates as_of to the feature's cache granularity: the
// day boundary for daily and static features, the minute for intraday.
// Requests differing only below that granularity hit the same entry.
func NormalizeAsOf(t time.Time, class model.TTLClass) time.Time {
	u := t.UTC()
	if class == model.TTLIntraday {
		return u.Truncate(time.Minute)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// replaces anything outside [A-Za-z0-9_.-] so key segments never collide
// with the ':' separator.
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
