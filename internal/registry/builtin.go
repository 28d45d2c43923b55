package registry

import (
	"fmt"
	"math"

	"github.com/quantpine/featurestore/internal/core/model"
)

// Builtin returns a frozen registry seeded with the stock feature table.
func Builtin() (*Registry, error) {
	r := New()
	table := []Definition{
		{Name: "ret_5d", Version: 1, Class: model.TTLDaily, WindowDays: 6,
			Compute: trailingReturn(5), RawFields: []string{"close"},
			CostUSD: 0.0001, Description: "5-day trailing close-to-close return"},
		{Name: "ret_20d", Version: 1, Class: model.TTLDaily, WindowDays: 21,
			Compute: trailingReturn(20), RawFields: []string{"close"},
			CostUSD: 0.0001, Description: "20-day trailing close-to-close return"},
		{Name: "ret_60d", Version: 1, Class: model.TTLDaily, WindowDays: 61,
			Compute: trailingReturn(60), RawFields: []string{"close"},
			CostUSD: 0.0002, Description: "60-day trailing close-to-close return"},
		{Name: "sma_20d", Version: 1, Class: model.TTLDaily, WindowDays: 20,
			Compute: sma(20), RawFields: []string{"close"},
			CostUSD: 0.0001, Description: "20-day simple moving average of close"},
		{Name: "vol_20d", Version: 1, Class: model.TTLDaily, WindowDays: 21,
			Compute: realizedVol(20), RawFields: []string{"close"},
			CostUSD: 0.0002, Description: "20-day realized volatility of log returns, annualized"},
		{Name: "rsi_14d", Version: 1, Class: model.TTLDaily, WindowDays: 15,
			Compute: rsi(14), RawFields: []string{"close"},
			CostUSD: 0.0002, Description: "14-day relative strength index"},
		{Name: "high_52w", Version: 1, Class: model.TTLStatic, WindowDays: 252,
			Compute: rollingHigh(252), RawFields: []string{"high"},
			CostUSD: 0.0003, Description: "52-week rolling high"},
		{Name: "gap_open", Version: 1, Class: model.TTLIntraday, WindowDays: 2,
			Compute: gapOpen, RawFields: []string{"open", "close"},
			CostUSD: 0.0001, Description: "overnight gap: today's open vs prior close"},
	}
	for _, d := range table {
		if err := r.Register(d); err != nil {
			return nil, fmt.Errorf("builtin registry: %w", err)
		}
	}
	r.Freeze()
	return r, nil
}

func need(bars model.Bars, n int) error {
	if len(bars) < n {
		return fmt.Errorf("have %d bars, need %d: %w", len(bars), n, model.ErrInsufficientData)
	}
	return nil
}

// trailingReturn computes close[t]/close[t-n] - 1 over the last n+1 bars.
func trailingReturn(n int) ComputeFunc {
	return func(bars model.Bars) (Result, error) {
		if err := need(bars, n+1); err != nil {
			return Result{}, err
		}
		last := bars[len(bars)-1].Close
		base := bars[len(bars)-1-n].Close
		if base == 0 {
			return Result{Absent: true}, nil
		}
		return Result{Value: last/base - 1}, nil
	}
}

func sma(n int) ComputeFunc {
	return func(bars model.Bars) (Result, error) {
		if err := need(bars, n); err != nil {
			return Result{}, err
		}
		sum := 0.0
		for _, b := range bars[len(bars)-n:] {
			sum += b.Close
		}
		return Result{Value: sum / float64(n)}, nil
	}
}

// realizedVol is the stddev of the last n daily log returns, annualized
// with sqrt(252).
func realizedVol(n int) ComputeFunc {
	return func(bars model.Bars) (Result, error) {
		if err := need(bars, n+1); err != nil {
			return Result{}, err
		}
		window := bars[len(bars)-n-1:]
		rets := make([]float64, 0, n)
		for i := 1; i < len(window); i++ {
			prev, cur := window[i-1].Close, window[i].Close
			if prev <= 0 || cur <= 0 {
				return Result{Absent: true}, nil
			}
			rets = append(rets, math.Log(cur/prev))
		}
		mean := 0.0
		for _, r := range rets {
			mean += r
		}
		mean /= float64(len(rets))
		varsum := 0.0
		for _, r := range rets {
			varsum += (r - mean) * (r - mean)
		}
		if len(rets) < 2 {
			return Result{Absent: true}, nil
		}
		sd := math.Sqrt(varsum / float64(len(rets)-1))
		return Result{Value: sd * math.Sqrt(252)}, nil
	}
}

func rsi(n int) ComputeFunc {
	return func(bars model.Bars) (Result, error) {
		if err := need(bars, n+1); err != nil {
			return Result{}, err
		}
		window := bars[len(bars)-n-1:]
		var gain, loss float64
		for i := 1; i < len(window); i++ {
			d := window[i].Close - window[i-1].Close
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}
		if gain+loss == 0 {
			// flat series has no defined relative strength
			return Result{Absent: true}, nil
		}
		if loss == 0 {
			return Result{Value: 100}, nil
		}
		rs := (gain / float64(n)) / (loss / float64(n))
		return Result{Value: 100 - 100/(1+rs)}, nil
	}
}

func rollingHigh(n int) ComputeFunc {
	return func(bars model.Bars) (Result, error) {
		if err := need(bars, n); err != nil {
			return Result{}, err
		}
		high := math.Inf(-1)
		for _, b := range bars[len(bars)-n:] {
			if b.High > high {
				high = b.High
			}
		}
		return Result{Value: high}, nil
	}
}

func gapOpen(bars model.Bars) (Result, error) {
	if err := need(bars, 2); err != nil {
		return Result{}, err
	}
	prevClose := bars[len(bars)-2].Close
	open := bars[len(bars)-1].Open
	if prevClose == 0 {
		return Result{Absent: true}, nil
	}
	return Result{Value: (open - prevClose) / prevClose}, nil
}
