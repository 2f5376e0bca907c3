// Package numeric provides the cents-safe rounding and defensive number
// coercion shared by every computation package.
package numeric

import (
	"math"

	"github.com/shopspring/decimal"
)

// Finite reports whether x is neither NaN nor infinite.
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Num dereferences v, returning 0 for nil or non-finite values.
func Num(v *float64) float64 {
	if v == nil || !Finite(*v) {
		return 0
	}
	return *v
}

// NumOr dereferences v, returning def for nil or non-finite values.
func NumOr(v *float64, def float64) float64 {
	if v == nil || !Finite(*v) {
		return def
	}
	return *v
}

// Opt returns v unchanged when it holds a finite number, nil otherwise.
func Opt(v *float64) *float64 {
	if v == nil || !Finite(*v) {
		return nil
	}
	out := *v
	return &out
}

// Ptr returns a pointer to x, or nil when x is not finite.
func Ptr(x float64) *float64 {
	if !Finite(x) {
		return nil
	}
	return &x
}

// Positive returns v when it is finite and > 0, nil otherwise.
func Positive(v *float64) *float64 {
	if v == nil || !Finite(*v) || *v <= 0 {
		return nil
	}
	out := *v
	return &out
}

// RoundCents rounds x to two decimal places, half away from zero.
// Non-finite input yields 0.
func RoundCents(x float64) float64 {
	return roundPlaces(x, 2)
}

// RoundWhole rounds x to whole units, half away from zero.
// Non-finite input yields 0.
func RoundWhole(x float64) float64 {
	return roundPlaces(x, 0)
}

// RoundCentsPtr applies RoundCents through a pointer, preserving nil.
func RoundCentsPtr(v *float64) *float64 {
	if v == nil || !Finite(*v) {
		return nil
	}
	out := RoundCents(*v)
	return &out
}

func roundPlaces(x float64, places int32) float64 {
	if !Finite(x) {
		return 0
	}
	return decimal.NewFromFloat(x).Round(places).InexactFloat64()
}

// MaxOf returns the largest finite value among vals. ok is false when no
// value is available.
func MaxOf(vals ...*float64) (best float64, ok bool) {
	for _, v := range vals {
		if v == nil || !Finite(*v) {
			continue
		}
		if !ok || *v > best {
			best = *v
			ok = true
		}
	}
	return best, ok
}

// Clamp limits x to [lo, hi]. Non-finite x yields lo.
func Clamp(x, lo, hi float64) float64 {
	if !Finite(x) {
		return lo
	}
	return math.Min(math.Max(x, lo), hi)
}
