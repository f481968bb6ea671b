// Package samples defines the dated observations that flow between Deforma's
// extraction adapters and its curve-fitting engine.
//
// A Set is the uniform currency of the system: every adapter, whether it reads
// a raster mosaic, a GeoJSON file or a remote API, produces a Set, and every
// model consumes one. Values are deformation measurements (typically mm) and
// dates are calendar days in UTC.
package samples

import (
	"math"
	"sort"
	"time"
)

// Sample is a single (date, value) observation for one epoch.
type Sample struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Set is an ordered-by-date sequence of samples.
type Set []Sample

// New pairs dates with values. Pairs whose value is NaN are dropped and the
// result is sorted chronologically. Extra entries in the longer slice are ignored.
func New(dates []time.Time, values []float64) Set {
	n := min(len(dates), len(values))
	out := make(Set, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		out = append(out, Sample{Date: Day(dates[i]), Value: values[i]})
	}
	out.Sort()
	return out
}

// Sort orders the set by date. Samples sharing a date keep their relative order.
func (s Set) Sort() {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Date.Before(s[j].Date)
	})
}

// Dates returns the sample dates.
func (s Set) Dates() []time.Time {
	out := make([]time.Time, len(s))
	for i, v := range s {
		out[i] = v.Date
	}
	return out
}

// Values returns the sample values.
func (s Set) Values() []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = v.Value
	}
	return out
}

// Finite returns the number of samples with a finite value.
func (s Set) Finite() int {
	n := 0
	for _, v := range s {
		if !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0) {
			n++
		}
	}
	return n
}

// Compact returns the samples with a finite value, in order.
func (s Set) Compact() Set {
	out := make(Set, 0, len(s))
	for _, v := range s {
		if !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0) {
			out = append(out, v)
		}
	}
	return out
}

// Span returns the earliest and latest dates in the set.
// ok is false for an empty set.
func (s Set) Span() (first, last time.Time, ok bool) {
	if len(s) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last = s[0].Date, s[0].Date
	for _, v := range s[1:] {
		if v.Date.Before(first) {
			first = v.Date
		}
		if v.Date.After(last) {
			last = v.Date
		}
	}
	return first, last, true
}

// Subtract removes a reference series from s, matching samples by calendar day.
// Samples with no reference on the same day are dropped, as are reference-only
// dates. A nil or empty reference returns a copy of s unchanged.
func Subtract(s, reference Set) Set {
	if len(reference) == 0 {
		out := make(Set, len(s))
		copy(out, s)
		return out
	}

	ref := make(map[time.Time]float64, len(reference))
	for _, r := range reference {
		ref[Day(r.Date)] = r.Value
	}

	out := make(Set, 0, len(s))
	for _, v := range s {
		r, ok := ref[Day(v.Date)]
		if !ok {
			continue
		}
		out = append(out, Sample{Date: v.Date, Value: v.Value - r})
	}
	return out
}
