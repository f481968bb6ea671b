// Package models fits deformation models to dated samples.
//
// Base models are evaluated on a normalized time axis: sample dates become
// ordinal day numbers, then are rescaled to [0, 1] using the span of the
// finite samples. This keeps the exponential model's argument bounded
// whatever the calendar epoch. The optional seasonal term is fitted on the
// raw ordinal axis so that its period stays one year.
//
// Supported base models:
//
//	poly-1   a + b·t
//	poly-2   a + b·t + c·t²
//	poly-3   a + b·t + c·t² + d·t³
//	exp      a + b·e^(c·t)
//
// The exponential model is fitted with Levenberg–Marquardt. When it does not
// converge the fit is redone with poly-1, and the result reports both the
// requested and the effective model. This is never an error.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/HatiCode/deforma/pkg/samples"
)

var (
	// ErrInsufficientSamples reports fewer distinct finite dates than the
	// model has parameters: Fit needs at least Kind.Params() (2 for poly-1, 3
	// for poly-2 and exp, 4 for poly-3) and FitVelocity at least 2.
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrUnknownModel reports an unrecognised model key.
	ErrUnknownModel = errors.New("unknown model")
)

// Kind identifies a base model.
type Kind string

const (
	Poly1 Kind = "poly-1"
	Poly2 Kind = "poly-2"
	Poly3 Kind = "poly-3"
	Exp   Kind = "exp"
)

// Kinds lists every supported base model.
var Kinds = []Kind{Poly1, Poly2, Poly3, Exp}

// ParseKind parses a model key such as "poly-2" or "exp".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

// Params is the number of free parameters of the model.
func (k Kind) Params() int {
	switch k {
	case Poly1:
		return 2
	case Poly2:
		return 3
	case Poly3:
		return 4
	case Exp:
		return 3
	}
	return 0
}

// String returns the model key.
func (k Kind) String() string { return string(k) }

// CurvePoint is one point of the dense model curve.
type CurvePoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// SeasonalTerm is the annual sinusoid A·sin(ωt) + B·cos(ωt), ω = 2π/365.25,
// with t the ordinal day. Amplitude and Phase describe the same wave as
// Amplitude·sin(ωt + Phase).
type SeasonalTerm struct {
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
}

// FitResult is the outcome of one fit. It is not shared and not mutated
// after Fit returns.
type FitResult struct {
	// Requested is the model the caller asked for; Kind is the one applied.
	Requested Kind `json:"requested"`
	Kind      Kind `json:"kind"`
	FellBack  bool `json:"fell_back"`

	// Params are the base model coefficients on the normalized axis, in the
	// order of the model formula.
	Params   []float64     `json:"params"`
	Seasonal *SeasonalTerm `json:"seasonal,omitempty"`

	// Fitted and Residuals are aligned with the input samples. Both are NaN
	// where the input value was not finite.
	Fitted    []float64 `json:"fitted"`
	Residuals []float64 `json:"residuals"`
	RMSE      float64   `json:"rmse"`

	Curve []CurvePoint `json:"curve"`

	// Origin and SpanDays define the normalization t = (ordinal-Origin)/SpanDays.
	Origin   float64 `json:"origin"`
	SpanDays float64 `json:"span_days"`

	// Evaluations counts objective evaluations spent by the exp solver.
	Evaluations int `json:"evaluations,omitempty"`
}

// LinearRate returns the poly-1 slope in value units per day. ok is false
// for any other effective model.
func (r *FitResult) LinearRate() (rate float64, ok bool) {
	if r.Kind != Poly1 || len(r.Params) < 2 || r.SpanDays == 0 {
		return 0, false
	}
	return r.Params[1] / r.SpanDays, true
}

// Fitter carries the solver tunables. The zero value is not usable; start
// from DefaultFitter.
type Fitter struct {
	// MaxEvaluations bounds objective evaluations in the exp solver.
	MaxEvaluations int
	// CurvePoints is the length of FitResult.Curve.
	CurvePoints int
	// MaxRate bounds |c| of the exp model on the normalized axis. Larger
	// rates are treated as divergence.
	MaxRate float64
}

// DefaultFitter is used by Fit.
var DefaultFitter = Fitter{
	MaxEvaluations: 2000,
	CurvePoints:    100,
	MaxRate:        100,
}

// Fit fits kind to set with DefaultFitter.
func Fit(set samples.Set, kind Kind, seasonal bool) (*FitResult, error) {
	return DefaultFitter.Fit(set, kind, seasonal)
}

// axis holds the time axis of one fit.
type axis struct {
	ordinals []float64 // all samples
	finite   []bool

	// finite subset
	x, y []float64

	lo, span float64
}

func newAxis(set samples.Set) axis {
	n := set.Finite()
	a := axis{
		ordinals: set.Ordinals(),
		finite:   make([]bool, len(set)),
		x:        make([]float64, 0, n),
		y:        make([]float64, 0, n),
	}
	for i, s := range set {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		a.finite[i] = true
		a.x = append(a.x, a.ordinals[i])
		a.y = append(a.y, s.Value)
	}
	if first, last, ok := set.Compact().Span(); ok {
		a.lo = float64(samples.Ordinal(first))
		a.span = float64(samples.Ordinal(last)) - a.lo
	}
	return a
}

func (a axis) norm(ordinal float64) float64 { return (ordinal - a.lo) / a.span }

func (a axis) normalized() []float64 {
	out := make([]float64, len(a.x))
	for i, v := range a.x {
		out[i] = a.norm(v)
	}
	return out
}

// distinct counts distinct finite ordinals.
func (a axis) distinct() int {
	seen := make(map[float64]struct{}, len(a.x))
	for _, v := range a.x {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Fit fits kind to set, optionally adding a seasonal term fitted to the base
// model residuals.
func (f Fitter) Fit(set samples.Set, kind Kind, seasonal bool) (*FitResult, error) {
	if kind.Params() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, kind)
	}

	ax := newAxis(set)
	if n := ax.distinct(); n < kind.Params() {
		return nil, fmt.Errorf("%w: %s needs %d distinct finite samples, have %d",
			ErrInsufficientSamples, kind, kind.Params(), n)
	}

	res := &FitResult{
		Requested: kind,
		Kind:      kind,
		Origin:    ax.lo,
		SpanDays:  ax.span,
	}

	t := ax.normalized()
	var (
		base func(t float64) float64
		err  error
	)
	switch kind {
	case Exp:
		fit := f.fitExp(t, ax.y)
		res.Evaluations = fit.evaluations
		if fit.converged {
			res.Params = fit.params
			base = func(t float64) float64 { return expEval(fit.params, t) }
			break
		}
		res.Kind, res.FellBack = Poly1, true
		fallthrough
	default:
		res.Params, err = fitPoly(t, ax.y, res.Kind.Params()-1)
		if err != nil {
			return nil, fmt.Errorf("fit %s: %w", res.Kind, err)
		}
		params := res.Params
		base = func(t float64) float64 { return polyEval(params, t) }
	}

	if seasonal {
		residuals := make([]float64, len(ax.x))
		for i := range ax.x {
			residuals[i] = ax.y[i] - base(t[i])
		}
		term, err := fitSeasonal(ax.x, residuals)
		if err != nil {
			return nil, fmt.Errorf("seasonal: %w", err)
		}
		res.Seasonal = term
	}

	model := func(ordinal float64) float64 {
		v := base(ax.norm(ordinal))
		if res.Seasonal != nil {
			v += res.Seasonal.eval(ordinal)
		}
		return v
	}

	res.Fitted = make([]float64, len(set))
	res.Residuals = make([]float64, len(set))
	var sq float64
	for i, s := range set {
		if !ax.finite[i] {
			res.Fitted[i], res.Residuals[i] = math.NaN(), math.NaN()
			continue
		}
		res.Fitted[i] = model(ax.ordinals[i])
		res.Residuals[i] = s.Value - res.Fitted[i]
		sq += res.Residuals[i] * res.Residuals[i]
	}
	res.RMSE = math.Sqrt(sq / float64(len(ax.x)))

	res.Curve = f.curve(ax.ordinals, model)
	return res, nil
}

// curve samples model at evenly spaced ordinals over the span of all inputs.
func (f Fitter) curve(ordinals []float64, model func(float64) float64) []CurvePoint {
	n := f.CurvePoints
	if n < 2 {
		n = 2
	}
	lo, hi := ordinals[0], ordinals[0]
	for _, v := range ordinals[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}

	out := make([]CurvePoint, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		x := lo + float64(i)*step
		if i == n-1 {
			x = hi
		}
		out[i] = CurvePoint{
			Date:  samples.FromOrdinal(int(math.Floor(x))),
			Value: model(x),
		}
	}
	return out
}
