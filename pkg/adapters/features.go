package adapters

import (
	"math"
	"sort"
	"time"

	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
)

// Feature is one point feature of a vector source with its dated attributes
// already decoded.
type Feature struct {
	ID       string
	Point    raster.Point
	Series   samples.Set
	Velocity *float64
}

// attributeSet accumulates a feature's attributes field by field.
type attributeSet struct {
	dates    []time.Time
	values   []float64
	velocity map[string]float64
}

// add records one attribute. ok must be false for null or non-numeric values.
func (a *attributeSet) add(name string, value float64, ok bool) {
	if !ok || math.IsNaN(value) {
		return
	}
	if d, isEpoch := samples.FieldDate(name); isEpoch {
		a.dates = append(a.dates, d)
		a.values = append(a.values, value)
		return
	}
	for _, v := range samples.VelocityFields {
		if name == v {
			if a.velocity == nil {
				a.velocity = map[string]float64{}
			}
			a.velocity[name] = value
		}
	}
}

func (a *attributeSet) feature(id string, p raster.Point) Feature {
	f := Feature{ID: id, Point: p, Series: samples.New(a.dates, a.values)}
	for _, name := range samples.VelocityFields {
		if v, ok := a.velocity[name]; ok {
			f.Velocity = &v
			break
		}
	}
	return f
}

// selectFeatures applies sel to a feature list and shapes the result.
func selectFeatures(features []Feature, sel Selector) (*Result, error) {
	switch sel.Mode {
	case "", ModePoint:
		f, ok := nearest(features, sel.Point, sel.SearchRadius)
		if !ok {
			return nil, ErrNoFeature
		}
		return &Result{
			Samples:      f.Series,
			FeatureCount: 1,
			FeatureID:    f.ID,
			Velocity:     f.Velocity,
		}, nil

	case ModePolygon:
		if len(sel.Polygon) < 3 {
			return nil, ErrNoFeature
		}
		var inside []Feature
		for _, f := range features {
			if pointInPolygon(f.Point, sel.Polygon) {
				inside = append(inside, f)
			}
		}
		if len(inside) == 0 {
			return nil, ErrNoFeature
		}
		return aggregate(inside), nil
	}
	return nil, ErrUnsupportedMode
}

// nearest returns the feature closest to p within radius (0 = unlimited).
// Ties keep the first feature.
func nearest(features []Feature, p raster.Point, radius float64) (Feature, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, f := range features {
		d := math.Hypot(f.Point.X-p.X, f.Point.Y-p.Y)
		if radius > 0 && d > radius {
			continue
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Feature{}, false
	}
	return features[best], true
}

// pointInPolygon is the even-odd ray casting test. The ring may be open or
// closed.
func pointInPolygon(p raster.Point, ring []raster.Point) bool {
	in := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			in = !in
		}
	}
	return in
}

// aggregate averages features per date and records the per-date spread.
func aggregate(features []Feature) *Result {
	type acc struct {
		sum, min, max float64
		n             int
	}
	byDate := map[time.Time]*acc{}
	for _, f := range features {
		for _, s := range f.Series {
			a, ok := byDate[s.Date]
			if !ok {
				a = &acc{min: s.Value, max: s.Value}
				byDate[s.Date] = a
			}
			a.sum += s.Value
			a.n++
			a.min = math.Min(a.min, s.Value)
			a.max = math.Max(a.max, s.Value)
		}
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	res := &Result{
		Samples:      make(samples.Set, 0, len(dates)),
		Envelope:     make([]EnvelopePoint, 0, len(dates)),
		FeatureCount: len(features),
	}
	for _, d := range dates {
		a := byDate[d]
		res.Samples = append(res.Samples, samples.Sample{Date: d, Value: a.sum / float64(a.n)})
		res.Envelope = append(res.Envelope, EnvelopePoint{Date: d, Min: a.min, Max: a.max})
	}

	var vsum float64
	var vn int
	for _, f := range features {
		if f.Velocity != nil {
			vsum += *f.Velocity
			vn++
		}
	}
	if vn > 0 {
		v := vsum / float64(vn)
		res.Velocity = &v
	}
	return res
}
