package models

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// daysPerYear is the seasonal period and the velocity annualization factor.
const daysPerYear = 365.25

const omega = 2 * math.Pi / daysPerYear

// fitSeasonal fits A·sin(ωt) + B·cos(ωt) to residuals over raw ordinals.
func fitSeasonal(ordinals, residuals []float64) (*SeasonalTerm, error) {
	x := mat.NewDense(len(ordinals), 2, nil)
	for i, t := range ordinals {
		x.Set(i, 0, math.Sin(omega*t))
		x.Set(i, 1, math.Cos(omega*t))
	}
	ab, err := leastSquares(x, residuals)
	if err != nil {
		return nil, err
	}
	return &SeasonalTerm{
		A:         ab[0],
		B:         ab[1],
		Amplitude: math.Hypot(ab[0], ab[1]),
		Phase:     math.Atan2(ab[1], ab[0]),
	}, nil
}

func (s *SeasonalTerm) eval(ordinal float64) float64 {
	return s.A*math.Sin(omega*ordinal) + s.B*math.Cos(omega*ordinal)
}
