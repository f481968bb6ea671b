package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitPoly solves the least-squares polynomial of the given degree through
// (t, y). Coefficients are returned lowest order first.
func fitPoly(t, y []float64, degree int) ([]float64, error) {
	x := mat.NewDense(len(t), degree+1, nil)
	for i, ti := range t {
		p := 1.0
		for j := 0; j <= degree; j++ {
			x.Set(i, j, p)
			p *= ti
		}
	}
	return leastSquares(x, y)
}

func polyEval(coef []float64, t float64) float64 {
	// Horner
	v := 0.0
	for i := len(coef) - 1; i >= 0; i-- {
		v = v*t + coef[i]
	}
	return v
}

// leastSquares solves min ||x·β − y||. Ill-conditioning is tolerated as long
// as the solution is finite.
func leastSquares(x *mat.Dense, y []float64) ([]float64, error) {
	var beta mat.VecDense
	if err := beta.SolveVec(x, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	out := make([]float64, beta.Len())
	for i := range out {
		out[i] = beta.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("least squares: non-finite coefficient %d", i)
		}
	}
	return out, nil
}
