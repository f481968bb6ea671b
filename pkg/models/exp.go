package models

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Initial guess for a + b·e^(c·t).
var expStart = [3]float64{1, 1, 0.01}

const (
	lmInitialLambda = 1e-3
	lmMinLambda     = 1e-12
	lmMaxLambda     = 1e20
	lmTolerance     = 1e-12
	lmMinDamping    = 1e-9
)

type expFit struct {
	params      []float64
	converged   bool
	evaluations int
	// reason is set when converged is false.
	reason string
}

func expEval(p []float64, t float64) float64 {
	return p[0] + p[1]*math.Exp(p[2]*t)
}

func expCost(p, t, y []float64) float64 {
	var s float64
	for i := range t {
		r := y[i] - expEval(p, t[i])
		s += r * r
	}
	return s
}

// fitExp runs Levenberg–Marquardt with Marquardt's diagonal scaling from
// expStart. It never returns an error; a fit that exhausts the evaluation
// budget, reaches a non-finite state or runs away in c is reported as not
// converged.
func (f Fitter) fitExp(t, y []float64) expFit {
	n := len(t)
	p := append([]float64(nil), expStart[:]...)
	lambda := lmInitialLambda
	cost := expCost(p, t, y)
	evals := 1

	fail := func(reason string) expFit {
		return expFit{params: p, evaluations: evals, reason: reason}
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return fail("non-finite initial cost")
	}

	j := mat.NewDense(n, 3, nil)
	r := mat.NewVecDense(n, nil)
	for {
		if evals >= f.MaxEvaluations {
			return fail("evaluation budget exhausted")
		}

		for i, ti := range t {
			e := math.Exp(p[2] * ti)
			j.Set(i, 0, 1)
			j.Set(i, 1, e)
			j.Set(i, 2, p[1]*ti*e)
			r.SetVec(i, y[i]-(p[0]+p[1]*e))
		}

		var jtj mat.SymDense
		jtj.SymOuterK(1, j.T())
		var g mat.VecDense
		g.MulVec(j.T(), r)

		a := mat.NewSymDense(3, nil)
		a.CopySym(&jtj)
		for k := 0; k < 3; k++ {
			a.SetSym(k, k, jtj.At(k, k)+lambda*math.Max(jtj.At(k, k), lmMinDamping))
		}

		var chol mat.Cholesky
		var delta mat.VecDense
		if !chol.Factorize(a) || chol.SolveVecTo(&delta, &g) != nil || !finite(delta.RawVector().Data) {
			lambda *= 10
			if lambda > lmMaxLambda {
				return fail("singular normal equations")
			}
			continue
		}

		step := delta.RawVector().Data
		cand := make([]float64, 3)
		floats.AddTo(cand, p, step)
		candCost := expCost(cand, t, y)
		evals++

		stepNorm := floats.Norm(step, 2)
		small := stepNorm <= lmTolerance*(floats.Norm(p, 2)+lmTolerance)

		if candCost < cost {
			reduction := cost - candCost
			prev := cost
			p, cost = cand, candCost
			lambda = math.Max(lambda/10, lmMinLambda)

			if !finite(p) {
				return fail("non-finite parameters")
			}
			if math.Abs(p[2]) > f.MaxRate {
				return fail("exponential rate out of range")
			}
			if cost == 0 || reduction <= lmTolerance*prev || small {
				return expFit{params: p, converged: true, evaluations: evals}
			}
			continue
		}

		lambda *= 10
		if small || lambda > lmMaxLambda {
			return expFit{params: p, converged: true, evaluations: evals}
		}
	}
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
