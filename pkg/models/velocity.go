package models

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/deforma/pkg/samples"
)

// FitVelocity fits a straight line to set over raw ordinal days and returns
// its slope as a rate per year.
func FitVelocity(set samples.Set) (float64, error) {
	ax := newAxis(set)
	if n := ax.distinct(); n < 2 {
		return 0, fmt.Errorf("%w: velocity needs 2 distinct finite samples, have %d", ErrInsufficientSamples, n)
	}
	_, slope := stat.LinearRegression(ax.x, ax.y, nil, false)
	return slope * daysPerYear, nil
}
