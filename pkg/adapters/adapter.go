// Package adapters turns deformation data sources into dated sample sets.
//
// Every adapter implements Adapter and produces a samples.Set whatever the
// source type. Available adapters:
//   - RasterAdapter    : per-epoch GeoTIFF stacks, read through a pixel reader
//   - GeoJSONAdapter   : point features with dated attributes in a GeoJSON file
//   - GeoPackageAdapter: the same over a GeoPackage point layer (SQLite)
//   - HTTPAdapter      : any REST API returning dated values as JSON
//
// Vector adapters share the attribute conventions: a field is an epoch if its
// name matches D<YYYYMMDD>, <...><YYYYMMDD> or D_<YYYYMMDD>, and null or
// non-numeric values are skipped. A stored mean velocity is picked up from
// the first of "velocity", "VEL" or "mean_velocity" present.
//
// Adapters are intentionally thin: they select and shape data, and leave
// model fitting to pkg/models.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
)

var (
	// ErrUnsupportedMode reports a selector mode the adapter cannot serve.
	ErrUnsupportedMode = errors.New("unsupported selection mode")

	// ErrNoFeature reports that no feature matched the selector.
	ErrNoFeature = errors.New("no feature matches selection")
)

// Mode selects how features are picked.
type Mode string

const (
	// ModePoint reads the pixel, or the nearest feature, at Selector.Point.
	ModePoint Mode = "point"
	// ModePolygon aggregates every feature inside Selector.Polygon.
	ModePolygon Mode = "polygon"
)

// ParseMode parses "point" or "polygon". An empty string means point.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePoint:
		return ModePoint, nil
	case ModePolygon:
		return ModePolygon, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Selector describes what to extract. Coordinates are in the source's native
// reference frame.
type Selector struct {
	Mode    Mode           `json:"mode"`
	Point   raster.Point   `json:"point"`
	Polygon []raster.Point `json:"polygon,omitempty"`

	// SearchRadius bounds the nearest-feature search in point mode.
	// Zero means unlimited.
	SearchRadius float64 `json:"search_radius,omitempty"`

	// Source optionally overrides the adapter's configured source path.
	// Only the raster adapter honours it.
	Source string `json:"source,omitempty"`
}

// EnvelopePoint is the spread of aggregated features on one date.
type EnvelopePoint struct {
	Date time.Time `json:"date"`
	Min  float64   `json:"min"`
	Max  float64   `json:"max"`
}

// Result is the output of one extraction.
type Result struct {
	Samples samples.Set `json:"samples"`

	// Envelope is set in polygon mode only.
	Envelope []EnvelopePoint `json:"envelope,omitempty"`

	// FeatureCount is the number of features (or pixels) aggregated.
	FeatureCount int `json:"feature_count"`

	// FeatureID identifies the selected feature in point mode, when known.
	FeatureID string `json:"feature_id,omitempty"`

	// Velocity is the source's stored mean velocity, if it carries one.
	Velocity *float64 `json:"velocity,omitempty"`
}

// Adapter is implemented by every data source.
//
// Extract is synchronous. It should respect context cancellation where the
// source allows it, and never panic.
type Adapter interface {
	// Extract returns the dated samples selected by sel.
	Extract(ctx context.Context, sel Selector) (*Result, error)

	// Name returns a short identifier, e.g. "raster" or "geojson".
	Name() string

	// Close releases files or connections held by the adapter.
	Close() error
}
