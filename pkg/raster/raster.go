// Package raster defines the minimal raster I/O surface Deforma needs:
// single-band datasets addressed through an affine geotransform, opened by a
// pluggable Opener and read through rectangular windows.
//
// Drivers live in subpackages (see geotiff). Tests substitute in-memory
// datasets to observe how often readers touch the disk.
package raster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDatasetOpen reports that a raster source could not be opened or
	// could not be combined with its siblings.
	ErrDatasetOpen = errors.New("dataset open failed")

	// ErrUnsupportedFormat reports a file the driver recognises but cannot decode.
	ErrUnsupportedFormat = errors.New("unsupported raster format")
)

// Point is a coordinate pair in a dataset's native reference frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GeoTransform is an affine pixel-to-world transform in GDAL order:
//
//	Xgeo = gt[0] + px*gt[1] + py*gt[2]
//	Ygeo = gt[3] + px*gt[4] + py*gt[5]
type GeoTransform [6]float64

// Apply maps fractional pixel coordinates to world coordinates.
func (gt GeoTransform) Apply(px, py float64) (x, y float64) {
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

// Invert returns the world-to-pixel transform.
// ok is false when the transform is degenerate.
func (gt GeoTransform) Invert() (inv GeoTransform, ok bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return GeoTransform{}, false
	}

	inv[1] = gt[5] / det
	inv[2] = -gt[2] / det
	inv[4] = -gt[4] / det
	inv[5] = gt[1] / det
	inv[0] = -gt[0]*inv[1] - gt[3]*inv[2]
	inv[3] = -gt[0]*inv[4] - gt[3]*inv[5]
	return inv, true
}

// PixelOf maps a world point to integer pixel indices by inverting gt and
// flooring the fractional result. Points west or north of the origin get
// negative indices rather than being pulled into pixel 0.
func (gt GeoTransform) PixelOf(p Point) (px, py int, err error) {
	inv, ok := gt.Invert()
	if !ok {
		return 0, 0, fmt.Errorf("geotransform %v is not invertible", gt)
	}
	fx, fy := inv.Apply(p.X, p.Y)
	return int(math.Floor(fx)), int(math.Floor(fy)), nil
}

// Dataset is one opened single-band raster.
type Dataset interface {
	// Width and Height are the raster dimensions in pixels.
	Width() int
	Height() int

	// GeoTransform maps pixel to world coordinates.
	GeoTransform() GeoTransform

	// NoData returns the sentinel value marking missing pixels, if any.
	NoData() (float64, bool)

	// ReadWindow reads a w×h block whose upper-left pixel is (x, y) and returns
	// it row-major. The window must lie inside the raster.
	ReadWindow(x, y, w, h int) ([]float64, error)

	Close() error
}

// Opener opens raster files.
type Opener interface {
	Open(path string) (Dataset, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Dataset, error)

// Open calls f(path).
func (f OpenerFunc) Open(path string) (Dataset, error) { return f(path) }

// CheckWindow validates a read window against raster dimensions.
func CheckWindow(width, height, x, y, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("window %dx%d is empty", w, h)
	}
	if x < 0 || y < 0 || x+w > width || y+h > height {
		return fmt.Errorf("window (%d,%d %dx%d) outside raster %dx%d", x, y, w, h, width, height)
	}
	return nil
}
