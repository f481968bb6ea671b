// Package mosaic stacks single-epoch rasters into one addressable multi-band
// view. No pixel data is copied when a mosaic is built: each band keeps the
// open handle of its source file, and reads are delegated band by band.
package mosaic

import (
	"errors"
	"fmt"
	"math"

	"github.com/HatiCode/deforma/pkg/raster"
)

var (
	// ErrLabelCountMismatch reports a label list whose length differs from the
	// number of files.
	ErrLabelCountMismatch = errors.New("band label count does not match file count")

	// ErrNoFiles reports an empty file list.
	ErrNoFiles = errors.New("no raster files")
)

// Band is one layer of a mosaic.
type Band struct {
	// Index is 1-based.
	Index int
	Path  string
	// Label is the band description, e.g. D20200101. Empty when the mosaic was
	// built without labels.
	Label string

	ds raster.Dataset
}

// Mosaic is a virtual multi-band dataset. Band i (1-based) corresponds to the
// i-th file passed to Build. A Mosaic is not safe for concurrent use.
type Mosaic struct {
	bands  []Band
	width  int
	height int
	gt     raster.GeoTransform
}

// Build opens every file with opener and stacks them, in order, as bands.
// labels may be nil; otherwise it must have one entry per file.
//
// All sources must share dimensions and geotransform: bands are stacked, not
// resampled. Any open failure or mismatch is reported as raster.ErrDatasetOpen
// and closes whatever had already been opened.
func Build(paths []string, labels []string, opener raster.Opener) (*Mosaic, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}
	if labels != nil && len(labels) != len(paths) {
		return nil, fmt.Errorf("%w: %d labels for %d files", ErrLabelCountMismatch, len(labels), len(paths))
	}

	m := &Mosaic{bands: make([]Band, 0, len(paths))}
	for i, path := range paths {
		ds, err := opener.Open(path)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: %s: %v", raster.ErrDatasetOpen, path, err)
		}

		if i == 0 {
			m.width, m.height, m.gt = ds.Width(), ds.Height(), ds.GeoTransform()
		} else if ds.Width() != m.width || ds.Height() != m.height || ds.GeoTransform() != m.gt {
			ds.Close()
			m.Close()
			return nil, fmt.Errorf("%w: %s: grid %dx%d %v differs from %dx%d %v",
				raster.ErrDatasetOpen, path, ds.Width(), ds.Height(), ds.GeoTransform(), m.width, m.height, m.gt)
		}

		band := Band{Index: i + 1, Path: path, ds: ds}
		if labels != nil {
			band.Label = labels[i]
		}
		m.bands = append(m.bands, band)
	}

	return m, nil
}

// Width is the mosaic width in pixels.
func (m *Mosaic) Width() int { return m.width }

// Height is the mosaic height in pixels.
func (m *Mosaic) Height() int { return m.height }

// BandCount is the number of stacked epochs.
func (m *Mosaic) BandCount() int { return len(m.bands) }

// GeoTransform is the transform shared by every band.
func (m *Mosaic) GeoTransform() raster.GeoTransform { return m.gt }

// Band returns band i (1-based).
func (m *Mosaic) Band(i int) (Band, bool) {
	if i < 1 || i > len(m.bands) {
		return Band{}, false
	}
	return m.bands[i-1], true
}

// BandLabel returns the label of band i (1-based), or "" when out of range or
// unlabelled.
func (m *Mosaic) BandLabel(i int) string {
	b, _ := m.Band(i)
	return b.Label
}

// BandIndex looks a band up by label. It returns 0 when no band carries it.
func (m *Mosaic) BandIndex(label string) int {
	for _, b := range m.bands {
		if b.Label == label {
			return b.Index
		}
	}
	return 0
}

// Labels returns every band label in band order.
func (m *Mosaic) Labels() []string {
	out := make([]string, len(m.bands))
	for i, b := range m.bands {
		out[i] = b.Label
	}
	return out
}

// Contains reports whether pixel (px, py) lies inside the mosaic.
func (m *Mosaic) Contains(px, py int) bool {
	return px >= 0 && py >= 0 && px < m.width && py < m.height
}

// ReadPixel reads the 1×1 column at (px, py) across all bands, one narrow
// window per band. NoData values are returned as NaN.
func (m *Mosaic) ReadPixel(px, py int) ([]float64, error) {
	out := make([]float64, len(m.bands))
	for i, b := range m.bands {
		v, err := b.ds.ReadWindow(px, py, 1, 1)
		if err != nil {
			return nil, fmt.Errorf("band %d (%s): %w", b.Index, b.Path, err)
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("band %d (%s): window returned %d values", b.Index, b.Path, len(v))
		}
		out[i] = maskNoData(b.ds, v[0])
	}
	return out, nil
}

// ReadAll reads every band in full. The result is indexed [band][row*width+col];
// NoData values are returned as NaN.
func (m *Mosaic) ReadAll() ([][]float64, error) {
	out := make([][]float64, len(m.bands))
	for i, b := range m.bands {
		v, err := b.ds.ReadWindow(0, 0, m.width, m.height)
		if err != nil {
			return nil, fmt.Errorf("band %d (%s): %w", b.Index, b.Path, err)
		}
		if len(v) != m.width*m.height {
			return nil, fmt.Errorf("band %d (%s): read %d values, want %d", b.Index, b.Path, len(v), m.width*m.height)
		}
		for j := range v {
			v[j] = maskNoData(b.ds, v[j])
		}
		out[i] = v
	}
	return out, nil
}

// Close releases every band's dataset. It returns the first error seen.
func (m *Mosaic) Close() error {
	var first error
	for _, b := range m.bands {
		if err := b.ds.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.bands = nil
	return first
}

func maskNoData(ds raster.Dataset, v float64) float64 {
	if nd, ok := ds.NoData(); ok && (v == nd || (math.IsNaN(nd) && math.IsNaN(v))) {
		return math.NaN()
	}
	return v
}
