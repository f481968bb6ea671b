// Package timeseries reads the temporal profile of a single pixel out of a
// virtual mosaic.
//
// Two read strategies are used depending on how large the mosaic is compared
// to a memory ceiling:
//
//   - narrow: a 1×1 window per band is read from disk on every call. Memory
//     stays O(bands) regardless of raster size.
//   - full: the whole mosaic is read into a Cache once and later calls slice
//     pixel columns out of it without touching disk.
//
// Points outside the raster extent are not an error: they yield an empty set.
package timeseries

import (
	"errors"
	"fmt"
	"math"

	"github.com/HatiCode/deforma/pkg/mosaic"
	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
)

var (
	// ErrBandRead reports a windowed read that failed or returned no data.
	ErrBandRead = errors.New("band read failed")

	// ErrUnlabeledBand reports a band whose label does not carry a date.
	ErrUnlabeledBand = errors.New("band has no date label")
)

// bytesPerSample is the in-memory size of one cached value.
const bytesPerSample = 8

// Footprint is the number of bytes a full read of m occupies in a Cache.
func Footprint(m *mosaic.Mosaic) int64 {
	return int64(m.Width()) * int64(m.Height()) * int64(m.BandCount()) * bytesPerSample
}

// Fits reports whether a footprint of the given size may be cached under a
// ceiling expressed in megabytes. A ceiling <= 0 never fits.
func Fits(footprint int64, ceilingMB int) bool {
	if ceilingMB <= 0 {
		return false
	}
	return footprint <= int64(ceilingMB)<<20
}

// Cache holds the full pixel array of one mosaic. It remembers which mosaic
// populated it; supplying it alongside a different mosaic repopulates it.
//
// The zero value is an empty cache ready for use.
type Cache struct {
	owner *mosaic.Mosaic
	width int
	data  [][]float64 // [band][row*width+col]
}

// NewCache returns an empty cache.
func NewCache() *Cache { return &Cache{} }

// Populated reports whether the cache holds data for some mosaic.
func (c *Cache) Populated() bool { return c != nil && c.data != nil }

// Holds reports whether the cache holds data for m.
func (c *Cache) Holds(m *mosaic.Mosaic) bool { return c.Populated() && c.owner == m }

// Bytes is the size of the cached data.
func (c *Cache) Bytes() int64 {
	if !c.Populated() {
		return 0
	}
	var n int64
	for _, band := range c.data {
		n += int64(len(band)) * bytesPerSample
	}
	return n
}

// Clear drops the cached data.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.owner, c.width, c.data = nil, 0, nil
}

func (c *Cache) fill(m *mosaic.Mosaic) error {
	data, err := m.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBandRead, err)
	}
	c.owner, c.width, c.data = m, m.Width(), data
	return nil
}

func (c *Cache) column(px, py int) []float64 {
	out := make([]float64, len(c.data))
	i := py*c.width + px
	for b, band := range c.data {
		out[b] = band[i]
	}
	return out
}

// readPath identifies how a series was obtained.
type readPath string

const (
	pathOutside readPath = "outside"
	pathNarrow  readPath = "narrow"
	pathFull    readPath = "full"
	pathCache   readPath = "cache"
)

// ReadPixelSeries returns the dated samples of the pixel containing point.
//
// When the mosaic footprint exceeds memoryCeilingMB the pixel is read with a
// narrow window and cache is returned untouched. Otherwise the returned cache
// (cache itself, or a new one when cache is nil) holds the full mosaic and
// later calls with it do not read from disk. NaN bands are dropped.
func ReadPixelSeries(m *mosaic.Mosaic, point raster.Point, memoryCeilingMB int, cache *Cache) (samples.Set, *Cache, error) {
	set, cache, _, err := readPixelSeries(m, point, memoryCeilingMB, cache)
	return set, cache, err
}

func readPixelSeries(m *mosaic.Mosaic, point raster.Point, ceilingMB int, cache *Cache) (samples.Set, *Cache, readPath, error) {
	px, py, err := m.GeoTransform().PixelOf(point)
	if err != nil {
		return nil, cache, "", err
	}
	if !m.Contains(px, py) {
		return samples.Set{}, cache, pathOutside, nil
	}

	var (
		values []float64
		path   readPath
	)
	if !Fits(Footprint(m), ceilingMB) {
		values, err = m.ReadPixel(px, py)
		if err != nil {
			return nil, cache, pathNarrow, fmt.Errorf("%w: %v", ErrBandRead, err)
		}
		path = pathNarrow
	} else {
		if cache == nil {
			cache = NewCache()
		}
		path = pathCache
		if !cache.Holds(m) {
			if err := cache.fill(m); err != nil {
				cache.Clear()
				return nil, cache, pathFull, err
			}
			path = pathFull
		}
		values = cache.column(px, py)
	}

	if len(values) != m.BandCount() {
		return nil, cache, path, fmt.Errorf("%w: got %d values for %d bands", ErrBandRead, len(values), m.BandCount())
	}

	set, err := pair(m, values)
	if err != nil {
		return nil, cache, path, err
	}
	return set, cache, path, nil
}

// pair attaches band dates to values, dropping NaN bands.
func pair(m *mosaic.Mosaic, values []float64) (samples.Set, error) {
	set := make(samples.Set, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		label := m.BandLabel(i + 1)
		if label == "" {
			return nil, fmt.Errorf("band %d: %w", i+1, ErrUnlabeledBand)
		}
		date, err := samples.ParseBandLabel(label)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w: %v", i+1, ErrUnlabeledBand, err)
		}
		set = append(set, samples.Sample{Date: date, Value: v})
	}
	set.Sort()
	return set, nil
}
