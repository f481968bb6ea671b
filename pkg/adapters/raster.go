package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/raster/geotiff"
	"github.com/HatiCode/deforma/pkg/samples"
	"github.com/HatiCode/deforma/pkg/timeseries"
)

// DefaultRasterExt is the per-epoch raster extension.
const DefaultRasterExt = "tif"

// DefaultMemoryCeilingMB bounds the pixel cache of a raster reader.
const DefaultMemoryCeilingMB = 512

const timeseriesPrefix = "timeseries-"

// RasterFile is one per-epoch raster of a stack.
type RasterFile struct {
	Path string
	Date time.Time
}

func rasterNamePatterns(ext string) []*regexp.Regexp {
	e := regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
	return []*regexp.Regexp{
		regexp.MustCompile(`^\d{8}_.*\.` + e + `$`),
		regexp.MustCompile(`^` + timeseriesPrefix + `\d{8}.*\.` + e + `$`),
	}
}

// DiscoverRasterFiles lists the per-epoch rasters in dir, named either
// YYYYMMDD_*.<ext> or timeseries-YYYYMMDD*.<ext>, ordered by the date in
// their name. Files whose date token is not a valid calendar date are skipped.
func DiscoverRasterFiles(dir, ext string) ([]RasterFile, error) {
	if ext == "" {
		ext = DefaultRasterExt
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", raster.ErrDatasetOpen, err)
	}

	patterns := rasterNamePatterns(ext)
	var files []RasterFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		matched := false
		for _, re := range patterns {
			if re.MatchString(name) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		date, err := samples.ParseDateToken(strings.TrimPrefix(name, timeseriesPrefix)[:8])
		if err != nil {
			continue
		}
		files = append(files, RasterFile{Path: filepath.Join(dir, name), Date: date})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].Date.Equal(files[j].Date) {
			return files[i].Date.Before(files[j].Date)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// RasterAdapter reads pixel time series from a directory of per-epoch
// rasters. The mosaic and its cache are kept between calls and rebuilt when
// the source directory changes.
//
// RasterAdapter is not safe for concurrent use.
type RasterAdapter struct {
	// Source is a raster file or the directory holding the stack.
	Source string
	// Ext is the raster extension. Defaults to "tif".
	Ext string
	// MemoryCeilingMB bounds the full-read cache. Defaults to 512.
	MemoryCeilingMB int
	// Opener defaults to the GeoTIFF driver.
	Opener raster.Opener
	Logger *slog.Logger

	dir    string
	reader *timeseries.Reader
}

func (r *RasterAdapter) Name() string { return "raster" }

// Extract implements Adapter. Only point mode is supported.
func (r *RasterAdapter) Extract(ctx context.Context, sel Selector) (*Result, error) {
	if sel.Mode != "" && sel.Mode != ModePoint {
		return nil, fmt.Errorf("raster adapter: %w: %s", ErrUnsupportedMode, sel.Mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := sel.Source
	if source == "" {
		source = r.Source
	}
	dir, err := stackDir(source)
	if err != nil {
		return nil, err
	}

	reader, err := r.readerFor(dir)
	if err != nil {
		return nil, err
	}

	set, err := reader.Read(sel.Point)
	if err != nil {
		return nil, err
	}
	r.logger().Debug("raster point read", "reader", reader.ID(), "samples", len(set), "cache_bytes", reader.CacheBytes())

	res := &Result{Samples: set}
	if len(set) > 0 {
		res.FeatureCount = 1
	}
	return res, nil
}

// Reset drops the pixel cache while keeping the mosaic open.
func (r *RasterAdapter) Reset() {
	if r.reader != nil {
		r.reader.Reset()
	}
}

// Close releases the current mosaic.
func (r *RasterAdapter) Close() error {
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader, r.dir = nil, ""
	return err
}

// readerFor returns the reader over dir, replacing the current one when the
// directory differs.
func (r *RasterAdapter) readerFor(dir string) (*timeseries.Reader, error) {
	if r.reader != nil && r.dir == dir {
		return r.reader, nil
	}
	if r.reader != nil {
		r.logger().Info("raster source changed, rebuilding reader", "from", r.dir, "to", dir)
		if err := r.Close(); err != nil {
			r.logger().Warn("failed to close previous reader", "error", err)
		}
	}

	files, err := DiscoverRasterFiles(dir, r.Ext)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(files))
	labels := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
		labels[i] = samples.BandLabel(f.Date)
	}

	opener := r.Opener
	if opener == nil {
		opener = geotiff.Opener
	}
	ceiling := r.MemoryCeilingMB
	if ceiling == 0 {
		ceiling = DefaultMemoryCeilingMB
	}

	reader, err := timeseries.NewReader(paths, labels, opener, ceiling, r.logger().With("source", dir))
	if err != nil {
		return nil, fmt.Errorf("raster stack %s: %w", dir, err)
	}
	r.reader, r.dir = reader, dir
	return reader, nil
}

func (r *RasterAdapter) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// stackDir resolves a source path to the directory of its stack.
func stackDir(source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("raster adapter: no source configured")
	}
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("%w: %v", raster.ErrDatasetOpen, err)
	}
	if info.IsDir() {
		return filepath.Clean(source), nil
	}
	return filepath.Dir(source), nil
}
