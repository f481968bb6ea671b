package timeseries

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/deforma/pkg/mosaic"
	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
)

var (
	pixelReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deforma_pixel_reads_total",
		Help: "Pixel series reads by path (narrow, full, cache)",
	}, []string{"path"})

	outOfExtent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deforma_out_of_extent_total",
		Help: "Pixel series requests for points outside the raster extent",
	})

	readSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deforma_pixel_read_seconds",
		Help:    "Time spent reading one pixel series",
		Buckets: prometheus.DefBuckets,
	})
)

// Reader is one probing session over a mosaic. It owns the mosaic and its
// cache; both live until Close. A Reader is not safe for concurrent use.
type Reader struct {
	id        string
	mosaic    *mosaic.Mosaic
	cache     *Cache
	ceilingMB int
	logger    *slog.Logger
}

// NewReader builds a mosaic from paths and labels and opens a session on it.
func NewReader(paths, labels []string, opener raster.Opener, memoryCeilingMB int, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := mosaic.Build(paths, labels, opener)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	r := &Reader{
		id:        id,
		mosaic:    m,
		cache:     NewCache(),
		ceilingMB: memoryCeilingMB,
		logger:    logger.With("session_id", id),
	}

	r.logger.Info("opened pixel reader",
		"bands", m.BandCount(),
		"width", m.Width(),
		"height", m.Height(),
		"footprint_bytes", Footprint(m),
		"cacheable", Fits(Footprint(m), memoryCeilingMB),
	)
	return r, nil
}

// ID is the session id attached to every log line of this reader.
func (r *Reader) ID() string { return r.id }

// Mosaic returns the underlying mosaic.
func (r *Reader) Mosaic() *mosaic.Mosaic { return r.mosaic }

// CacheBytes is the amount of pixel data currently cached.
func (r *Reader) CacheBytes() int64 { return r.cache.Bytes() }

// Read returns the dated samples at point.
func (r *Reader) Read(point raster.Point) (samples.Set, error) {
	if r.mosaic == nil {
		return nil, fmt.Errorf("reader %s is closed", r.id)
	}

	start := time.Now()
	set, cache, path, err := readPixelSeries(r.mosaic, point, r.ceilingMB, r.cache)
	r.cache = cache
	if err != nil {
		r.logger.Error("pixel read failed", "x", point.X, "y", point.Y, "error", err)
		return nil, err
	}

	readSeconds.Observe(time.Since(start).Seconds())
	if path == pathOutside {
		outOfExtent.Inc()
		r.logger.Debug("point outside raster extent", "x", point.X, "y", point.Y)
		return set, nil
	}
	pixelReads.WithLabelValues(string(path)).Inc()

	r.logger.Debug("read pixel series",
		"x", point.X,
		"y", point.Y,
		"path", string(path),
		"samples", len(set),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return set, nil
}

// Reset drops the cached pixel data. The next cacheable read repopulates it.
func (r *Reader) Reset() {
	if r.cache.Populated() {
		r.logger.Debug("cleared pixel cache", "bytes", r.cache.Bytes())
	}
	r.cache.Clear()
}

// Close releases the mosaic and the cache.
func (r *Reader) Close() error {
	if r.mosaic == nil {
		return nil
	}
	r.cache.Clear()
	err := r.mosaic.Close()
	r.mosaic = nil
	r.logger.Debug("closed pixel reader")
	return err
}
