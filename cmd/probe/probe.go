package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/deforma/cmd/probe/metrics"
	"github.com/HatiCode/deforma/cmd/probe/router"
	"github.com/HatiCode/deforma/pkg/adapters"
	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
	"github.com/HatiCode/deforma/pkg/storage"
)

// Options are the request defaults of a Probe.
type Options struct {
	// Source names the adapter's data location in snapshot keys.
	Source       string
	DefaultModel models.Kind
	Seasonal     bool
	SearchRadius float64
	Fitter       models.Fitter
}

// Probe serves extraction and fit requests against one adapter.
//
// Adapters are not safe for concurrent use, so requests are serialized.
type Probe struct {
	mu      sync.Mutex
	adapter adapters.Adapter
	store   storage.Store
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ router.Service = (*Probe)(nil)

// New creates a probe. A zero opts.Fitter is replaced by models.DefaultFitter.
func New(adapter adapters.Adapter, store storage.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Fitter.MaxEvaluations == 0 {
		opts.Fitter = models.DefaultFitter
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = models.Poly1
	}
	return &Probe{
		adapter: adapter,
		store:   store,
		opts:    opts,
		logger:  logger.With("adapter", adapter.Name()),
		metrics: m,
		now:     time.Now,
	}
}

// Extract returns the finite samples selected by req.
func (p *Probe) Extract(ctx context.Context, req router.ExtractRequest) (*adapters.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, _, err := p.extract(ctx, req)
	return res, err
}

// Fit extracts, fits and stores a snapshot of the result.
func (p *Probe) Fit(ctx context.Context, req router.FitRequest) (*router.FitResponse, error) {
	model := req.Model
	if model == "" {
		model = string(p.opts.DefaultModel)
	}
	kind, err := models.ParseKind(model)
	if err != nil {
		p.metrics.RecordError("fit", "unknown_model")
		return nil, err
	}
	seasonal := p.opts.Seasonal
	if req.Seasonal != nil {
		seasonal = *req.Seasonal
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res, sel, err := p.extract(ctx, req.ExtractRequest)
	if err != nil {
		return nil, err
	}

	fitStart := time.Now()
	fit, err := p.opts.Fitter.Fit(res.Samples, kind, seasonal)
	fitDuration := time.Since(fitStart)
	p.metrics.RecordFit(string(kind), fitDuration.Seconds())
	if err != nil {
		p.metrics.RecordError("fit", reason(err))
		return nil, fmt.Errorf("fit %s: %w", kind, err)
	}
	if fit.FellBack {
		p.metrics.RecordFallback()
		p.logger.Warn("exp fit did not converge, fell back to poly-1",
			"evaluations", fit.Evaluations,
			"samples", len(res.Samples),
		)
	}

	var velocity *float64
	if v, err := models.FitVelocity(res.Samples); err == nil {
		velocity = &v
	}

	source := sel.Source
	if source == "" {
		source = p.opts.Source
	}
	points := []raster.Point{sel.Point}
	if sel.Mode == adapters.ModePolygon {
		points = sel.Polygon
	}

	snap := storage.Snapshot{
		Key:            storage.Key(source, points),
		RequestID:      uuid.NewString(),
		Source:         source,
		Mode:           string(sel.Mode),
		Points:         points,
		Model:          kind,
		EffectiveModel: fit.Kind,
		FellBack:       fit.FellBack,
		Seasonal:       fit.Seasonal != nil,
		GeneratedAt:    p.now().UTC(),
		Dates:          res.Samples.Dates(),
		Values:         res.Samples.Values(),
		Fitted:         fit.Fitted,
		RMSE:           fit.RMSE,
		Curve:          fit.Curve,
		Velocity:       velocity,
		StoredVelocity: res.Velocity,
		FeatureCount:   res.FeatureCount,
	}
	if err := p.store.Put(ctx, snap); err != nil {
		p.metrics.RecordError("storage", "put")
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	p.metrics.RecordSnapshot()

	p.logger.Info("fit complete",
		"key", snap.Key,
		"request_id", snap.RequestID,
		"model", kind,
		"effective_model", fit.Kind,
		"samples", len(res.Samples),
		"rmse", fit.RMSE,
		"fit_ms", fitDuration.Milliseconds(),
	)

	return &router.FitResponse{
		Snapshot:     snap,
		Params:       fit.Params,
		SeasonalTerm: fit.Seasonal,
		Residuals:    fit.Residuals,
	}, nil
}

// extract runs the selection, applies the reference and drops non-finite
// samples. It returns the selector as resolved with defaults. p.mu must be
// held.
func (p *Probe) extract(ctx context.Context, req router.ExtractRequest) (*adapters.Result, adapters.Selector, error) {
	sel := req.Selector
	mode, err := adapters.ParseMode(string(sel.Mode))
	if err != nil {
		p.metrics.RecordError("adapter", reason(err))
		return nil, sel, err
	}
	sel.Mode = mode
	if sel.SearchRadius == 0 {
		sel.SearchRadius = p.opts.SearchRadius
	}

	start := time.Now()
	res, err := p.adapter.Extract(ctx, sel)
	if err == nil && req.Reference != nil {
		var ref *adapters.Result
		ref, err = p.adapter.Extract(ctx, adapters.Selector{
			Mode:         adapters.ModePoint,
			Point:        *req.Reference,
			SearchRadius: sel.SearchRadius,
			Source:       sel.Source,
		})
		if err != nil {
			err = fmt.Errorf("reference: %w", err)
		} else {
			res.Samples = samples.Subtract(res.Samples, ref.Samples)
			res.Envelope = subtractEnvelope(res.Envelope, ref.Samples)
		}
	}
	elapsed := time.Since(start)
	p.metrics.RecordExtract(p.adapter.Name(), elapsed.Seconds())
	if err != nil {
		p.metrics.RecordError("adapter", reason(err))
		return nil, sel, fmt.Errorf("extract: %w", err)
	}

	res.Samples = res.Samples.Compact()
	p.logger.Debug("extracted samples",
		"mode", sel.Mode,
		"samples", len(res.Samples),
		"features", res.FeatureCount,
		"extract_ms", elapsed.Milliseconds(),
	)
	return res, sel, nil
}

// subtractEnvelope shifts each envelope point by the reference value of the
// same day, dropping days the reference lacks.
func subtractEnvelope(env []adapters.EnvelopePoint, reference samples.Set) []adapters.EnvelopePoint {
	if len(env) == 0 || len(reference) == 0 {
		return env
	}
	ref := make(map[time.Time]float64, len(reference))
	for _, r := range reference {
		ref[samples.Day(r.Date)] = r.Value
	}
	out := make([]adapters.EnvelopePoint, 0, len(env))
	for _, e := range env {
		v, ok := ref[samples.Day(e.Date)]
		if !ok {
			continue
		}
		out = append(out, adapters.EnvelopePoint{Date: e.Date, Min: e.Min - v, Max: e.Max - v})
	}
	return out
}

// reason labels an error for deforma_errors_total.
func reason(err error) string {
	switch {
	case errors.Is(err, adapters.ErrNoFeature):
		return "no_feature"
	case errors.Is(err, adapters.ErrUnsupportedMode):
		return "unsupported_mode"
	case errors.Is(err, raster.ErrDatasetOpen):
		return "dataset_open"
	case errors.Is(err, models.ErrInsufficientSamples):
		return "insufficient_samples"
	case errors.Is(err, models.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
