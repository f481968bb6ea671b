package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HatiCode/deforma/pkg/adapters"
	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/samples"
)

// options are the flags shared by every subcommand.
type options struct {
	adapter   string
	path      string
	settings  map[string]string
	point     string
	polygon   string
	radius    float64
	reference string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "deformactl",
		Short: "Extract and fit ground deformation time series",
		Long: `deformactl reads dated deformation samples from a raster stack, a GeoJSON
or GeoPackage point layer, or an HTTP API, and fits trend models to them.

Output is JSON on stdout.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.adapter, "adapter", "raster", "data source: raster, geojson, geopackage or http")
	pf.StringVar(&opts.path, "path", "", "raster directory or file, or vector file")
	pf.StringToStringVar(&opts.settings, "set", nil, "extra adapter settings, e.g. --set layer=ps_asc --set ext=tiff")
	pf.StringVar(&opts.point, "point", "", "selection point as x,y")
	pf.StringVar(&opts.polygon, "polygon", "", "selection polygon as x1,y1;x2,y2;x3,y3")
	pf.Float64Var(&opts.radius, "radius", 0, "nearest-feature search radius (0 = unlimited)")
	pf.StringVar(&opts.reference, "reference", "", "reference point x,y subtracted from the selection")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level on stderr: debug, info, warn, error")

	root.AddCommand(newExtractCmd(opts), newFitCmd(opts), newVelocityCmd(opts))
	return root
}

func (o *options) logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openAdapter builds the adapter named by --adapter.
func (o *options) openAdapter(logger *slog.Logger) (adapters.Adapter, error) {
	cfg := make(map[string]string, len(o.settings)+1)
	for k, v := range o.settings {
		cfg[k] = v
	}
	if o.path != "" {
		cfg["path"] = o.path
	}
	a, err := adapters.New(o.adapter, cfg)
	if err != nil {
		return nil, err
	}
	if r, ok := a.(*adapters.RasterAdapter); ok {
		r.Logger = logger
	}
	return a, nil
}

// selector builds the selection from --point or --polygon.
func (o *options) selector() (adapters.Selector, error) {
	sel := adapters.Selector{SearchRadius: o.radius}
	switch {
	case o.point != "" && o.polygon != "":
		return sel, errors.New("--point and --polygon are mutually exclusive")
	case o.polygon != "":
		ring, err := parsePolygon(o.polygon)
		if err != nil {
			return sel, err
		}
		sel.Mode = adapters.ModePolygon
		sel.Polygon = ring
	case o.point != "":
		p, err := parsePoint(o.point)
		if err != nil {
			return sel, err
		}
		sel.Mode = adapters.ModePoint
		sel.Point = p
	default:
		return sel, errors.New("one of --point or --polygon is required")
	}
	return sel, nil
}

// extract runs the selection and the optional reference subtraction, and
// returns finite samples only.
func (o *options) extract(ctx context.Context, a adapters.Adapter) (*adapters.Result, error) {
	sel, err := o.selector()
	if err != nil {
		return nil, err
	}
	res, err := a.Extract(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	if o.reference != "" {
		p, err := parsePoint(o.reference)
		if err != nil {
			return nil, fmt.Errorf("--reference: %w", err)
		}
		ref, err := a.Extract(ctx, adapters.Selector{Mode: adapters.ModePoint, Point: p, SearchRadius: o.radius})
		if err != nil {
			return nil, fmt.Errorf("extract reference: %w", err)
		}
		res.Samples = samples.Subtract(res.Samples, ref.Samples)
		res.Envelope = nil
	}

	res.Samples = res.Samples.Compact()
	return res, nil
}

// withAdapter opens the adapter, runs fn and closes it.
func (o *options) withAdapter(cmd *cobra.Command, fn func(ctx context.Context, a adapters.Adapter) (any, error)) error {
	logger := o.logger(cmd.ErrOrStderr())
	a, err := o.openAdapter(logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close adapter", "error", err)
		}
	}()

	out, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePoint(s string) (raster.Point, error) {
	xs, ys, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return raster.Point{}, fmt.Errorf("invalid point %q (want x,y)", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return raster.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return raster.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	return raster.Point{X: x, Y: y}, nil
}

func parsePolygon(s string) ([]raster.Point, error) {
	var ring []raster.Point
	for _, v := range strings.Split(s, ";") {
		if strings.TrimSpace(v) == "" {
			continue
		}
		p, err := parsePoint(v)
		if err != nil {
			return nil, err
		}
		ring = append(ring, p)
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(ring))
	}
	return ring, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
