package adapters

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/HatiCode/deforma/pkg/raster"
)

// GeoPackageAdapter serves dated point features from one feature table of a
// GeoPackage. The layer is read once, on first use.
type GeoPackageAdapter struct {
	// Path is the .gpkg file.
	Path string
	// Layer is the feature table. Defaults to the first features table
	// registered in gpkg_contents.
	Layer string

	db       *sql.DB
	features []Feature
	loaded   bool
}

func (g *GeoPackageAdapter) Name() string { return "geopackage" }

// Extract implements Adapter.
func (g *GeoPackageAdapter) Extract(ctx context.Context, sel Selector) (*Result, error) {
	if !g.loaded {
		if err := g.load(ctx); err != nil {
			return nil, fmt.Errorf("geopackage adapter: %s: %w", g.Path, err)
		}
	}
	return selectFeatures(g.features, sel)
}

// Close releases the database handle.
func (g *GeoPackageAdapter) Close() error {
	g.features, g.loaded = nil, false
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

func (g *GeoPackageAdapter) load(ctx context.Context) error {
	if g.db == nil {
		db, err := sql.Open("sqlite", "file:"+g.Path+"?mode=ro")
		if err != nil {
			return err
		}
		g.db = db
	}

	layer := g.Layer
	if layer == "" {
		err := g.db.QueryRowContext(ctx,
			`SELECT table_name FROM gpkg_contents WHERE data_type = 'features' ORDER BY table_name LIMIT 1`,
		).Scan(&layer)
		if err != nil {
			return fmt.Errorf("find feature layer: %w", err)
		}
	}

	var geomColumn string
	err := g.db.QueryRowContext(ctx,
		`SELECT column_name FROM gpkg_geometry_columns WHERE table_name = ?`, layer,
	).Scan(&geomColumn)
	if err != nil {
		return fmt.Errorf("geometry column of %s: %w", layer, err)
	}

	rows, err := g.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(layer))
	if err != nil {
		return fmt.Errorf("read %s: %w", layer, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	var features []Feature
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for n := 0; rows.Next(); n++ {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan %s: %w", layer, err)
		}

		var (
			attrs  attributeSet
			point  raster.Point
			havePt bool
			id     = strconv.Itoa(n)
		)
		for i, col := range cols {
			switch {
			case col == geomColumn:
				blob, ok := values[i].([]byte)
				if !ok {
					continue
				}
				p, err := decodeGeoPackagePoint(blob)
				if err != nil {
					continue
				}
				point, havePt = p, true
			case strings.EqualFold(col, "fid") || strings.EqualFold(col, "id"):
				if values[i] != nil {
					id = fmt.Sprint(values[i])
				}
			default:
				v, ok := numeric(values[i])
				attrs.add(col, v, ok)
			}
		}
		if havePt {
			features = append(features, attrs.feature(id, point))
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	g.features, g.loaded = features, true
	return nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

var errNotPoint = errors.New("geometry is not a point")

// envelope sizes by the flags' envelope contents indicator
var gpEnvelopeSize = [...]int{0, 32, 48, 48, 64}

// decodeGeoPackagePoint decodes a GeoPackage binary geometry holding a
// (possibly Z/M) WKB point.
func decodeGeoPackagePoint(blob []byte) (raster.Point, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return raster.Point{}, errors.New("missing GeoPackage header")
	}
	flags := blob[3]
	if flags&0x10 != 0 {
		return raster.Point{}, errors.New("empty geometry")
	}
	env := int(flags>>1) & 0x07
	if env >= len(gpEnvelopeSize) {
		return raster.Point{}, fmt.Errorf("invalid envelope indicator %d", env)
	}
	start := 8 + gpEnvelopeSize[env]
	if len(blob) < start {
		return raster.Point{}, errors.New("short GeoPackage header")
	}
	return decodeWKBPoint(blob[start:])
}

func decodeWKBPoint(wkb []byte) (raster.Point, error) {
	if len(wkb) < 21 {
		return raster.Point{}, errors.New("short WKB")
	}
	var order binary.ByteOrder = binary.BigEndian
	if wkb[0] == 1 {
		order = binary.LittleEndian
	}
	// Strip EWKB flags and ISO Z/M offsets.
	typ := order.Uint32(wkb[1:5]) & 0x0fffffff
	if typ%1000 != 1 {
		return raster.Point{}, errNotPoint
	}
	off := 5
	if order.Uint32(wkb[1:5])&0x20000000 != 0 { // EWKB SRID
		off += 4
		if len(wkb) < off+16 {
			return raster.Point{}, errors.New("short WKB")
		}
	}
	x := math.Float64frombits(order.Uint64(wkb[off:]))
	y := math.Float64frombits(order.Uint64(wkb[off+8:]))
	return raster.Point{X: x, Y: y}, nil
}
