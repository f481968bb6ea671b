package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/deforma/pkg/raster"
)

// GeoJSONAdapter serves dated point features from a GeoJSON
// FeatureCollection. The file is parsed once, on first use.
//
// Non-point geometries are ignored. Feature ids come from the feature "id"
// member, or its index in the collection when absent.
type GeoJSONAdapter struct {
	// Path is the GeoJSON file.
	Path string

	features []Feature
	loaded   bool
}

func (g *GeoJSONAdapter) Name() string { return "geojson" }

// Extract implements Adapter.
func (g *GeoJSONAdapter) Extract(ctx context.Context, sel Selector) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.loaded {
		data, err := os.ReadFile(g.Path)
		if err != nil {
			return nil, fmt.Errorf("geojson adapter: %w", err)
		}
		features, err := ParseGeoJSON(data)
		if err != nil {
			return nil, fmt.Errorf("geojson adapter: %s: %w", g.Path, err)
		}
		g.features, g.loaded = features, true
	}
	return selectFeatures(g.features, sel)
}

// Close drops the parsed features.
func (g *GeoJSONAdapter) Close() error {
	g.features, g.loaded = nil, false
	return nil
}

// ParseGeoJSON decodes the point features of a FeatureCollection.
func ParseGeoJSON(data []byte) ([]Feature, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if t := doc.Get("type").String(); t != "FeatureCollection" {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", t)
	}

	var features []Feature
	idx := -1
	doc.Get("features").ForEach(func(_, f gjson.Result) bool {
		idx++
		geom := f.Get("geometry")
		if geom.Get("type").String() != "Point" {
			return true
		}
		coords := geom.Get("coordinates").Array()
		if len(coords) < 2 {
			return true
		}

		var attrs attributeSet
		f.Get("properties").ForEach(func(k, v gjson.Result) bool {
			attrs.add(k.String(), v.Float(), v.Type == gjson.Number)
			return true
		})

		id := f.Get("id").String()
		if id == "" {
			id = strconv.Itoa(idx)
		}
		features = append(features, attrs.feature(id, raster.Point{X: coords[0].Float(), Y: coords[1].Float()}))
		return true
	})
	return features, nil
}
