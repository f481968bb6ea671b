package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/raster/geotiff"
)

// rasterStack writes three constant 3x2 epochs ten days apart holding 0, 10
// and 20.
func rasterStack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	start := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		data := make([]float64, 6)
		for j := range data {
			data[j] = float64(10 * i)
		}
		img := geotiff.Image{
			Width:        3,
			Height:       2,
			Data:         data,
			GeoTransform: raster.GeoTransform{1000, 10, 0, 2000, 0, -10},
		}
		name := start.AddDate(0, 0, 10*i).Format("20060102") + "_asc.tif"
		require.NoError(t, geotiff.Write(filepath.Join(dir, name), img))
	}
	return dir
}

const pointLayer = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "a", "geometry": {"type": "Point", "coordinates": [0, 0]},
     "properties": {"D20200101": 0, "D20200201": -3, "D20200301": -6, "VEL": -36}},
    {"type": "Feature", "id": "b", "geometry": {"type": "Point", "coordinates": [4, 0]},
     "properties": {"D20200101": 0, "D20200201": -1, "D20200301": -2}}
  ]
}`

func geojsonFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ps.geojson")
	require.NoError(t, os.WriteFile(path, []byte(pointLayer), 0o644))
	return path
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), stdout.String())
	return out, nil
}

func TestExtract_Raster(t *testing.T) {
	out, err := run(t, "extract", "--path", rasterStack(t), "--point", "1015,1995")
	require.NoError(t, err)

	s, ok := out["samples"].([]any)
	require.True(t, ok, "samples missing: %v", out)
	require.Len(t, s, 3)
	assert.Equal(t, 20.0, s[2].(map[string]any)["value"])
	assert.Equal(t, 1.0, out["feature_count"])
}

func TestVelocity_Raster(t *testing.T) {
	out, err := run(t, "velocity", "--path", rasterStack(t), "--point", "1015,1995")
	require.NoError(t, err)
	assert.InDelta(t, 365.25, out["velocity"].(float64), 1e-9)
	assert.Equal(t, 3.0, out["samples"])
}

func TestFit_Raster(t *testing.T) {
	out, err := run(t, "fit", "--path", rasterStack(t), "--point", "1015,1995", "--model", "poly-2")
	require.NoError(t, err)

	assert.Equal(t, "poly-2", out["kind"])
	assert.Equal(t, false, out["fell_back"])
	assert.Len(t, out["params"], 3)
	assert.Len(t, out["curve"], 100)
	assert.InDelta(t, 0, out["rmse"].(float64), 1e-9)
	assert.InDelta(t, 365.25, out["velocity"].(float64), 1e-9)
}

func TestFit_GeoJSONReference(t *testing.T) {
	out, err := run(t, "fit", "--adapter", "geojson", "--path", geojsonFile(t),
		"--point", "0.5,0", "--reference", "4,0")
	require.NoError(t, err)

	assert.Equal(t, "poly-1", out["kind"])
	assert.Equal(t, -36.0, out["stored_velocity"])
	assert.Equal(t, 3.0, out["samples"])
	assert.Len(t, out["fitted"], 3)
}

func TestExtract_GeoJSONPolygon(t *testing.T) {
	out, err := run(t, "extract", "--adapter", "geojson", "--path", geojsonFile(t),
		"--polygon", "-1,-1;5,-1;5,1;-1,1")
	require.NoError(t, err)

	assert.Equal(t, 2.0, out["feature_count"])
	assert.Len(t, out["envelope"], 3)
}

func TestCommands_Errors(t *testing.T) {
	stack := rasterStack(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no selection", []string{"extract", "--path", stack}},
		{"point and polygon", []string{"extract", "--path", stack, "--point", "1,1", "--polygon", "0,0;1,0;1,1"}},
		{"bad point", []string{"extract", "--path", stack, "--point", "1015"}},
		{"short polygon", []string{"extract", "--adapter", "geojson", "--path", "x", "--polygon", "0,0;1,1"}},
		{"unknown adapter", []string{"extract", "--adapter", "shapefile", "--path", stack, "--point", "1,1"}},
		{"unknown model", []string{"fit", "--path", stack, "--point", "1015,1995", "--model", "spline"}},
		{"zero evaluations", []string{"fit", "--path", stack, "--point", "1015,1995", "--max-evaluations", "0"}},
		{"raster polygon", []string{"fit", "--path", stack, "--polygon", "0,0;1,0;1,1"}},
		{"outside extent", []string{"velocity", "--path", stack, "--point", "5,5"}},
		{"extra args", []string{"extract", "stray", "--path", stack, "--point", "1015,1995"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestParsePolygon(t *testing.T) {
	ring, err := parsePolygon(" 0,0; 10,0 ;10,10;")
	require.NoError(t, err)
	assert.Equal(t, []raster.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}, ring)
}
