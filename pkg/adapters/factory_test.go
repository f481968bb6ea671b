package adapters

import (
	"testing"
	"time"
)

func TestNew_Raster(t *testing.T) {
	adapter, err := New("raster", map[string]string{"path": "/data/stack"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ra, ok := adapter.(*RasterAdapter)
	if !ok {
		t.Fatalf("expected *RasterAdapter, got %T", adapter)
	}
	if ra.Source != "/data/stack" {
		t.Errorf("Source = %s, want /data/stack", ra.Source)
	}
	if ra.Ext != DefaultRasterExt {
		t.Errorf("Ext = %s, want %s", ra.Ext, DefaultRasterExt)
	}
	if ra.MemoryCeilingMB != DefaultMemoryCeilingMB {
		t.Errorf("MemoryCeilingMB = %d, want %d", ra.MemoryCeilingMB, DefaultMemoryCeilingMB)
	}
}

func TestNew_RasterOverrides(t *testing.T) {
	adapter, err := New("raster", map[string]string{
		"path":            "/data/stack",
		"ext":             "tiff",
		"memoryCeilingMB": "64",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ra := adapter.(*RasterAdapter)
	if ra.Ext != "tiff" {
		t.Errorf("Ext = %s, want tiff", ra.Ext)
	}
	if ra.MemoryCeilingMB != 64 {
		t.Errorf("MemoryCeilingMB = %d, want 64", ra.MemoryCeilingMB)
	}
}

func TestNew_RasterInvalidCeiling(t *testing.T) {
	for _, v := range []string{"lots", "-1"} {
		_, err := New("raster", map[string]string{"path": "/data", "memoryCeilingMB": v})
		if err == nil {
			t.Errorf("expected error for memoryCeilingMB=%q", v)
		}
	}
}

func TestNew_GeoJSON(t *testing.T) {
	adapter, err := New("geojson", map[string]string{"path": "points.geojson"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	gj, ok := adapter.(*GeoJSONAdapter)
	if !ok {
		t.Fatalf("expected *GeoJSONAdapter, got %T", adapter)
	}
	if gj.Path != "points.geojson" {
		t.Errorf("Path = %s, want points.geojson", gj.Path)
	}
}

func TestNew_GeoPackage(t *testing.T) {
	for _, kind := range []string{"geopackage", "gpkg"} {
		adapter, err := New(kind, map[string]string{"path": "ps.gpkg", "layer": "ps"})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", kind, err)
		}
		gp, ok := adapter.(*GeoPackageAdapter)
		if !ok {
			t.Fatalf("expected *GeoPackageAdapter, got %T", adapter)
		}
		if gp.Path != "ps.gpkg" || gp.Layer != "ps" {
			t.Errorf("got Path=%s Layer=%s", gp.Path, gp.Layer)
		}
	}
}

func TestNew_HTTP(t *testing.T) {
	config := map[string]string{
		"url":          "https://api.example.com/points?x={{.X}}&y={{.Y}}",
		"valuePath":    "series.#.value",
		"datePath":     "series.#.date",
		"dateFormat":   "yyyymmdd",
		"headers":      `{"Authorization": "Bearer {{.Token}}"}`,
		"templateVars": `{"Token": "secret"}`,
		"timeout":      "5s",
		"velocityPath": "velocity",
	}

	adapter, err := New("http", config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h, ok := adapter.(*HTTPAdapter)
	if !ok {
		t.Fatalf("expected *HTTPAdapter, got %T", adapter)
	}
	if h.Method != "GET" {
		t.Errorf("Method = %s, want GET", h.Method)
	}
	if h.DateFormat != "yyyymmdd" {
		t.Errorf("DateFormat = %s, want yyyymmdd", h.DateFormat)
	}
	if h.Headers["Authorization"] != "Bearer {{.Token}}" {
		t.Errorf("Headers = %v", h.Headers)
	}
	if h.TemplateVars["Token"] != "secret" {
		t.Errorf("TemplateVars = %v", h.TemplateVars)
	}
	if h.HTTPClient == nil || h.HTTPClient.Timeout != 5*time.Second {
		t.Errorf("expected a 5s client timeout, got %+v", h.HTTPClient)
	}
	if h.VelocityPath != "velocity" {
		t.Errorf("VelocityPath = %s, want velocity", h.VelocityPath)
	}
}

func TestNew_HTTPDefaults(t *testing.T) {
	adapter, err := New("http", map[string]string{
		"url":       "http://x",
		"valuePath": "v",
		"datePath":  "d",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := adapter.(*HTTPAdapter)
	if h.DateFormat != "rfc3339" {
		t.Errorf("DateFormat = %s, want rfc3339", h.DateFormat)
	}
	if h.HTTPClient != nil {
		t.Errorf("expected nil client without timeout config")
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		config map[string]string
	}{
		{"unknown kind", "shapefile", map[string]string{"path": "x"}},
		{"raster without path", "raster", map[string]string{}},
		{"geojson without path", "geojson", map[string]string{}},
		{"geopackage without path", "geopackage", map[string]string{}},
		{"http without url", "http", map[string]string{"valuePath": "v", "datePath": "d"}},
		{"http without paths", "http", map[string]string{"url": "http://x"}},
		{"http invalid headers", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "headers": "{"}},
		{"http invalid vars", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "templateVars": "["}},
		{"http invalid timeout", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "timeout": "soon"}},
		{"http invalid date format", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "dateFormat": "julian"}},
		{"http cert without key", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "tlsCertFile": "/nope/cert.pem"}},
		{"http missing ca", "http", map[string]string{"url": "http://x", "valuePath": "v", "datePath": "d", "tlsCAFile": "/nope/ca.pem"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.kind, tt.config); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
