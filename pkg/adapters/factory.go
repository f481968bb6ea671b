package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/HatiCode/deforma/pkg/httpx"
	deformatls "github.com/HatiCode/deforma/pkg/tls"
)

// New creates an adapter based on kind and generic configuration map.
// This is the central extension point for adding new adapter types.
//
// Supported kinds:
//   - "raster": per-epoch raster stack (path, ext, memoryCeilingMB)
//   - "geojson": GeoJSON point features (path)
//   - "geopackage": GeoPackage point layer (path, layer)
//   - "http": Generic HTTP adapter (url, method, body, headers, valuePath,
//     datePath, dateFormat, velocityPath, timeout, tlsCertFile, tlsKeyFile,
//     tlsCAFile)
//
// Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string) (Adapter, error) {
	switch kind {
	case "raster":
		return newRaster(config)
	case "geojson":
		return newGeoJSON(config)
	case "geopackage", "gpkg":
		return newGeoPackage(config)
	case "http":
		return newHTTP(config)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be raster, geojson, geopackage, or http)", kind)
	}
}

// newRaster creates a raster adapter from generic config.
func newRaster(config map[string]string) (Adapter, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("raster adapter requires 'path' config")
	}

	ext := config["ext"]
	if ext == "" {
		ext = DefaultRasterExt
	}

	ceiling := DefaultMemoryCeilingMB
	if v := config["memoryCeilingMB"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid 'memoryCeilingMB': %q", v)
		}
		ceiling = n
	}

	return &RasterAdapter{
		Source:          path,
		Ext:             ext,
		MemoryCeilingMB: ceiling,
	}, nil
}

// newGeoJSON creates a GeoJSON adapter from generic config.
func newGeoJSON(config map[string]string) (Adapter, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("geojson adapter requires 'path' config")
	}
	return &GeoJSONAdapter{Path: path}, nil
}

// newGeoPackage creates a GeoPackage adapter from generic config.
func newGeoPackage(config map[string]string) (Adapter, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("geopackage adapter requires 'path' config")
	}
	return &GeoPackageAdapter{Path: path, Layer: config["layer"]}, nil
}

// newHTTP creates a generic HTTP adapter from generic config.
func newHTTP(config map[string]string) (Adapter, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http adapter requires 'url' config")
	}

	valuePath := config["valuePath"]
	datePath := config["datePath"]
	if valuePath == "" || datePath == "" {
		return nil, fmt.Errorf("http adapter requires 'valuePath' and 'datePath' config")
	}

	method := config["method"]
	if method == "" {
		method = "GET"
	}

	dateFormat := config["dateFormat"]
	if dateFormat == "" {
		dateFormat = "rfc3339"
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var templateVars map[string]string
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &templateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	var client *http.Client
	timeout := 30 * time.Second
	if v := config["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'timeout': %w", err)
		}
		timeout = d
	}
	tlsCfg := deformatls.Config{
		CertFile: config["tlsCertFile"],
		KeyFile:  config["tlsKeyFile"],
		CAFile:   config["tlsCAFile"],
	}
	tlsCfg.Enabled = tlsCfg.CertFile != "" || tlsCfg.CAFile != ""
	if config["timeout"] != "" || tlsCfg.Enabled {
		c, err := httpx.NewClient(tlsCfg, timeout)
		if err != nil {
			return nil, fmt.Errorf("http adapter client: %w", err)
		}
		client = c
	}

	a := &HTTPAdapter{
		URL:          url,
		Method:       method,
		Headers:      headers,
		Body:         config["body"],
		ValuePath:    valuePath,
		DatePath:     datePath,
		DateFormat:   dateFormat,
		VelocityPath: config["velocityPath"],
		HTTPClient:   client,
		TemplateVars: templateVars,
	}
	if err := a.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http adapter: %w", err)
	}
	return a, nil
}
