package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/deforma/pkg/samples"
)

// HTTPAdapter calls a REST API that returns the time series of a location
// and extracts dates and values using JSON path expressions.
//
// It supports:
//   - Configurable HTTP method (GET, POST, etc.)
//   - Templated URL, body and headers with variables: {{.X}}, {{.Y}}, {{.SearchRadius}}
//   - Custom headers including authentication (Bearer tokens, API keys, etc.)
//   - JSON path extraction for dates and values using gjson syntax
//   - Flexible date parsing (YYYYMMDD, RFC3339, Unix seconds, Unix milliseconds)
//
// Example configuration for a deformation API:
//
//	adapter := &HTTPAdapter{
//	    URL: "https://api.example.com/points?x={{.X}}&y={{.Y}}",
//	    Headers: map[string]string{
//	        "Authorization": "Bearer {{.Token}}",
//	    },
//	    ValuePath: "series.#.displacement",
//	    DatePath: "series.#.date",
//	    DateFormat: "yyyymmdd",
//	    VelocityPath: "velocity",
//	}
//
// Only point mode is supported.
type HTTPAdapter struct {
	// URL is the endpoint to call (required). Supports template variables.
	URL string

	// Method is the HTTP method (GET, POST, etc.). Defaults to GET if empty.
	Method string

	// Headers are custom HTTP headers to include in the request.
	// Values can use template variables like {{.Token}}.
	Headers map[string]string

	// Body is the request body template (for POST/PUT). Supports variables:
	//   {{.X}}, {{.Y}}     - the selected point
	//   {{.SearchRadius}}  - the selector's search radius
	Body string

	// ValuePath is the gjson path to the sample values.
	// Use "#" for arrays, e.g. "data.#.value" extracts all values from data array.
	ValuePath string

	// DatePath is the gjson path to the sample dates.
	// Must return the same number of elements as ValuePath.
	DatePath string

	// DateFormat specifies how to parse dates:
	//   "rfc3339"    - RFC3339 strings (default)
	//   "yyyymmdd"   - 8-digit date tokens, optionally D-prefixed
	//   "unix"       - Unix seconds (float or int)
	//   "unix_milli" - Unix milliseconds (float or int)
	DateFormat string

	// VelocityPath optionally points at a stored mean velocity.
	VelocityPath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// TemplateVars are custom variables available in URL, Body and Headers
	// templates. Use this to pass tokens, API keys, etc.
	TemplateVars map[string]string
}

func (h *HTTPAdapter) Name() string { return "http" }

// Close implements Adapter. The adapter holds no resources.
func (h *HTTPAdapter) Close() error { return nil }

// Extract implements Adapter. It calls the configured HTTP endpoint and
// extracts the dated series using the configured JSON paths. Entries whose
// value is null or not a number are skipped.
func (h *HTTPAdapter) Extract(ctx context.Context, sel Selector) (*Result, error) {
	if err := h.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http adapter: %w", err)
	}
	if sel.Mode != "" && sel.Mode != ModePoint {
		return nil, fmt.Errorf("http adapter: %w: %s", ErrUnsupportedMode, sel.Mode)
	}

	templateData := map[string]any{
		"X":            strconv.FormatFloat(sel.Point.X, 'f', -1, 64),
		"Y":            strconv.FormatFloat(sel.Point.Y, 'f', -1, 64),
		"SearchRadius": strconv.FormatFloat(sel.SearchRadius, 'f', -1, 64),
	}
	for k, v := range h.TemplateVars {
		templateData[k] = v
	}

	url, err := renderTemplate(h.URL, templateData)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		renderedBody, err := renderTemplate(h.Body, templateData)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = bytes.NewBufferString(renderedBody)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, templateData)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("http status 404: %w", ErrNoFeature)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	values := gjson.GetBytes(respBody, h.ValuePath)
	dates := gjson.GetBytes(respBody, h.DatePath)

	if !values.Exists() {
		return nil, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	if !dates.Exists() {
		return nil, fmt.Errorf("date path %q not found in response", h.DatePath)
	}

	valArray := values.Array()
	dateArray := dates.Array()

	if len(valArray) != len(dateArray) {
		return nil, fmt.Errorf("value count (%d) != date count (%d)", len(valArray), len(dateArray))
	}

	ds := make([]time.Time, 0, len(valArray))
	vs := make([]float64, 0, len(valArray))
	for i := range valArray {
		if valArray[i].Type != gjson.Number {
			continue
		}

		d, err := h.parseDate(dateArray[i])
		if err != nil {
			return nil, fmt.Errorf("parse date[%d]: %w", i, err)
		}

		ds = append(ds, d)
		vs = append(vs, valArray[i].Float())
	}

	res := &Result{Samples: samples.New(ds, vs), FeatureCount: 1}
	if h.VelocityPath != "" {
		if v := gjson.GetBytes(respBody, h.VelocityPath); v.Type == gjson.Number && !math.IsNaN(v.Float()) {
			vel := v.Float()
			res.Velocity = &vel
		}
	}
	return res, nil
}

// parseDate parses a date according to the configured format
func (h *HTTPAdapter) parseDate(value gjson.Result) (time.Time, error) {
	format := h.DateFormat
	if format == "" {
		format = "rfc3339"
	}

	switch format {
	case "rfc3339":
		return time.Parse(time.RFC3339, value.String())

	case "yyyymmdd":
		return samples.ParseBandLabel(value.String())

	case "unix":
		// Unix seconds (supports both int and float)
		sec := value.Float()
		return time.Unix(int64(sec), 0).UTC(), nil

	case "unix_milli":
		ms := value.Float()
		return time.UnixMilli(int64(ms)).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unsupported date format: %s", format)
	}
}

// renderTemplate renders a text template with the given data
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// ValidateConfig checks if the adapter configuration is valid
func (h *HTTPAdapter) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.ValuePath == "" {
		return errors.New("valuePath is required")
	}
	if h.DatePath == "" {
		return errors.New("datePath is required")
	}

	validFormats := map[string]bool{
		"":           true,
		"rfc3339":    true,
		"yyyymmdd":   true,
		"unix":       true,
		"unix_milli": true,
	}
	if !validFormats[h.DateFormat] {
		return fmt.Errorf("invalid dateFormat: %s (must be rfc3339, yyyymmdd, unix, or unix_milli)", h.DateFormat)
	}

	return nil
}
