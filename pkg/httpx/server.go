// Package httpx holds the HTTP plumbing shared by the probe service and the
// HTTP adapter: a server with graceful shutdown, JSON helpers, middleware and
// a TLS-aware client.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	deformatls "github.com/HatiCode/deforma/pkg/tls"
)

// Server is the probe listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer returns a server for handler on addr. Fits over large raster
// stacks can take a while, so writes get a generous deadline.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      2 * time.Minute,
			IdleTimeout:       90 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
}

// Serve blocks until Stop. A nil tlsConfig serves plain HTTP; otherwise the
// certificates carried by tlsConfig are used.
func (s *Server) Serve(tlsConfig *tls.Config) error {
	var err error
	if tlsConfig == nil {
		s.logger.Info("serving", "addr", s.srv.Addr, "scheme", "http")
		err = s.srv.ListenAndServe()
	} else {
		s.srv.TLSConfig = tlsConfig
		s.logger.Info("serving", "addr", s.srv.Addr, "scheme", "https",
			"client_auth", tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert)
		err = s.srv.ListenAndServeTLS("", "")
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
}

// Stop drains in-flight requests for at most timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// MaxBodyBytes bounds request bodies read by DecodeJSON.
const MaxBodyBytes = 1 << 20

// DecodeJSON decodes a request body into v, rejecting unknown fields,
// trailing data and bodies over MaxBodyBytes.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// ErrorResponse is the body of every error reply: {"error":"<msg>"}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON encodes v before touching w, so an unencodable value (a NaN in a
// fit result, say) becomes a plain 500 instead of a truncated body.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return fmt.Errorf("encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteError writes err as an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes message as an ErrorResponse.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	if err := WriteJSON(w, status, ErrorResponse{Error: message}); err != nil {
		slog.Error("failed to write error response", "status", status, "error", err)
	}
}

// HealthStatus is the body of a health reply.
type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandlerWithCheck answers 200 {"status":"ok"} while check passes and
// 503 {"status":"unavailable"} with the check error otherwise. check runs
// under the request context bounded by timeout.
func HealthHandlerWithCheck(check func(ctx context.Context) error, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			_ = WriteJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "unavailable", Error: err.Error()})
			return
		}
		_ = WriteJSON(w, http.StatusOK, HealthStatus{Status: "ok"})
	}
}

// statusRecorder remembers what a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wrote {
		rw.status, rw.wrote = code, true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wrote {
		rw.status, rw.wrote = http.StatusOK, true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// LoggingMiddleware logs one line per request. 5xx replies are logged at
// warn level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500. Nothing is written
// when the handler had already started its reply.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.Error("panic recovered", "panic", v, "method", r.Method, "path", r.URL.Path)
				if rec, ok := w.(*statusRecorder); ok && rec.wrote {
					return
				}
				WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewClient returns a client for outbound source requests. When tlsCfg is
// enabled the client presents its certificate and trusts tlsCfg.CAFile.
func NewClient(tlsCfg deformatls.Config, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.TLSHandshakeTimeout = 5 * time.Second

	if tlsCfg.Enabled {
		cfg, err := deformatls.NewClientTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("client tls: %w", err)
		}
		transport.TLSClientConfig = cfg
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
