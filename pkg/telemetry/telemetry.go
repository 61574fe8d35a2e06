package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the service identity and sinks for telemetry.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector. Tracing spans are dropped when empty.
	Endpoint string
	// Output receives JSON log lines. Defaults to os.Stdout.
	Output io.Writer
}

// Telemetry bundles the tracer provider and structured logger of a process.
type Telemetry struct {
	Logger *log.Logger

	service  string
	provider *sdktrace.TracerProvider
	logs     *jsonLogWriter
}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logWriter := newJSONLogWriter(cfg.ServiceName, cfg.Output)

	return &Telemetry{
		Logger:   log.New(logWriter, "", 0),
		service:  cfg.ServiceName,
		provider: tracerProvider,
		logs:     logWriter,
	}, nil
}

// Tracer returns a tracer scoped to the service.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.provider == nil {
		return otel.Tracer("ransomeye")
	}
	return t.provider.Tracer(t.service)
}

// Transport instruments base so outgoing requests carry trace context.
func (t *Telemetry) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// Middleware wraps next with tracing and one access log line per request.
func (t *Telemetry) Middleware(next http.Handler) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		entry := logEntry{
			Level:      "INFO",
			Message:    "request served",
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     recorder.status,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if spanCtx := trace.SpanFromContext(r.Context()).SpanContext(); spanCtx.IsValid() {
			entry.TraceID = spanCtx.TraceID().String()
		}
		if err := t.logs.write(entry); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry: write request log: %v\n", err)
		}
	})

	return otelhttp.NewHandler(handler, t.service)
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// newTraceExporter accepts either a full collector URL or a bare host:port,
// which is dialled without TLS.
func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	if !strings.Contains(endpoint, "://") {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if u.Path == "" || u.Path == "/" {
		opts = append(opts, otlptracehttp.WithURLPath("/v1/traces"))
	}
	return otlptracehttp.New(ctx, opts...)
}

// logEntry is one JSON log line. Request fields are set only by Middleware.
type logEntry struct {
	Time       string `json:"ts"`
	Level      string `json:"level"`
	Service    string `json:"service"`
	Message    string `json:"msg"`
	TraceID    string `json:"trace_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	Status     int    `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// jsonLogWriter turns "LEVEL message" lines from a log.Logger into logEntry
// records.
type jsonLogWriter struct {
	mu      sync.Mutex
	service string
	out     io.Writer
	now     func() time.Time
}

func newJSONLogWriter(service string, out io.Writer) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonLogWriter{service: service, out: out, now: time.Now}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := parseLevel(string(p))
	if err := w.write(logEntry{Level: level, Message: message}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) write(entry logEntry) error {
	entry.Time = w.now().UTC().Format(time.RFC3339Nano)
	entry.Service = w.service

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// parseLevel splits a leading level word off message. Lines without one are
// logged at INFO.
func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	word, rest, _ := strings.Cut(trimmed, " ")
	switch level := strings.ToUpper(word); level {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		return level, strings.TrimSpace(rest)
	default:
		return "INFO", trimmed
	}
}
