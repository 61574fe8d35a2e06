package linux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ransomeye/pkg/envelope"
)

// Agent forges a single genesis envelope and delivers it to the ingest service.
type Agent struct {
	config      Config
	host        HostSource
	builder     *envelope.Builder
	payload     map[string]any
	transmitter *Transmitter
	logger      *log.Logger
	tracer      trace.Tracer
}

// Option customises an Agent.
type Option func(*options)

type options struct {
	host      HostSource
	builder   *envelope.Builder
	payload   map[string]any
	transport http.RoundTripper
	logger    *log.Logger
	tracer    trace.Tracer
}

// WithHostSource overrides where host identity is read from.
func WithHostSource(src HostSource) Option { return func(o *options) { o.host = src } }

// WithBuilder overrides the envelope builder.
func WithBuilder(b *envelope.Builder) Option { return func(o *options) { o.builder = b } }

// WithPayload replaces the placeholder payload.
func WithPayload(p map[string]any) Option { return func(o *options) { o.payload = p } }

// WithTransport sets the HTTP transport used for delivery.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// New returns an Agent for cfg. The configuration must come from LoadConfig.
func New(cfg Config, opts ...Option) (*Agent, error) {
	o := options{
		host:   SystemHost{},
		logger: log.New(io.Discard, "", 0),
		tracer: otel.Tracer("ransomeye/agent"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.builder == nil {
		o.builder = envelope.NewBuilder()
	}

	transmitter, err := NewTransmitter(cfg.IngestURL, cfg.IngestTimeout, o.transport, o.logger)
	if err != nil {
		return nil, &RunError{Stage: StageConfig, Err: fmt.Errorf("create transmitter: %w", err)}
	}

	return &Agent{
		config:      cfg,
		host:        o.host,
		builder:     o.builder,
		payload:     o.payload,
		transmitter: transmitter,
		logger:      o.logger,
		tracer:      o.tracer,
	}, nil
}

// Forge resolves identity and returns a sealed, schema-valid genesis envelope.
// No network activity happens here.
func (a *Agent) Forge(ctx context.Context) (*envelope.Envelope, error) {
	_, span := a.tracer.Start(ctx, "envelope.forge")
	defer span.End()

	host, err := ResolveIdentity(a.host)
	if err != nil {
		span.SetStatus(codes.Error, "identity")
		return nil, &RunError{Stage: StageIdentity, Err: err}
	}

	env, err := a.builder.Forge(host, envelope.Producer{
		ComponentInstanceID: a.config.ComponentInstanceID,
		AgentVersion:        a.config.AgentVersion,
	}, a.payload)
	if err != nil {
		span.SetStatus(codes.Error, "construct")
		return nil, &RunError{Stage: StageConstruct, Err: err}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, &RunError{Stage: StageConstruct, EventID: env.EventID, Err: fmt.Errorf("marshal envelope: %w", err)}
	}
	if err := envelope.ValidateSchema(raw); err != nil {
		span.SetStatus(codes.Error, "schema")
		return nil, &RunError{Stage: StageConstruct, EventID: env.EventID, Err: err}
	}

	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.hash_sha256", env.Integrity.HashSHA256),
	)
	a.logger.Printf("INFO forged event %s hash=%s", env.EventID, env.Integrity.HashSHA256)
	return env, nil
}

// Run forges one envelope and attempts delivery once. The envelope is
// returned even when delivery fails so callers can report its identifiers.
func (a *Agent) Run(ctx context.Context) (*envelope.Envelope, error) {
	ctx, span := a.tracer.Start(ctx, "agent.run")
	defer span.End()

	env, err := a.Forge(ctx)
	if err != nil {
		return nil, err
	}

	sendCtx, sendSpan := a.tracer.Start(ctx, "transmit",
		trace.WithAttributes(attribute.String("event.id", env.EventID)))
	err = a.transmitter.Send(sendCtx, env)
	sendSpan.End()

	if err != nil {
		span.SetStatus(codes.Error, "transmit")
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			span.SetAttributes(attribute.Int("http.response.status_code", statusErr.StatusCode))
		}
		return env, &RunError{Stage: StageTransmit, EventID: env.EventID, Err: err}
	}

	a.logger.Printf("INFO event transmission successful: %s", env.EventID)
	return env, nil
}
