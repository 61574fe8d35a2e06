package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ransomeye/pkg/envelope"
)

// IngestedSubject carries one message per accepted envelope.
const IngestedSubject = "ransomeye.events.ingested"

const defaultMaxBodyBytes = 1 << 20

// Publisher announces accepted envelopes. pkg/bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// IngestedEvent is the message published for an accepted envelope.
type IngestedEvent struct {
	EventID             string    `json:"event_id"`
	MachineID           string    `json:"machine_id"`
	Component           string    `json:"component"`
	ComponentInstanceID string    `json:"component_instance_id"`
	Sequence            uint64    `json:"sequence"`
	HashSHA256          string    `json:"hash_sha256"`
	IngestedAt          time.Time `json:"ingested_at"`
	LateArrival         bool      `json:"late_arrival"`
}

// Options wires the receiver's dependencies. Store is required; everything
// else is optional.
type Options struct {
	Store     Store
	Publisher Publisher
	Archiver  Archiver
	// Registry receives the receiver metrics and backs /metrics. A private
	// registry is created when nil.
	Registry       *prometheus.Registry
	Logger         *log.Logger
	Now            func() time.Time
	MaxBodyBytes   int64
	RateLimit      int
	RequestTimeout time.Duration
}

// Server validates, stores and fans out envelopes posted by agents.
type Server struct {
	store          Store
	publisher      Publisher
	archiver       Archiver
	registry       *prometheus.Registry
	metrics        *Metrics
	logger         *log.Logger
	now            func() time.Time
	maxBodyBytes   int64
	rateLimit      int
	requestTimeout time.Duration
}

// NewServer returns a Server for opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	return &Server{
		store:          opts.Store,
		publisher:      opts.Publisher,
		archiver:       opts.Archiver,
		registry:       opts.Registry,
		metrics:        NewMetrics(opts.Registry),
		logger:         opts.Logger,
		now:            opts.Now,
		maxBodyBytes:   opts.MaxBodyBytes,
		rateLimit:      opts.RateLimit,
		requestTimeout: opts.RequestTimeout,
	}, nil
}

// Routes builds the chi router for the receiver.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
		}
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Post("/events", s.handleEvent)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Printf("ERROR health check failed: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "component": "ingest"})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(ctx, w, "", &Rejection{HTTPStatus: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge})
			return
		}
		s.reject(ctx, w, "", &Rejection{HTTPStatus: http.StatusBadRequest, Code: CodeInvalidJSON})
		return
	}

	env, rej := s.validate(raw)
	if rej != nil {
		eventID := ""
		if env != nil {
			eventID = env.EventID
		}
		s.reject(ctx, w, eventID, rej)
		return
	}

	arrival, rej := CheckTimestamps(env, s.now())
	if rej != nil {
		s.reject(ctx, w, env.EventID, rej)
		return
	}

	exists, err := s.store.EventExists(ctx, env.EventID)
	if err != nil {
		s.fail(w, env.EventID, err)
		return
	}
	if exists {
		s.reject(ctx, w, env.EventID, duplicateRejection())
		return
	}

	start := time.Now()
	err = s.store.Append(ctx, Record{
		Envelope:              env,
		IngestedAt:            arrival.ReceivedAt,
		LateArrival:           arrival.LateArrival,
		ArrivalLatencySeconds: arrival.ArrivalLatencySeconds,
	})
	s.metrics.ObserveStore(start)

	var chainErr *ChainError
	switch {
	case errors.As(err, &chainErr):
		s.logger.Printf("ERROR %v (event %s)", chainErr, env.EventID)
		s.reject(ctx, w, env.EventID, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusIntegrityChainBroken,
			Code:       CodeIntegrityViolation,
			Message:    chainErr.Error(),
		})
		return
	case errors.Is(err, ErrDuplicateEvent):
		s.reject(ctx, w, env.EventID, duplicateRejection())
		return
	case err != nil:
		s.fail(w, env.EventID, err)
		return
	}

	s.metrics.Accepted.Inc()
	if arrival.LateArrival {
		s.metrics.LateArrivals.Inc()
	}
	s.fanOut(ctx, env, raw, arrival)

	s.logger.Printf("INFO event ingested: %s component=%s sequence=%d", env.EventID, env.Component, env.Sequence)
	respondJSON(w, http.StatusCreated, map[string]string{"event_id": env.EventID, "status": "accepted"})
}

// validate runs the checks that need nothing but the request body. The
// decoded envelope is returned alongside a rejection once it is known.
func (s *Server) validate(raw []byte) (*envelope.Envelope, *Rejection) {
	if !json.Valid(raw) {
		return nil, &Rejection{HTTPStatus: http.StatusBadRequest, Code: CodeInvalidJSON}
	}

	if err := envelope.ValidateSchema(raw); err != nil {
		var schemaErr *envelope.SchemaError
		if !errors.As(err, &schemaErr) {
			return nil, &Rejection{HTTPStatus: http.StatusBadRequest, Code: CodeInvalidJSON}
		}
		return nil, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusSchemaValidationFailed,
			Code:       CodeSchemaViolation,
			Details: map[string]any{
				"field_path":    schemaErr.Path,
				"error_message": schemaErr.Message,
			},
		}
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusSchemaValidationFailed,
			Code:       CodeSchemaViolation,
			Message:    err.Error(),
		}
	}
	if err := env.Validate(); err != nil {
		return env, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusSchemaValidationFailed,
			Code:       CodeSchemaViolation,
			Message:    err.Error(),
		}
	}

	if err := envelope.Verify(env); err != nil {
		return env, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusIntegrityChainBroken,
			Code:       CodeIntegrityViolation,
			Message:    "hash mismatch",
		}
	}
	return env, nil
}

func (s *Server) fanOut(ctx context.Context, env *envelope.Envelope, raw []byte, arrival Arrival) {
	if s.publisher != nil {
		msg := IngestedEvent{
			EventID:             env.EventID,
			MachineID:           env.MachineID,
			Component:           env.Component,
			ComponentInstanceID: env.ComponentInstanceID,
			Sequence:            env.Sequence,
			HashSHA256:          env.Integrity.HashSHA256,
			IngestedAt:          arrival.ReceivedAt,
			LateArrival:         arrival.LateArrival,
		}
		if err := s.publisher.Publish(ctx, IngestedSubject, env.EventID, msg); err != nil {
			s.metrics.SideEffects.WithLabelValues("publish").Inc()
			s.logger.Printf("WARN publish event %s: %v", env.EventID, err)
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, env, raw); err != nil {
			s.metrics.SideEffects.WithLabelValues("archive").Inc()
			s.logger.Printf("WARN archive event %s: %v", env.EventID, err)
		}
	}
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, eventID string, rej *Rejection) {
	s.metrics.Reject(rej.Code)
	s.logger.Printf("WARN rejected event %q: %v", eventID, rej)

	if rej.Status != "" {
		entry := ValidationEntry{
			EventID:   eventID,
			Status:    rej.Status,
			ErrorCode: rej.Code,
			Message:   rej.Message,
			Details:   rej.Details,
			At:        s.now().UTC(),
		}
		if err := s.store.LogValidation(ctx, entry); err != nil {
			s.logger.Printf("ERROR record validation failure for %q: %v", eventID, err)
		}
	}

	respondJSON(w, rej.HTTPStatus, rej)
}

func (s *Server) fail(w http.ResponseWriter, eventID string, err error) {
	s.metrics.Reject(CodeInternal)
	s.logger.Printf("ERROR failed to ingest event %q: %v", eventID, err)
	respondJSON(w, http.StatusInternalServerError, &Rejection{Code: CodeInternal})
}

func duplicateRejection() *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusConflict,
		Status:     StatusDuplicateRejected,
		Code:       CodeDuplicateEventID,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
