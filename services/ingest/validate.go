package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ransomeye/pkg/envelope"
)

// Error codes returned to producers.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeSchemaViolation    = "SCHEMA_VIOLATION"
	CodeIntegrityViolation = "INTEGRITY_VIOLATION"
	CodeTimestampFuture    = "TIMESTAMP_FUTURE_BEYOND_TOLERANCE"
	CodeTimestampTooOld    = "TIMESTAMP_TOO_OLD"
	CodeTimestampParse     = "TIMESTAMP_PARSE_ERROR"
	CodeDuplicateEventID   = "DUPLICATE_EVENT_ID"
	CodeInternal           = "INTERNAL_ERROR"
)

const (
	// FutureTolerance is how far observed_at may lead the receiver clock.
	FutureTolerance = 5 * time.Second
	// MaxEventAge is the oldest observed_at accepted.
	MaxEventAge = 30 * 24 * time.Hour
	// LateArrivalThreshold flags events delivered long after observation.
	LateArrivalThreshold = time.Hour
)

// Rejection is a client-visible validation failure.
type Rejection struct {
	HTTPStatus int            `json:"-"`
	Status     string         `json:"-"`
	Code       string         `json:"error_code"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"validation_details,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return r.Code
	}
	return r.Code + ": " + r.Message
}

// Arrival describes when an envelope reached the receiver relative to its
// observation time.
type Arrival struct {
	ReceivedAt            time.Time
	LateArrival           bool
	ArrivalLatencySeconds *int64
}

// CheckTimestamps compares observed_at with the receipt time.
func CheckTimestamps(env *envelope.Envelope, receivedAt time.Time) (Arrival, *Rejection) {
	receivedAt = receivedAt.UTC()
	observed, err := time.Parse(time.RFC3339Nano, env.ObservedAt)
	if err != nil {
		return Arrival{}, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusTimestampFailed,
			Code:       CodeTimestampParse,
			Message:    err.Error(),
		}
	}

	lag := receivedAt.Sub(observed)
	if lag < -FutureTolerance {
		return Arrival{}, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusTimestampFailed,
			Code:       CodeTimestampFuture,
			Details: map[string]any{
				"observed_at":       env.ObservedAt,
				"received_at":       receivedAt.Format(time.RFC3339Nano),
				"time_diff_seconds": lag.Seconds(),
				"max_tolerance":     -FutureTolerance.Seconds(),
			},
		}
	}
	if lag > MaxEventAge {
		return Arrival{}, &Rejection{
			HTTPStatus: http.StatusBadRequest,
			Status:     StatusTimestampFailed,
			Code:       CodeTimestampTooOld,
			Details: map[string]any{
				"observed_at":    env.ObservedAt,
				"received_at":    receivedAt.Format(time.RFC3339Nano),
				"time_diff_days": lag.Hours() / 24,
				"max_days":       MaxEventAge.Hours() / 24,
			},
		}
	}

	arrival := Arrival{ReceivedAt: receivedAt}
	if lag > LateArrivalThreshold {
		latency := int64(lag / time.Second)
		arrival.LateArrival = true
		arrival.ArrivalLatencySeconds = &latency
	}
	return arrival, nil
}

// ChainError reports an envelope that does not extend its component
// instance's stored chain.
type ChainError struct {
	ComponentInstanceID string
	Sequence            uint64
	Reason              string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hash chain continuity violation for %s at sequence %d: %s",
		e.ComponentInstanceID, e.Sequence, e.Reason)
}

// CheckChain verifies that env is the next link for its component instance.
// Sequence 0 starts a chain and must carry a null previous digest. Any later
// sequence must name the stored digest of sequence-1. Replays and regressions
// are rejected.
func CheckChain(ctx context.Context, chain ChainReader, env *envelope.Envelope) error {
	instance := env.ComponentInstanceID
	fail := func(format string, args ...any) error {
		return &ChainError{ComponentInstanceID: instance, Sequence: env.Sequence, Reason: fmt.Sprintf(format, args...)}
	}

	last, seen, err := chain.LastSequence(ctx, instance)
	if err != nil {
		return fmt.Errorf("load last sequence: %w", err)
	}
	if seen && env.Sequence <= last {
		return fail("sequence does not advance past stored sequence %d", last)
	}

	prev := env.Integrity.PrevHashSHA256
	if env.Sequence == 0 {
		if prev != nil {
			return fail("first event must have null prev_hash_sha256, found %s", *prev)
		}
		return nil
	}
	if prev == nil {
		return fail("prev_hash_sha256 must be set for sequence > 0")
	}

	stored, err := chain.HashAt(ctx, instance, env.Sequence-1)
	if errors.Is(err, ErrNotFound) {
		return fail("previous event (sequence %d) not found", env.Sequence-1)
	}
	if err != nil {
		return fmt.Errorf("load previous hash: %w", err)
	}
	if stored != *prev {
		return fail("prev_hash_sha256 %s does not match stored hash %s", *prev, stored)
	}
	return nil
}
