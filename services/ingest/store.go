package ingest

import (
	"context"
	"errors"
	"time"

	"ransomeye/pkg/envelope"
)

// Validation statuses recorded in event_validation_log and raw_events.
const (
	StatusValid                  = "VALID"
	StatusDuplicateRejected      = "DUPLICATE_REJECTED"
	StatusSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	StatusTimestampFailed        = "TIMESTAMP_VALIDATION_FAILED"
	StatusIntegrityChainBroken   = "INTEGRITY_CHAIN_BROKEN"
)

// ErrDuplicateEvent is returned when an event id has already been stored.
var ErrDuplicateEvent = errors.New("event already exists")

// ErrNotFound is returned by ChainReader lookups that match no row.
var ErrNotFound = errors.New("not found")

// Record is an accepted envelope together with receipt metadata.
type Record struct {
	Envelope *envelope.Envelope
	// IngestedAt is the receiver's clock at receipt and replaces the
	// producer-supplied placeholder when stored.
	IngestedAt            time.Time
	LateArrival           bool
	ArrivalLatencySeconds *int64
}

// ValidationEntry is one row of the validation audit log.
type ValidationEntry struct {
	EventID   string
	Status    string
	ErrorCode string
	Message   string
	Details   map[string]any
	At        time.Time
}

// ChainReader exposes the stored chain state of component instances.
type ChainReader interface {
	// HashAt returns the stored digest of the event at sequence, or ErrNotFound.
	HashAt(ctx context.Context, componentInstanceID string, sequence uint64) (string, error)
	// LastSequence returns the highest stored sequence. ok is false when the
	// instance has no stored events.
	LastSequence(ctx context.Context, componentInstanceID string) (seq uint64, ok bool, err error)
}

// Store persists accepted envelopes.
type Store interface {
	// EventExists reports whether eventID has been stored.
	EventExists(ctx context.Context, eventID string) (bool, error)
	// Append checks chain continuity and stores rec atomically. It returns a
	// *ChainError when the envelope does not extend its chain and
	// ErrDuplicateEvent when the event id is already present.
	Append(ctx context.Context, rec Record) error
	// LogValidation records the outcome of validating one request.
	LogValidation(ctx context.Context, entry ValidationEntry) error
	Ping(ctx context.Context) error
}
