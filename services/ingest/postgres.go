package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ransomeye/pkg/db"
)

// PostgresStore keeps envelopes in the tables created by pkg/db migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

// EventExists reports whether eventID is already in raw_events.
func (s *PostgresStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := db.Get(ctx, s.pool, &exists, `SELECT EXISTS (SELECT 1 FROM raw_events WHERE event_id = $1)`, eventID)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

// Append stores rec after checking it against the stored chain. The
// component instance is locked for the duration of the transaction so
// concurrent deliveries for one chain are serialised.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	env := rec.Envelope
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	observed, err := time.Parse(time.RFC3339Nano, env.ObservedAt)
	if err != nil {
		return fmt.Errorf("parse observed_at: %w", err)
	}
	seq := int64(env.Sequence)

	err = db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, env.ComponentInstanceID); err != nil {
			return fmt.Errorf("lock component instance: %w", err)
		}

		if err := CheckChain(ctx, txChain{tx: tx}, env); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO machines (machine_id, first_seen_at, last_seen_at, total_event_count)
			VALUES ($1, $2, $2, 1)
			ON CONFLICT (machine_id) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at,
			    total_event_count = machines.total_event_count + 1`,
			env.MachineID, rec.IngestedAt,
		); err != nil {
			return fmt.Errorf("upsert machine: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO component_instances (
				component_instance_id, machine_id, component, first_seen_at, last_seen_at,
				last_sequence, total_event_count, last_hash_sha256
			)
			VALUES ($1, $2, $3, $4, $4, $5, 1, $6)
			ON CONFLICT (component_instance_id) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at,
			    last_sequence = EXCLUDED.last_sequence,
			    total_event_count = component_instances.total_event_count + 1,
			    last_hash_sha256 = EXCLUDED.last_hash_sha256`,
			env.ComponentInstanceID, env.MachineID, env.Component, rec.IngestedAt, seq, env.Integrity.HashSHA256,
		); err != nil {
			return fmt.Errorf("upsert component instance: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO raw_events (
				event_id, machine_id, component_instance_id, component,
				observed_at, ingested_at, sequence, payload,
				hostname, boot_id, agent_version,
				hash_sha256, prev_hash_sha256,
				validation_status, late_arrival, arrival_latency_seconds
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)`,
			env.EventID, env.MachineID, env.ComponentInstanceID, env.Component,
			observed, rec.IngestedAt, seq, string(payload),
			env.Identity.Hostname, env.Identity.BootID, env.Identity.AgentVersion,
			env.Integrity.HashSHA256, env.Integrity.PrevHashSHA256,
			StatusValid, rec.LateArrival, rec.ArrivalLatencySeconds,
		); err != nil {
			return fmt.Errorf("insert raw event: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO event_validation_log (event_id, validation_status, validation_timestamp)
			VALUES ($1, $2, NOW())`,
			env.EventID, StatusValid,
		); err != nil {
			return fmt.Errorf("insert validation log: %w", err)
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

// LogValidation records a rejection or acceptance outside of Append.
func (s *PostgresStore) LogValidation(ctx context.Context, entry ValidationEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return fmt.Errorf("marshal validation details: %w", err)
		}
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := db.Exec(ctx, s.pool, `
		INSERT INTO event_validation_log (
			event_id, validation_status, validation_timestamp,
			error_code, error_message, validation_details
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		nullString(entry.EventID), entry.Status, at,
		nullString(entry.ErrorCode), nullString(entry.Message), nullBytes(details),
	)
	if err != nil {
		return fmt.Errorf("insert validation log: %w", err)
	}
	return nil
}

type txChain struct {
	tx pgx.Tx
}

func (c txChain) HashAt(ctx context.Context, componentInstanceID string, sequence uint64) (string, error) {
	var hash string
	err := db.Get(ctx, c.tx, &hash, `
		SELECT hash_sha256 FROM raw_events
		WHERE component_instance_id = $1 AND sequence = $2`,
		componentInstanceID, int64(sequence),
	)
	if db.IsNotFound(err) {
		return "", ErrNotFound
	}
	return hash, err
}

func (c txChain) LastSequence(ctx context.Context, componentInstanceID string) (uint64, bool, error) {
	var last int64
	err := db.Get(ctx, c.tx, &last, `
		SELECT last_sequence FROM component_instances
		WHERE component_instance_id = $1`,
		componentInstanceID,
	)
	if db.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(last), true, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullBytes(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}
