package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Builder assembles envelopes from resolved identity and configuration.
type Builder struct {
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the clock used for observed_at.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDSource overrides the event id generator.
func WithIDSource(fn func() (uuid.UUID, error)) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// NewBuilder returns a Builder using the wall clock and random v4 UUIDs.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: uuid.NewRandom,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns a fully populated genesis envelope whose hash_sha256 is still
// the empty placeholder. Callers must Seal it before transmission.
func (b *Builder) Build(host Host, producer Producer, payload map[string]any) (*Envelope, error) {
	if b == nil {
		return nil, errors.New("nil builder")
	}
	if err := checkInputs(host, producer); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = DefaultPayload()
	}

	id, err := b.newID()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	observedAt := b.now().UTC().Format(time.RFC3339Nano)

	return &Envelope{
		EventID:             id.String(),
		MachineID:           host.MachineID,
		Component:           Component,
		ComponentInstanceID: producer.ComponentInstanceID,
		ObservedAt:          observedAt,
		IngestedAt:          observedAt,
		Sequence:            0,
		Payload:             clonePayload(payload),
		Identity: Identity{
			Hostname:     host.Hostname,
			BootID:       host.BootID,
			AgentVersion: producer.AgentVersion,
		},
		Integrity: Integrity{
			HashSHA256:     "",
			PrevHashSHA256: nil,
		},
	}, nil
}

// Forge builds and seals a genesis envelope.
func (b *Builder) Forge(host Host, producer Producer, payload map[string]any) (*Envelope, error) {
	env, err := b.Build(host, producer, payload)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := Seal(env); err != nil {
		return nil, fmt.Errorf("seal envelope %s: %w", env.EventID, err)
	}
	return env, nil
}

func checkInputs(host Host, producer Producer) error {
	fields := []struct {
		name  string
		value string
	}{
		{"machine id", host.MachineID},
		{"hostname", host.Hostname},
		{"boot id", host.BootID},
		{"component instance id", producer.ComponentInstanceID},
		{"agent version", producer.AgentVersion},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("build envelope: %s is empty", f.name)
		}
	}
	return nil
}
