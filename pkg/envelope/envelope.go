// Package envelope defines the canonical event envelope emitted by RansomEye
// components and the integrity rules that make it tamper-evident.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Component identifies envelopes produced by the Linux agent.
	Component = "linux_agent"

	// HashLength is the length of a hex encoded SHA-256 digest.
	HashLength = 64

	// MaxSequence is the largest sequence whose canonical number form is exact.
	MaxSequence uint64 = 1<<53 - 1
)

var (
	ErrDigestLength = errors.New("envelope: digest is not 64 hex characters")
	ErrHashMismatch = errors.New("envelope: hash_sha256 does not match canonical digest")
	ErrChainLink    = errors.New("envelope: prev_hash_sha256 must be null if and only if sequence is 0")
)

// Envelope is the wire representation of a single observed event.
type Envelope struct {
	EventID             string         `json:"event_id" yaml:"event_id"`
	MachineID           string         `json:"machine_id" yaml:"machine_id"`
	Component           string         `json:"component" yaml:"component"`
	ComponentInstanceID string         `json:"component_instance_id" yaml:"component_instance_id"`
	ObservedAt          string         `json:"observed_at" yaml:"observed_at"`
	IngestedAt          string         `json:"ingested_at" yaml:"ingested_at"`
	Sequence            uint64         `json:"sequence" yaml:"sequence"`
	Payload             map[string]any `json:"payload" yaml:"payload"`
	Identity            Identity       `json:"identity" yaml:"identity"`
	Integrity           Integrity      `json:"integrity" yaml:"integrity"`
}

// Identity describes the producing host and agent build.
type Identity struct {
	Hostname     string `json:"hostname" yaml:"hostname"`
	BootID       string `json:"boot_id" yaml:"boot_id"`
	AgentVersion string `json:"agent_version" yaml:"agent_version"`
}

// Integrity carries the self hash and the link to the previous envelope.
// PrevHashSHA256 is nil for a genesis envelope.
type Integrity struct {
	HashSHA256     string  `json:"hash_sha256" yaml:"hash_sha256"`
	PrevHashSHA256 *string `json:"prev_hash_sha256" yaml:"prev_hash_sha256"`
}

// Host is the machine-level identity resolved from the local system.
type Host struct {
	MachineID string
	Hostname  string
	BootID    string
}

// Producer is the deployment-level identity of the emitting component.
type Producer struct {
	ComponentInstanceID string
	AgentVersion        string
}

// DefaultPayload returns the placeholder payload emitted until a sensing
// subsystem supplies real observations.
func DefaultPayload() map[string]any {
	return map[string]any{"phase": "minimal"}
}

// IsGenesis reports whether e starts a chain.
func (e *Envelope) IsGenesis() bool {
	return e != nil && e.Sequence == 0 && e.Integrity.PrevHashSHA256 == nil
}

// Clone returns a deep copy so hashing never observes caller mutations.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = clonePayload(e.Payload)
	if e.Integrity.PrevHashSHA256 != nil {
		prev := *e.Integrity.PrevHashSHA256
		out.Integrity.PrevHashSHA256 = &prev
	}
	return &out
}

// Validate checks the structural invariants of e. A blank hash is allowed so
// that unsealed envelopes can be checked before Seal.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope: nil envelope")
	}

	required := []struct {
		name  string
		value string
	}{
		{"event_id", e.EventID},
		{"machine_id", e.MachineID},
		{"component_instance_id", e.ComponentInstanceID},
		{"identity.hostname", e.Identity.Hostname},
		{"identity.boot_id", e.Identity.BootID},
		{"identity.agent_version", e.Identity.AgentVersion},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("envelope: %s is required", field.name)
		}
	}

	if e.Component != Component {
		return fmt.Errorf("envelope: component must be %q, got %q", Component, e.Component)
	}
	if err := checkTimestamp("observed_at", e.ObservedAt); err != nil {
		return err
	}
	if err := checkTimestamp("ingested_at", e.IngestedAt); err != nil {
		return err
	}
	if e.Payload == nil {
		return errors.New("envelope: payload must be an object")
	}
	if e.Sequence > MaxSequence {
		return fmt.Errorf("envelope: sequence %d exceeds %d", e.Sequence, MaxSequence)
	}

	prev := e.Integrity.PrevHashSHA256
	if (e.Sequence == 0) != (prev == nil) {
		return fmt.Errorf("%w (sequence=%d)", ErrChainLink, e.Sequence)
	}
	if prev != nil && !IsDigest(*prev) {
		return fmt.Errorf("envelope: prev_hash_sha256: %w", ErrDigestLength)
	}
	if h := e.Integrity.HashSHA256; h != "" && !IsDigest(h) {
		return fmt.Errorf("envelope: hash_sha256: %w", ErrDigestLength)
	}
	return nil
}

// Decode parses raw into an Envelope, rejecting unknown fields.
func Decode(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode envelope: trailing data after envelope")
	}
	return &env, nil
}

// IsDigest reports whether s is a 64 character lowercase hex string.
func IsDigest(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func checkTimestamp(name, value string) error {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return fmt.Errorf("envelope: %s is not RFC3339: %w", name, err)
	}
	if _, offset := ts.Zone(); offset != 0 {
		return fmt.Errorf("envelope: %s must be UTC, got offset %ds", name, offset)
	}
	return nil
}

func clonePayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
