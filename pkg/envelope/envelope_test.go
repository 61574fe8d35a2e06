package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	fixedTime = time.Date(2026, time.March, 14, 9, 26, 53, 589793000, time.UTC)
	fixedID   = uuid.MustParse("6f1c2a3b-4d5e-4f60-8a7b-9c0d1e2f3a4b")

	testHost = Host{
		MachineID: "sensor-01",
		Hostname:  "sensor-01",
		BootID:    "0d6f3b86-8d89-4a55-9d9b-6b8f1c1a3e51",
	}
	testProducer = Producer{
		ComponentInstanceID: "agent-instance-7",
		AgentVersion:        "1.0.0",
	}
)

func fixedBuilder() *Builder {
	return NewBuilder(
		WithClock(func() time.Time { return fixedTime }),
		WithIDSource(func() (uuid.UUID, error) { return fixedID, nil }),
	)
}

func mustForge(t *testing.T, b *Builder, payload map[string]any) *Envelope {
	t.Helper()
	env, err := b.Forge(testHost, testProducer, payload)
	if err != nil {
		t.Fatalf("Forge() error = %v", err)
	}
	return env
}

func TestBuildLeavesHashBlank(t *testing.T) {
	env, err := fixedBuilder().Build(testHost, testProducer, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if env.Integrity.HashSHA256 != "" {
		t.Fatalf("hash_sha256 = %q, want empty placeholder", env.Integrity.HashSHA256)
	}
	if env.Component != Component {
		t.Fatalf("component = %q, want %q", env.Component, Component)
	}
	if env.EventID != fixedID.String() {
		t.Fatalf("event_id = %q, want %q", env.EventID, fixedID.String())
	}
	if env.ObservedAt != "2026-03-14T09:26:53.589793Z" {
		t.Fatalf("observed_at = %q", env.ObservedAt)
	}
	if env.IngestedAt != env.ObservedAt {
		t.Fatalf("ingested_at = %q, want observed_at %q", env.IngestedAt, env.ObservedAt)
	}
	if !env.IsGenesis() {
		t.Fatalf("expected genesis envelope, got sequence=%d prev=%v", env.Sequence, env.Integrity.PrevHashSHA256)
	}
	if env.Payload["phase"] != "minimal" {
		t.Fatalf("payload = %v, want default placeholder", env.Payload)
	}
}

func TestBuildRejectsMissingInputs(t *testing.T) {
	tests := []struct {
		name     string
		host     Host
		producer Producer
	}{
		{
			name:     "missing machine id",
			host:     Host{Hostname: "h", BootID: "b"},
			producer: testProducer,
		},
		{
			name:     "blank boot id",
			host:     Host{MachineID: "m", Hostname: "h", BootID: "  "},
			producer: testProducer,
		},
		{
			name:     "missing agent version",
			host:     testHost,
			producer: Producer{ComponentInstanceID: "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fixedBuilder().Build(tt.host, tt.producer, nil); err == nil {
				t.Fatalf("Build() expected error")
			}
		})
	}
}

func TestForgeProducesVerifiableGenesis(t *testing.T) {
	env := mustForge(t, NewBuilder(), nil)

	if !IsDigest(env.Integrity.HashSHA256) {
		t.Fatalf("hash_sha256 = %q, want 64 lowercase hex", env.Integrity.HashSHA256)
	}
	if err := Verify(env); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	recomputed, err := Hash(env)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if recomputed != env.Integrity.HashSHA256 {
		t.Fatalf("recomputed digest %s, stored %s", recomputed, env.Integrity.HashSHA256)
	}
}

func TestCanonicalForm(t *testing.T) {
	env := mustForge(t, fixedBuilder(), map[string]any{"b": 2, "a": "<x&y>"})

	got, err := Canonical(env)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}

	want := `{"component":"linux_agent","component_instance_id":"agent-instance-7",` +
		`"event_id":"6f1c2a3b-4d5e-4f60-8a7b-9c0d1e2f3a4b",` +
		`"identity":{"agent_version":"1.0.0","boot_id":"0d6f3b86-8d89-4a55-9d9b-6b8f1c1a3e51","hostname":"sensor-01"},` +
		`"ingested_at":"2026-03-14T09:26:53.589793Z",` +
		`"integrity":{"hash_sha256":"","prev_hash_sha256":null},` +
		`"machine_id":"sensor-01","observed_at":"2026-03-14T09:26:53.589793Z",` +
		`"payload":{"a":"<x&y>","b":2},"sequence":0}`
	if string(got) != want {
		t.Fatalf("Canonical() =\n%s\nwant\n%s", got, want)
	}
}

func TestHashDeterministic(t *testing.T) {
	first := mustForge(t, fixedBuilder(), nil)
	second := mustForge(t, fixedBuilder(), nil)

	if first.Integrity.HashSHA256 != second.Integrity.HashSHA256 {
		t.Fatalf("identical inputs produced %s and %s", first.Integrity.HashSHA256, second.Integrity.HashSHA256)
	}

	changed := mustForge(t, fixedBuilder(), map[string]any{"phase": "other"})
	if changed.Integrity.HashSHA256 == first.Integrity.HashSHA256 {
		t.Fatalf("payload change did not change digest")
	}
}

func TestHashIgnoresStoredHash(t *testing.T) {
	env := mustForge(t, fixedBuilder(), nil)
	sealed := env.Integrity.HashSHA256

	env.Integrity.HashSHA256 = strings.Repeat("0", HashLength)
	digest, err := Hash(env)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if digest != sealed {
		t.Fatalf("digest depends on stored hash: got %s, want %s", digest, sealed)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"payload", func(e *Envelope) { e.Payload["phase"] = "tampered" }},
		{"hostname", func(e *Envelope) { e.Identity.Hostname = "other-host" }},
		{"observed_at", func(e *Envelope) { e.ObservedAt = "2026-03-14T09:26:54Z" }},
		{"ingested_at", func(e *Envelope) { e.IngestedAt = "2026-03-14T10:00:00Z" }},
		{"machine_id", func(e *Envelope) { e.MachineID = "sensor-02" }},
		{"sequence", func(e *Envelope) { e.Sequence = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := mustForge(t, fixedBuilder(), nil)
			tt.mutate(env)
			if err := Verify(env); !errors.Is(err, ErrHashMismatch) {
				t.Fatalf("Verify() error = %v, want ErrHashMismatch", err)
			}
		})
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	env := mustForge(t, fixedBuilder(), nil)
	env.Integrity.HashSHA256 = strings.ToUpper(env.Integrity.HashSHA256)

	if err := Verify(env); !errors.Is(err, ErrDigestLength) {
		t.Fatalf("Verify() error = %v, want ErrDigestLength", err)
	}
}

func TestSealDoesNotAliasPayload(t *testing.T) {
	payload := map[string]any{"nested": map[string]any{"k": "v"}}
	env := mustForge(t, fixedBuilder(), payload)

	payload["nested"].(map[string]any)["k"] = "changed"
	if err := Verify(env); err != nil {
		t.Fatalf("caller mutation leaked into envelope: %v", err)
	}
}

func TestEventIDFreshPerBuild(t *testing.T) {
	b := NewBuilder()
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		env := mustForge(t, b, nil)
		if _, dup := seen[env.EventID]; dup {
			t.Fatalf("event_id %s reused", env.EventID)
		}
		seen[env.EventID] = struct{}{}

		id, err := uuid.Parse(env.EventID)
		if err != nil {
			t.Fatalf("event_id %q is not a uuid: %v", env.EventID, err)
		}
		if id.Version() != 4 {
			t.Fatalf("event_id version = %d, want 4", id.Version())
		}
	}
}

func TestValidateChainLink(t *testing.T) {
	prev := strings.Repeat("a", HashLength)

	tests := []struct {
		name     string
		sequence uint64
		prev     *string
		wantErr  error
	}{
		{name: "genesis", sequence: 0, prev: nil},
		{name: "continuation", sequence: 5, prev: &prev},
		{name: "genesis with link", sequence: 0, prev: &prev, wantErr: ErrChainLink},
		{name: "continuation without link", sequence: 3, prev: nil, wantErr: ErrChainLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := mustForge(t, fixedBuilder(), nil)
			env.Sequence = tt.sequence
			env.Integrity.PrevHashSHA256 = tt.prev

			err := env.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"wrong component", func(e *Envelope) { e.Component = "windows_agent" }},
		{"non utc timestamp", func(e *Envelope) { e.ObservedAt = "2026-03-14T11:26:53+02:00" }},
		{"bad timestamp", func(e *Envelope) { e.IngestedAt = "yesterday" }},
		{"empty hostname", func(e *Envelope) { e.Identity.Hostname = "" }},
		{"nil payload", func(e *Envelope) { e.Payload = nil }},
		{"short hash", func(e *Envelope) { e.Integrity.HashSHA256 = "abc" }},
		{"sequence too large", func(e *Envelope) {
			prev := strings.Repeat("b", HashLength)
			e.Sequence = MaxSequence + 1
			e.Integrity.PrevHashSHA256 = &prev
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := mustForge(t, fixedBuilder(), nil)
			tt.mutate(env)
			if err := env.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}
}

func TestDecodeRoundTripVerifies(t *testing.T) {
	env := mustForge(t, fixedBuilder(), map[string]any{"count": 3, "ratio": 0.5})

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := Verify(decoded); err != nil {
		t.Fatalf("Verify() after decode error = %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode([]byte(`{"event_id":"x","extra":true}`)); err == nil {
		t.Fatalf("Decode() expected error for unknown field")
	}
}

func TestValidateSchema(t *testing.T) {
	env := mustForge(t, fixedBuilder(), nil)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ValidateSchema(raw); err != nil {
		t.Fatalf("ValidateSchema() error = %v", err)
	}

	bad := env.Clone()
	bad.Integrity.HashSHA256 = "not-a-digest"
	raw, err = json.Marshal(bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	err = ValidateSchema(raw)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("ValidateSchema() error = %v, want *SchemaError", err)
	}
	if schemaErr.Path != "integrity.hash_sha256" {
		t.Fatalf("schema error path = %q, want integrity.hash_sha256", schemaErr.Path)
	}
}

func TestValidateSchemaChainRule(t *testing.T) {
	env := mustForge(t, fixedBuilder(), nil)
	env.Sequence = 1

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var schemaErr *SchemaError
	if err := ValidateSchema(raw); !errors.As(err, &schemaErr) {
		t.Fatalf("ValidateSchema() error = %v, want *SchemaError", err)
	}
}

func TestValidateSchemaComponentMatchesValidate(t *testing.T) {
	env := mustForge(t, fixedBuilder(), nil)
	env.Component = "windows_agent"

	if err := env.Validate(); err == nil {
		t.Fatalf("Validate() expected error for component %q", env.Component)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var schemaErr *SchemaError
	if err := ValidateSchema(raw); !errors.As(err, &schemaErr) {
		t.Fatalf("ValidateSchema() error = %v, want *SchemaError", err)
	}
	if schemaErr.Path != "component" {
		t.Fatalf("schema error path = %q, want component", schemaErr.Path)
	}
}

func TestValidateSchemaMalformedDocument(t *testing.T) {
	err := ValidateSchema([]byte(`{"event_id":`))
	if err == nil {
		t.Fatalf("ValidateSchema() expected error for truncated document")
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		t.Fatalf("truncated document reported as schema violation: %v", err)
	}
}
