package linux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		want        Config
		wantMissing []string
		wantErr     bool
	}{
		{
			name: "defaults applied",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
			},
			want: Config{
				ComponentInstanceID: "instance-1",
				AgentVersion:        "1.0.0",
				IngestURL:           DefaultIngestURL,
				IngestTimeout:       DefaultIngestTimeout,
			},
		},
		{
			name: "ingest url accepted verbatim",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
				envIngestURL:           "https://ingest.example.com:9443/v1/events?src=agent",
				envIngestTimeout:       "5s",
			},
			want: Config{
				ComponentInstanceID: "instance-1",
				AgentVersion:        "1.0.0",
				IngestURL:           "https://ingest.example.com:9443/v1/events?src=agent",
				IngestTimeout:       5 * time.Second,
			},
		},
		{
			name:        "nothing set",
			env:         map[string]string{},
			wantMissing: []string{envComponentInstanceID, envVersion},
		},
		{
			name: "blank version",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "   ",
			},
			wantMissing: []string{envVersion},
		},
		{
			name: "unsupported scheme",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
				envIngestURL:           "ftp://ingest/events",
			},
			wantErr: true,
		},
		{
			name: "blank ingest url",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
				envIngestURL:           "",
			},
			wantErr: true,
		},
		{
			name: "whitespace ingest url",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
				envIngestURL:           "   ",
			},
			wantErr: true,
		},
		{
			name: "bad timeout",
			env: map[string]string{
				envComponentInstanceID: "instance-1",
				envVersion:             "1.0.0",
				envIngestTimeout:       "soon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadConfig(context.Background(), envconfig.MapLookuper(tt.env))

			if len(tt.wantMissing) > 0 {
				var missingErr *MissingInputError
				if !errors.As(err, &missingErr) {
					t.Fatalf("LoadConfig() error = %v, want *MissingInputError", err)
				}
				if len(missingErr.Missing) != len(tt.wantMissing) {
					t.Fatalf("missing = %v, want %v", missingErr.Missing, tt.wantMissing)
				}
				for i, key := range tt.wantMissing {
					if missingErr.Missing[i].Key != key {
						t.Fatalf("missing[%d] = %s, want %s", i, missingErr.Missing[i].Key, key)
					}
					if !strings.Contains(err.Error(), missingErr.Missing[i].Purpose) {
						t.Fatalf("error %q does not describe purpose of %s", err, key)
					}
				}
				return
			}

			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Fatalf("LoadConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRequirementsDocumentEveryConfigKey(t *testing.T) {
	keys := map[string]bool{}
	for _, r := range Requirements {
		if r.Purpose == "" {
			t.Fatalf("requirement %s has no purpose", r.Key)
		}
		keys[r.Key] = r.Required
	}

	if !keys[envComponentInstanceID] || !keys[envVersion] {
		t.Fatalf("instance id and version must be required: %v", keys)
	}
	if required, ok := keys[envIngestURL]; !ok || required {
		t.Fatalf("%s must be listed as optional", envIngestURL)
	}
}

func TestRequirementDefaultsMatchConfig(t *testing.T) {
	defaults := map[string]string{}
	for _, r := range Requirements {
		if r.Required && r.Default != "" {
			t.Fatalf("required input %s carries a default", r.Key)
		}
		defaults[r.Key] = r.Default
	}
	if defaults[envIngestURL] != DefaultIngestURL {
		t.Fatalf("%s default = %q, want %q", envIngestURL, defaults[envIngestURL], DefaultIngestURL)
	}
	if defaults[envIngestTimeout] != DefaultIngestTimeout.String() {
		t.Fatalf("%s default = %q", envIngestTimeout, defaults[envIngestTimeout])
	}
}

func TestBlankIngestURLErrorNamesKey(t *testing.T) {
	_, err := LoadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		envComponentInstanceID: "instance-1",
		envVersion:             "1.0.0",
		envIngestURL:           "",
	}))
	if err == nil || !strings.Contains(err.Error(), envIngestURL) {
		t.Fatalf("LoadConfig() error = %v, want mention of %s", err, envIngestURL)
	}
}
