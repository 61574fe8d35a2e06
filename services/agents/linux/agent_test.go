package linux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ransomeye/pkg/envelope"
)

var okHost = fakeHost{name: "sensor-01", boot: "0d6f3b86-8d89-4a55-9d9b-6b8f1c1a3e51"}

func testConfig(url string) Config {
	return Config{
		ComponentInstanceID: "instance-1",
		AgentVersion:        "1.0.0",
		IngestURL:           url,
		IngestTimeout:       5 * time.Second,
	}
}

type recordingServer struct {
	*httptest.Server
	posts  atomic.Int32
	bodies chan []byte
}

func newRecordingServer(t *testing.T, status int, reply string) *recordingServer {
	t.Helper()
	rs := &recordingServer{bodies: make(chan []byte, 8)}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.posts.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		rs.bodies <- body
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func TestAgentRunDeliversGenesisEnvelope(t *testing.T) {
	srv := newRecordingServer(t, http.StatusCreated, `{"status":"accepted"}`)

	agent, err := New(testConfig(srv.URL), WithHostSource(okHost))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sent, err := agent.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := srv.posts.Load(); got != 1 {
		t.Fatalf("posts = %d, want 1", got)
	}

	body := <-srv.bodies
	if err := envelope.ValidateSchema(body); err != nil {
		t.Fatalf("posted body fails schema: %v", err)
	}

	received, err := envelope.Decode(body)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := envelope.Verify(received); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if received.Sequence != 0 || received.Integrity.PrevHashSHA256 != nil {
		t.Fatalf("expected genesis envelope, got sequence=%d prev=%v", received.Sequence, received.Integrity.PrevHashSHA256)
	}
	if received.Integrity.HashSHA256 != sent.Integrity.HashSHA256 {
		t.Fatalf("posted hash %s, returned %s", received.Integrity.HashSHA256, sent.Integrity.HashSHA256)
	}
	if received.ComponentInstanceID != "instance-1" || received.Identity.AgentVersion != "1.0.0" {
		t.Fatalf("producer identity = %q/%q", received.ComponentInstanceID, received.Identity.AgentVersion)
	}
}

func TestAgentRunNonSuccessStatus(t *testing.T) {
	srv := newRecordingServer(t, http.StatusBadRequest, `{"error_code":"SCHEMA_VIOLATION"}`)

	agent, err := New(testConfig(srv.URL), WithHostSource(okHost))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	env, err := agent.Run(context.Background())
	if ExitCodeFor(err) != ExitRuntimeError {
		t.Fatalf("ExitCodeFor(%v) = %d, want %d", err, ExitCodeFor(err), ExitRuntimeError)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Run() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest || !strings.Contains(statusErr.Body, "SCHEMA_VIOLATION") {
		t.Fatalf("status error = %+v", statusErr)
	}
	if statusErr.EventID != env.EventID {
		t.Fatalf("status error event id = %s, want %s", statusErr.EventID, env.EventID)
	}

	if err := envelope.Verify(env); err != nil {
		t.Fatalf("delivery failure changed the envelope: %v", err)
	}
	body := <-srv.bodies
	var posted envelope.Envelope
	if err := json.Unmarshal(body, &posted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if posted.Integrity.HashSHA256 != env.Integrity.HashSHA256 {
		t.Fatalf("hash changed after failed delivery")
	}
	if got := srv.posts.Load(); got != 1 {
		t.Fatalf("posts = %d, want exactly one attempt", got)
	}
}

func TestAgentRunTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/events"
	srv.Close()

	agent, err := New(testConfig(url), WithHostSource(okHost))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	env, err := agent.Run(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Run() error = %v, want *TransportError", err)
	}
	if transportErr.URL != url || transportErr.EventID != env.EventID {
		t.Fatalf("transport error = %+v", transportErr)
	}
	if ExitCodeFor(err) != ExitRuntimeError {
		t.Fatalf("ExitCodeFor() = %d, want %d", ExitCodeFor(err), ExitRuntimeError)
	}
}

func TestAgentRunTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.IngestTimeout = 50 * time.Millisecond

	agent, err := New(cfg, WithHostSource(okHost))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = agent.Run(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Run() error = %v, want *TransportError", err)
	}
}

func TestAgentIdentityFailureSkipsNetwork(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, "")

	agent, err := New(testConfig(srv.URL), WithHostSource(fakeHost{name: "h", boot: ""}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = agent.Run(context.Background())
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageIdentity {
		t.Fatalf("Run() error = %v, want identity stage", err)
	}
	if ExitCodeFor(err) != ExitStartupError {
		t.Fatalf("ExitCodeFor() = %d, want %d", ExitCodeFor(err), ExitStartupError)
	}
	if got := srv.posts.Load(); got != 0 {
		t.Fatalf("posts = %d, want 0", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name string
		in   io.Reader
		want string
	}{
		{"text", strings.NewReader(" bad request \n"), "bad request"},
		{"empty", strings.NewReader(""), noResponseBody},
		{"unreadable", errReader{}, noResponseBody},
		{"truncated", strings.NewReader(strings.Repeat("x", maxErrorBody+10)), strings.Repeat("x", maxErrorBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := readErrorBody(tt.in); got != tt.want {
				t.Fatalf("readErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"nil", nil, ExitSuccess},
		{"missing input", &MissingInputError{Missing: []Requirement{Requirements[0]}}, ExitStartupError},
		{"identity", &RunError{Stage: StageIdentity, Err: errors.New("x")}, ExitStartupError},
		{"construct", &RunError{Stage: StageConstruct, Err: envelope.ErrDigestLength}, ExitStartupError},
		{"transmit", &RunError{Stage: StageTransmit, Err: errors.New("x")}, ExitRuntimeError},
		{"bare status", &StatusError{StatusCode: 500}, ExitRuntimeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Fatalf("ExitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
