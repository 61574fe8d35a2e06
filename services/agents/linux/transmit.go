package linux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"ransomeye/pkg/envelope"
)

const (
	maxErrorBody    = 2048
	noResponseBody  = "(no response body)"
	contentTypeJSON = "application/json"
)

// TransportError reports a delivery attempt that never produced a response.
type TransportError struct {
	URL     string
	EventID string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("post event %s to %s: %v", e.EventID, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response from the ingest service.
type StatusError struct {
	URL        string
	EventID    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("post event %s to %s: unexpected status %d: %s", e.EventID, e.URL, e.StatusCode, e.Body)
}

// Transmitter performs exactly one synchronous delivery of an envelope.
type Transmitter struct {
	client *http.Client
	url    string
	logger *log.Logger
}

// NewTransmitter returns a Transmitter posting to url with the given timeout.
// A nil transport uses http.DefaultTransport.
func NewTransmitter(url string, timeout time.Duration, transport http.RoundTripper, logger *log.Logger) (*Transmitter, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("ingest url is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout %s", timeout)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Transmitter{
		client: &http.Client{Timeout: timeout, Transport: transport},
		url:    url,
		logger: logger,
	}, nil
}

// Send posts env once. There is no retry and the envelope is not retained on
// failure.
func (t *Transmitter) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	t.logger.Printf("INFO transmitting event %s to %s", env.EventID, t.url)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{URL: t.url, EventID: env.EventID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			URL:        t.url,
			EventID:    env.EventID,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.logger.Printf("WARN drain response body for event %s: %v", env.EventID, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return noResponseBody
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return noResponseBody
	}
	return text
}
