package linux

import (
	"errors"
	"fmt"
)

// ExitCode is the process status reported by the agent binary.
type ExitCode int

const (
	ExitSuccess      ExitCode = 0
	ExitConfigError  ExitCode = 1
	ExitStartupError ExitCode = 2
	ExitRuntimeError ExitCode = 3
	ExitFatalError   ExitCode = 4
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageConfig    Stage = "config"
	StageIdentity  Stage = "identity"
	StageConstruct Stage = "construct"
	StageVerify    Stage = "verify"
	StageTransmit  Stage = "transmit"
)

// RunError ties a pipeline failure to its stage and, once known, the event id.
type RunError struct {
	Stage   Stage
	EventID string
	Err     error
}

func (e *RunError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (event %s): %v", e.Stage, e.EventID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExitCodeFor maps an error returned by the agent to its exit status.
// Configuration and construction failures share the startup code; only
// delivery failures report a runtime error.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}

	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Stage == StageTransmit {
		return ExitRuntimeError
	}

	var transportErr *TransportError
	var statusErr *StatusError
	if errors.As(err, &transportErr) || errors.As(err, &statusErr) {
		return ExitRuntimeError
	}

	return ExitStartupError
}
