package linux

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"ransomeye/pkg/envelope"
)

// HostSource reads machine identity from the local system.
type HostSource interface {
	NodeName() (string, error)
	BootID() (string, error)
}

// IdentityError reports a host identity value that could not be obtained.
type IdentityError struct {
	Field string
	Err   error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Field, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// SystemHost resolves identity from the running kernel.
type SystemHost struct{}

// NodeName returns the system-reported host name.
func (SystemHost) NodeName() (string, error) { return nodeName() }

// BootID returns the per-boot token of the host.
func (SystemHost) BootID() (string, error) { return bootID() }

// ResolveIdentity derives machine id, hostname and boot id from src. The
// machine id is the node name.
func ResolveIdentity(src HostSource) (envelope.Host, error) {
	if src == nil {
		src = SystemHost{}
	}

	name, err := src.NodeName()
	if err != nil {
		return envelope.Host{}, &IdentityError{Field: "machine_id", Err: err}
	}
	if !utf8.ValidString(name) {
		return envelope.Host{}, &IdentityError{Field: "machine_id", Err: errors.New("hostname is not valid UTF-8")}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return envelope.Host{}, &IdentityError{Field: "machine_id", Err: errors.New("hostname is empty")}
	}

	boot, err := src.BootID()
	if err != nil {
		return envelope.Host{}, &IdentityError{Field: "boot_id", Err: err}
	}
	boot = strings.TrimSpace(boot)
	if boot == "" {
		return envelope.Host{}, &IdentityError{Field: "boot_id", Err: errors.New("boot_id is empty")}
	}

	return envelope.Host{
		MachineID: name,
		Hostname:  name,
		BootID:    boot,
	}, nil
}

func readBootID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read boot_id from %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("boot_id is empty after reading from %s", path)
	}
	return value, nil
}
