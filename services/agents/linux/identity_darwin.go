//go:build darwin

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func nodeName() (string, error) {
	name, err := unix.Sysctl("kern.hostname")
	if err != nil {
		return "", fmt.Errorf("sysctl kern.hostname: %w", err)
	}
	return name, nil
}

func bootID() (string, error) {
	id, err := unix.Sysctl("kern.bootsessionuuid")
	if err != nil {
		return "", fmt.Errorf("sysctl kern.bootsessionuuid: %w", err)
	}
	return id, nil
}
