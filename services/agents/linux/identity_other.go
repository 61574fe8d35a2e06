//go:build !linux && !darwin

package linux

import (
	"fmt"
	"os"
	"runtime"
)

func nodeName() (string, error) {
	return os.Hostname()
}

func bootID() (string, error) {
	return "", fmt.Errorf("boot_id is not available on %s", runtime.GOOS)
}
