//go:build !windows

package supervisor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// terminate asks the process to exit.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Signal(unix.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
