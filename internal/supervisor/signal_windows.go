//go:build windows

package supervisor

import (
	"errors"
	"os"
)

// terminate asks the process to exit. Windows has no SIGTERM, so the only
// request available is Kill.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
