//go:build !windows

package autostart

import (
	"os"
	"syscall"
)

// gracefulTerminate asks the process to shut down with SIGTERM.
func gracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
