//go:build windows

package autostart

import "os"

// gracefulTerminate terminates the process. Windows has no SIGTERM, so this
// is immediate.
func gracefulTerminate(p *os.Process) error {
	return p.Kill()
}
