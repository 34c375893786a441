// Package ports allocates ephemeral TCP ports via the OS.
package ports

import (
	"fmt"
	"net"
)

// Allocator implements catalog.PortAllocator by binding port 0 on loopback
// and reading back the port the kernel chose.
type Allocator struct{}

// New creates an Allocator.
func New() *Allocator {
	return &Allocator{}
}

// Allocate returns a TCP port that was free at the moment of the call. The
// probe listener is closed before returning, so the port can be raced by
// other processes; callers launch into it immediately.
func (Allocator) Allocate() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe free port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("close port probe: %w", err)
	}
	return port, nil
}
