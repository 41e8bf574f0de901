package bridge

import (
	"fmt"
	"net"

	"github.com/puzpuzpuz/xsync/v4"
)

// portRegistry tracks loopback ports handed out to bridges so two bridges
// never share one, even across rotation.
type portRegistry struct {
	reserved *xsync.Map[int, struct{}]
}

func newPortRegistry() *portRegistry {
	return &portRegistry{reserved: xsync.NewMap[int, struct{}]()}
}

// acquire asks the kernel for a free loopback port and reserves it. The
// listener probe leaves a small race window against other processes, but
// reservation makes it impossible for two bridges of this process to
// collide.
func (r *portRegistry) acquire() (int, error) {
	for attempt := 0; attempt < 16; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("bridge: probe port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		if _, loaded := r.reserved.LoadOrStore(port, struct{}{}); !loaded {
			return port, nil
		}
	}
	return 0, fmt.Errorf("bridge: no free port after 16 attempts")
}

// release frees a reserved port. Releasing an unknown port is a no-op.
func (r *portRegistry) release(port int) {
	if port <= 0 {
		return
	}
	r.reserved.Delete(port)
}

// held reports whether the port is currently reserved.
func (r *portRegistry) held(port int) bool {
	_, ok := r.reserved.Load(port)
	return ok
}

// size returns the number of reserved ports.
func (r *portRegistry) size() int {
	return r.reserved.Size()
}
