package bridge

import (
	"fmt"
	"time"

	"github.com/xbridge-proxy/xbridge/internal/outbound"
)

// DefaultStabilization is how long a transient bridge gets to come up
// before it is considered usable.
const DefaultStabilization = time.Second

// Transient is a short-lived bridge used for a single functional probe. It
// is not tracked in the supervisor's bridge list; the caller must Close it.
type Transient struct {
	Port int

	proc *process
	sup  *Supervisor
}

// URL returns the local HTTP proxy endpoint.
func (t *Transient) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", t.Port)
}

// Close terminates the engine, removes the workdir and releases the port.
func (t *Transient) Close() {
	if t == nil {
		return
	}
	t.proc.terminate()
	t.proc.cleanup()
	t.sup.ports.release(t.Port)
}

// OpenTransient launches a throwaway bridge for probing a single outbound.
// It waits stabilization for the engine to come up; an engine that exits
// during that window is reported as an error with its stderr attached.
func (s *Supervisor) OpenTransient(ob *outbound.Outbound, uri string, stabilization time.Duration) (*Transient, error) {
	binary, err := s.resolveBinary()
	if err != nil {
		return nil, err
	}
	if stabilization <= 0 {
		stabilization = DefaultStabilization
	}

	port, err := s.ports.acquire()
	if err != nil {
		return nil, err
	}
	cfg, err := RenderConfig(port, ob)
	if err != nil {
		s.ports.release(port)
		return nil, err
	}
	proc, err := launchProcess(binary, cfg, ob.Tag, uri)
	if err != nil {
		s.ports.release(port)
		return nil, err
	}

	select {
	case <-proc.done:
		excerpt := proc.stderrExcerpt()
		proc.cleanup()
		s.ports.release(port)
		if excerpt == "" {
			return nil, fmt.Errorf("bridge: engine exited during startup")
		}
		return nil, fmt.Errorf("bridge: engine exited during startup: %s", excerpt)
	case <-time.After(stabilization):
	}

	return &Transient{Port: port, proc: proc, sup: s}, nil
}
