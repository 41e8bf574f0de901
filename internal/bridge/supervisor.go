// Package bridge supervises external xray/v2ray processes that expose
// remote proxies as local HTTP endpoints on 127.0.0.1.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/logging"
	"github.com/xbridge-proxy/xbridge/internal/outbound"
)

const waitPollInterval = 500 * time.Millisecond

// ErrNotRunning is returned by Wait when no bridges are active.
var ErrNotRunning = errors.New("bridge: no active bridges to wait for")

// Handle is one live bridge: a supervised engine process bound to a
// reserved loopback port.
type Handle struct {
	Tag    string
	Scheme string
	URI    string
	Port   int

	proc *process
}

// URL returns the local HTTP proxy endpoint.
func (h *Handle) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.Port)
}

// Alive reports whether the bridge process is still running.
func (h *Handle) Alive() bool {
	return h.proc.alive()
}

// Pair couples a share link with its parsed outbound for batch creation.
type Pair struct {
	URI      string
	Outbound *outbound.Outbound
}

// Supervisor owns all bridge processes, their ports and workdirs.
type Supervisor struct {
	// Binary overrides engine discovery when non-empty. Used by tests.
	Binary string

	log   zerolog.Logger
	ports *portRegistry

	mu       sync.Mutex
	bridges  []*Handle
	running  bool
	stopCh   chan struct{}
	waitDone chan struct{}
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		log:   logging.WithComponent("bridge"),
		ports: newPortRegistry(),
	}
}

func (s *Supervisor) resolveBinary() (string, error) {
	if s.Binary != "" {
		return s.Binary, nil
	}
	return FindBinary()
}

// IsRunning reports whether any bridge is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Bridges returns a snapshot of the active bridges in creation order.
func (s *Supervisor) Bridges() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.bridges))
	copy(out, s.bridges)
	return out
}

// PortCount returns the number of currently reserved ports.
func (s *Supervisor) PortCount() int {
	return s.ports.size()
}

// CreateBridge launches one bridge for the given outbound.
func (s *Supervisor) CreateBridge(ob *outbound.Outbound, uri string) (*Handle, error) {
	binary, err := s.resolveBinary()
	if err != nil {
		return nil, err
	}
	return s.createWithBinary(binary, ob, uri)
}

func (s *Supervisor) createWithBinary(binary string, ob *outbound.Outbound, uri string) (*Handle, error) {
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

	h := &Handle{
		Tag:    ob.Tag,
		Scheme: uriScheme(uri),
		URI:    uri,
		Port:   port,
		proc:   proc,
	}

	s.mu.Lock()
	s.bridges = append(s.bridges, h)
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
	}
	s.mu.Unlock()

	s.log.Info().Str("tag", h.Tag).Int("port", h.Port).Msg("bridge started")
	return h, nil
}

// CreateBridges launches one bridge per pair, in order. On any failure the
// bridges already created in this call are stopped and the error is
// returned: a batch either fully starts or not at all.
func (s *Supervisor) CreateBridges(pairs []Pair) ([]*Handle, error) {
	binary, err := s.resolveBinary()
	if err != nil {
		return nil, err
	}

	created := make([]*Handle, 0, len(pairs))
	for _, pair := range pairs {
		h, err := s.createWithBinary(binary, pair.Outbound, pair.URI)
		if err != nil {
			for _, rollback := range created {
				s.StopBridge(rollback)
			}
			return nil, fmt.Errorf("bridge: create for %q: %w", pair.URI, err)
		}
		created = append(created, h)
	}
	return created, nil
}

// StopBridge stops a single bridge, removes its workdir and releases its
// port. Stopping an already-stopped bridge is harmless.
func (s *Supervisor) StopBridge(h *Handle) {
	if h == nil {
		return
	}
	h.proc.terminate()
	h.proc.cleanup()
	s.ports.release(h.Port)

	s.mu.Lock()
	for i, other := range s.bridges {
		if other == h {
			s.bridges = append(s.bridges[:i], s.bridges[i+1:]...)
			break
		}
	}
	if len(s.bridges) == 0 && s.running {
		s.running = false
		if s.stopCh != nil {
			close(s.stopCh)
			s.stopCh = nil
		}
	}
	s.mu.Unlock()

	s.log.Info().Str("tag", h.Tag).Int("port", h.Port).Msg("bridge stopped")
}

// StopAll stops every bridge and joins the background wait loop if one is
// running. Safe to call repeatedly.
func (s *Supervisor) StopAll() {
	s.stopAll(true)
}

func (s *Supervisor) stopAll(join bool) {
	s.mu.Lock()
	if !s.running && len(s.bridges) == 0 {
		s.mu.Unlock()
		return
	}
	toStop := s.bridges
	s.bridges = nil
	s.running = false
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	waitDone := s.waitDone
	s.mu.Unlock()

	for _, h := range toStop {
		h.proc.terminate()
		h.proc.cleanup()
		s.ports.release(h.Port)
	}
	s.log.Info().Int("stopped", len(toStop)).Msg("all bridges stopped")

	if join && waitDone != nil {
		select {
		case <-waitDone:
		case <-time.After(time.Second):
		}
	}
}

// Wait blocks until all bridge processes exit, the context is cancelled or
// StopAll is called. All bridges are stopped before it returns.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	defer s.stopAll(false)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.anyAlive() {
				s.log.Info().Msg("all bridge processes exited")
				return nil
			}
		}
	}
}

// StartWaitLoop runs Wait in the background. The returned channel closes
// when the loop finishes.
func (s *Supervisor) StartWaitLoop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	s.mu.Lock()
	s.waitDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotRunning) {
			s.log.Warn().Err(err).Msg("wait loop ended")
		}
	}()
	return done
}

func (s *Supervisor) anyAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.bridges {
		if h.Alive() {
			return true
		}
	}
	return false
}

// RotateBridge replaces the proxy behind bridge id with a new outbound,
// keeping the local port stable so downstream consumers of the endpoint
// never need reconfiguration. Returns the new handle, or an error when the
// id is invalid or the replacement fails to launch.
func (s *Supervisor) RotateBridge(id int, ob *outbound.Outbound, uri string) (*Handle, error) {
	s.mu.Lock()
	if !s.running || id < 0 || id >= len(s.bridges) {
		s.mu.Unlock()
		return nil, fmt.Errorf("bridge: invalid bridge id %d", id)
	}
	old := s.bridges[id]
	s.mu.Unlock()

	// Old process goes away, the port reservation stays.
	old.proc.terminate()
	old.proc.cleanup()

	binary, err := s.resolveBinary()
	if err != nil {
		return nil, err
	}
	cfg, err := RenderConfig(old.Port, ob)
	if err != nil {
		return nil, err
	}
	proc, err := launchProcess(binary, cfg, ob.Tag, uri)
	if err != nil {
		return nil, err
	}

	replacement := &Handle{
		Tag:    ob.Tag,
		Scheme: uriScheme(uri),
		URI:    uri,
		Port:   old.Port,
		proc:   proc,
	}

	s.mu.Lock()
	if id >= len(s.bridges) || s.bridges[id] != old {
		s.mu.Unlock()
		proc.terminate()
		proc.cleanup()
		return nil, fmt.Errorf("bridge: bridge %d changed during rotation", id)
	}
	s.bridges[id] = replacement
	s.mu.Unlock()

	s.log.Info().Int("id", id).Str("tag", ob.Tag).Int("port", replacement.Port).Msg("bridge rotated")
	return replacement, nil
}

func uriScheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
