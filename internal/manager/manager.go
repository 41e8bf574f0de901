// Package manager ties parsing, caching, probing and bridge supervision
// together behind one façade.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/bridge"
	"github.com/xbridge-proxy/xbridge/internal/cache"
	"github.com/xbridge-proxy/xbridge/internal/geo"
	"github.com/xbridge-proxy/xbridge/internal/logging"
	"github.com/xbridge-proxy/xbridge/internal/model"
	"github.com/xbridge-proxy/xbridge/internal/outbound"
	"github.com/xbridge-proxy/xbridge/internal/probe"
	"github.com/xbridge-proxy/xbridge/internal/source"
)

var (
	// ErrNothingLoaded is returned when an operation needs loaded proxies.
	ErrNothingLoaded = errors.New("manager: no proxies loaded")
	// ErrAlreadyRunning is returned by Start when bridges are active.
	ErrAlreadyRunning = errors.New("manager: bridges already running; stop them first")
	// ErrNoApprovedProxies is returned by Start when no proxy passed testing.
	ErrNoApprovedProxies = errors.New("manager: no approved proxies")
	// ErrInvalidAmount is returned by Start for a negative amount.
	ErrInvalidAmount = errors.New("manager: amount must not be negative")
)

const defaultProbeTimeout = 10 * time.Second

// ProbeFunc checks a single outbound. Injectable for tests.
type ProbeFunc func(ctx context.Context, uri string, ob *outbound.Outbound, timeout time.Duration) probe.Result

// loadedProxy is one parsed share link.
type loadedProxy struct {
	uri string
	ob  *outbound.Outbound
}

// Options configures a Manager.
type Options struct {
	// Country restricts approved proxies to one country (code or name).
	Country string
	// MaxProxies caps how many proxies are loaded. 0 means unlimited.
	MaxProxies int
	// CachePath selects the cache file; empty uses the default.
	CachePath string
	// DisableCache turns off reading and writing of cached results.
	DisableCache bool

	TestURL   string
	UserAgent string
	// Geo enriches results with countries. May be nil.
	Geo geo.Resolver

	// Supervisor defaults to a fresh one.
	Supervisor *bridge.Supervisor
	// Sources defaults to a reader with standard timeouts.
	Sources *source.Reader
	// ProbeFn overrides the built-in prober. Used by tests.
	ProbeFn ProbeFunc
}

// Manager is the proxy tunnel façade.
type Manager struct {
	log     zerolog.Logger
	sup     *bridge.Supervisor
	reader  *source.Reader
	store   *cache.Store
	probeFn ProbeFunc

	useCache   bool
	maxProxies int

	mu          sync.Mutex
	country     string
	loaded      []loadedProxy
	entries     []*model.ProxyEntry
	parseErrors []string

	sched *retestScheduler
}

// New creates a manager. The cache file is loaded eagerly when enabled.
func New(opts Options) *Manager {
	sup := opts.Supervisor
	if sup == nil {
		sup = bridge.NewSupervisor()
	}
	reader := opts.Sources
	if reader == nil {
		reader = source.NewReader(0, opts.UserAgent)
	}

	m := &Manager{
		log:        logging.WithComponent("manager"),
		sup:        sup,
		reader:     reader,
		store:      cache.NewStore(opts.CachePath),
		useCache:   !opts.DisableCache,
		maxProxies: opts.MaxProxies,
		country:    strings.TrimSpace(opts.Country),
	}

	if opts.ProbeFn != nil {
		m.probeFn = opts.ProbeFn
	} else {
		prober := probe.New(probe.SupervisorOpener{Sup: sup}, opts.Geo, opts.TestURL, opts.UserAgent)
		m.probeFn = prober.Probe
	}

	if m.useCache {
		m.store.Load()
	}
	return m
}

// AddProxies parses share links and registers the valid ones. Blank lines
// and comments are skipped, malformed lines are collected as parse errors.
// Returns how many proxies were added.
func (m *Manager) AddProxies(lines []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if m.maxProxies > 0 && len(m.loaded) >= m.maxProxies {
			m.log.Warn().Int("max", m.maxProxies).Msg("proxy limit reached, ignoring remaining lines")
			break
		}

		ob, err := outbound.Parse(line)
		if err != nil {
			m.parseErrors = append(m.parseErrors, fmt.Sprintf("ignored %.80q: %v", line, err))
			continue
		}

		idx := len(m.loaded)
		m.loaded = append(m.loaded, loadedProxy{uri: line, ob: ob})
		m.entries = append(m.entries, m.baseEntryLocked(idx))
		added++
	}
	return added
}

// AddSources fetches each source and feeds its payload through AddProxies.
// Clash documents and base64-wrapped lists are unwrapped transparently.
// Returns the number of proxies added; a fetch error aborts the remaining
// sources.
func (m *Manager) AddSources(ctx context.Context, sources []string) (int, error) {
	total := 0
	for _, src := range sources {
		data, err := m.reader.Read(ctx, src)
		if err != nil {
			return total, err
		}
		added, err := m.addPayload(data)
		if err != nil {
			return total, fmt.Errorf("manager: source %q: %w", src, err)
		}
		m.log.Info().Str("source", src).Int("added", added).Msg("source loaded")
		total += added
	}
	return total, nil
}

// AddPayload loads proxies from a raw payload: a Clash document, a base64
// wrapped list or plain newline-separated share links.
func (m *Manager) AddPayload(data []byte) (int, error) {
	return m.addPayload(data)
}

func (m *Manager) addPayload(data []byte) (int, error) {
	text := strings.TrimPrefix(strings.TrimSpace(string(data)), "\uFEFF")
	if text == "" {
		return 0, nil
	}

	if outbound.LooksLikeClashYAML(text) {
		links, err := outbound.ParseClashDocument(text)
		if err != nil {
			return 0, err
		}
		return m.AddProxies(links), nil
	}

	if !strings.Contains(text, "://") {
		if decoded, ok := outbound.DecodeBase64Payload(text); ok {
			text = decoded
		}
	}
	return m.AddProxies(strings.Split(text, "\n")), nil
}

// baseEntryLocked builds the initial entry for loaded proxy idx, hydrating
// it from the cache when enabled. Caller holds m.mu.
func (m *Manager) baseEntryLocked(idx int) *model.ProxyEntry {
	lp := m.loaded[idx]
	e := &model.ProxyEntry{
		Index:  idx,
		URI:    lp.uri,
		Tag:    lp.ob.Tag,
		Status: model.StatusAwaiting,
	}
	if host, port, err := lp.ob.HostPort(); err == nil {
		e.Host = host
		e.Port = port
	}
	if m.useCache {
		if rec, ok := m.store.Get(lp.uri); ok {
			m.store.Apply(e, rec)
		}
	}
	return e
}

// freshEntry builds an entry for a test run without cache hydration.
func freshEntry(idx int, lp loadedProxy) *model.ProxyEntry {
	e := &model.ProxyEntry{
		Index:  idx,
		URI:    lp.uri,
		Tag:    lp.ob.Tag,
		Status: model.StatusAwaiting,
	}
	if host, port, err := lp.ob.HostPort(); err == nil {
		e.Host = host
		e.Port = port
	}
	return e
}

// Count returns the number of loaded proxies.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loaded)
}

// Entries returns a snapshot of the current entry list.
func (m *Manager) Entries() []*model.ProxyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ProxyEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ParseErrors returns the lines rejected so far.
func (m *Manager) ParseErrors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.parseErrors))
	copy(out, m.parseErrors)
	return out
}

// Country returns the active country filter.
func (m *Manager) Country() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.country
}
