package manager

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/xbridge-proxy/xbridge/internal/bridge"
	"github.com/xbridge-proxy/xbridge/internal/model"
)

// StartOptions controls bringing bridges up.
type StartOptions struct {
	// Threads is the probe concurrency for the pre-start test.
	Threads int
	// Amount is how many bridges to start. 0 starts one per approved proxy.
	Amount int
	// Country overrides the manager's country filter when non-empty.
	Country string
	// SkipTest starts bridges from the current entry list without probing.
	SkipTest bool
	// FindFirst stops the pre-start test once Amount working proxies are
	// known instead of testing everything.
	FindFirst bool
	// Timeout bounds each probe in the pre-start test.
	Timeout time.Duration
	// Force re-probes cached results in the pre-start test.
	Force bool
	// Wait blocks until the bridges stop; otherwise a background wait loop
	// is started and Start returns immediately.
	Wait bool
}

// BridgeInfo describes one running bridge.
type BridgeInfo struct {
	ID     int    `json:"id"`
	Tag    string `json:"tag"`
	URL    string `json:"url"`
	URI    string `json:"uri"`
	Scheme string `json:"scheme"`
	Port   int    `json:"port"`
}

// Start tests the loaded proxies (unless SkipTest), picks the approved
// ones ordered by latency and launches one bridge per pick. With
// opts.Wait it then blocks until the bridges stop; otherwise a background
// wait loop keeps an eye on the processes.
func (m *Manager) Start(ctx context.Context, opts StartOptions) ([]BridgeInfo, error) {
	if m.sup.IsRunning() {
		return nil, ErrAlreadyRunning
	}
	if m.Count() == 0 {
		return nil, ErrNothingLoaded
	}
	if opts.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	if c := normalizeCountry(opts.Country); c != "" {
		m.mu.Lock()
		m.country = c
		m.mu.Unlock()
	}

	if !opts.SkipTest {
		findFirst := 0
		if opts.FindFirst && opts.Amount > 0 {
			findFirst = opts.Amount
		}
		if _, err := m.Test(ctx, TestOptions{
			Threads:   opts.Threads,
			Timeout:   opts.Timeout,
			Force:     opts.Force,
			FindFirst: findFirst,
		}); err != nil {
			return nil, err
		}
	}

	approved := m.approvedProxies()
	if len(approved) == 0 {
		return nil, ErrNoApprovedProxies
	}
	if opts.Amount > 0 {
		if opts.Amount > len(approved) {
			m.log.Warn().Int("requested", opts.Amount).Int("available", len(approved)).
				Msg("fewer approved proxies than requested, using all")
		} else {
			approved = approved[:opts.Amount]
		}
	}

	pairs := make([]bridge.Pair, len(approved))
	for i, e := range approved {
		lp := m.loadedByIndex(e.Index)
		pairs[i] = bridge.Pair{URI: lp.uri, Outbound: lp.ob}
	}

	handles, err := m.sup.CreateBridges(pairs)
	if err != nil {
		return nil, err
	}
	infos := make([]BridgeInfo, len(handles))
	for i, h := range handles {
		infos[i] = BridgeInfo{
			ID:     i,
			Tag:    h.Tag,
			URL:    h.URL(),
			URI:    h.URI,
			Scheme: h.Scheme,
			Port:   h.Port,
		}
	}
	m.log.Info().Int("bridges", len(infos)).Msg("bridges started")

	if opts.Wait {
		if err := m.sup.Wait(ctx); err != nil && ctx.Err() == nil {
			return infos, err
		}
		return infos, nil
	}
	m.sup.StartWaitLoop(ctx)
	return infos, nil
}

// approvedProxies returns the entries eligible for bridging, best ping
// first. Entries without a measured ping sort last but stay eligible.
func (m *Manager) approvedProxies() []*model.ProxyEntry {
	m.mu.Lock()
	country := m.country
	entries := make([]*model.ProxyEntry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	var approved []*model.ProxyEntry
	for _, e := range entries {
		if e.Status == model.StatusOK && MatchesCountry(e, country) {
			approved = append(approved, e)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		pi, iok := approved[i].PingValue()
		pj, jok := approved[j].PingValue()
		if iok != jok {
			return iok
		}
		return pi < pj
	})
	return approved
}

func (m *Manager) loadedByIndex(idx int) loadedProxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded[idx]
}

// Stop tears down all bridges and the background wait loop.
func (m *Manager) Stop() {
	m.sup.StopAll()
}

// Wait blocks until every bridge process exits or the context is
// cancelled. Bridges are torn down before it returns.
func (m *Manager) Wait(ctx context.Context) error {
	return m.sup.Wait(ctx)
}

// IsRunning reports whether any bridge is active.
func (m *Manager) IsRunning() bool {
	return m.sup.IsRunning()
}

// GetHTTPProxies returns the local endpoint URLs of the running bridges.
func (m *Manager) GetHTTPProxies() []string {
	handles := m.sup.Bridges()
	urls := make([]string, len(handles))
	for i, h := range handles {
		urls[i] = h.URL()
	}
	return urls
}

// ActiveBridges describes the running bridges in creation order.
func (m *Manager) ActiveBridges() []BridgeInfo {
	handles := m.sup.Bridges()
	infos := make([]BridgeInfo, len(handles))
	for i, h := range handles {
		infos[i] = BridgeInfo{
			ID:     i,
			Tag:    h.Tag,
			URL:    h.URL(),
			URI:    h.URI,
			Scheme: h.Scheme,
			Port:   h.Port,
		}
	}
	return infos
}

// RotateProxy swaps the proxy behind bridge id for a random other working
// proxy in the same country, keeping the local port. The replaced proxy's
// entry is invalidated so it is not picked again without a retest.
// Returns false when the id is invalid, no candidate exists or the
// replacement fails to start.
func (m *Manager) RotateProxy(id int) bool {
	handles := m.sup.Bridges()
	if id < 0 || id >= len(handles) {
		m.log.Warn().Int("id", id).Msg("rotate: invalid bridge id")
		return false
	}
	old := handles[id]

	active := make(map[string]bool, len(handles))
	for _, h := range handles {
		active[h.URI] = true
	}

	m.mu.Lock()
	country := m.country
	for _, e := range m.entries {
		if e.URI == old.URI && e.Status == model.StatusOK {
			e.Status = model.StatusError
			e.Error = "invalidated by rotation"
			e.Ping = nil
			e.Stamp(time.Now())
		}
	}
	var candidates []*model.ProxyEntry
	for _, e := range m.entries {
		if e.Status == model.StatusOK && !active[e.URI] && MatchesCountry(e, country) {
			candidates = append(candidates, e)
		}
	}
	entries := make([]*model.ProxyEntry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	if m.useCache {
		m.store.Save(entries)
	}

	if len(candidates) == 0 {
		m.log.Warn().Int("id", id).Msg("rotate: no replacement candidates")
		return false
	}
	pick := candidates[rand.Intn(len(candidates))]
	lp := m.loadedByIndex(pick.Index)

	if _, err := m.sup.RotateBridge(id, lp.ob, lp.uri); err != nil {
		m.log.Error().Err(err).Int("id", id).Msg("rotate failed")
		return false
	}
	m.log.Info().Int("id", id).Str("from", old.Tag).Str("to", lp.ob.Tag).Msg("bridge rotated")
	return true
}
