package manager

import (
	"context"
	"sync"
	"time"

	"github.com/xbridge-proxy/xbridge/internal/model"
	"github.com/xbridge-proxy/xbridge/internal/probe"
)

// TestOptions controls a test run.
type TestOptions struct {
	// Threads is the probe concurrency. Defaults to 1.
	Threads int
	// Timeout bounds each functional probe. Defaults to 10s.
	Timeout time.Duration
	// Country overrides (and replaces) the manager's country filter when
	// non-empty.
	Country string
	// Force re-probes proxies that already have a cached result.
	Force bool
	// FindFirst stops the run once that many working proxies are known.
	// 0 tests everything.
	FindFirst int
}

// Test probes all loaded proxies and replaces the entry list with the
// results, ordered by load index. Cached results are reused unless Force
// is set. The outcome is persisted to the cache before returning, even
// when FindFirst short-circuits the run.
func (m *Manager) Test(ctx context.Context, opts TestOptions) ([]*model.ProxyEntry, error) {
	m.mu.Lock()
	if len(m.loaded) == 0 {
		m.mu.Unlock()
		return nil, ErrNothingLoaded
	}
	loaded := make([]loadedProxy, len(m.loaded))
	copy(loaded, m.loaded)
	country := m.country
	if c := normalizeCountry(opts.Country); c != "" {
		country = c
		m.country = c
	}
	m.mu.Unlock()

	threads := opts.Threads
	if threads <= 0 {
		threads = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	results := make([]*model.ProxyEntry, len(loaded))
	okCount := 0

	// Pass 1: serve from cache.
	var pending []int
	for i, lp := range loaded {
		e := freshEntry(i, lp)
		results[i] = e

		if m.useCache && !opts.Force {
			if rec, ok := m.store.Get(lp.uri); ok && concludedStatus(rec.Status) {
				m.store.Apply(e, rec)
				m.applyCountryFilter(e, country)
				if e.Status == model.StatusOK {
					okCount++
				}
				continue
			}
		}
		pending = append(pending, i)
	}

	if opts.FindFirst > 0 && okCount >= opts.FindFirst {
		m.log.Info().Int("ok", okCount).Msg("find-first satisfied from cache")
		pending = nil
	}

	// Pass 2: probe everything the cache could not answer.
	if len(pending) > 0 {
		m.probePending(ctx, loaded, results, pending, probeRun{
			threads:   threads,
			timeout:   timeout,
			country:   country,
			findFirst: opts.FindFirst,
			okSoFar:   okCount,
		})
	}

	m.mu.Lock()
	m.entries = results
	m.mu.Unlock()
	if m.useCache {
		m.store.Save(results)
	}
	return results, nil
}

type probeRun struct {
	threads   int
	timeout   time.Duration
	country   string
	findFirst int
	okSoFar   int
}

func (m *Manager) probePending(ctx context.Context, loaded []loadedProxy, results []*model.ProxyEntry, pending []int, run probeRun) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, run.threads)
	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := run.okSoFar

	for _, idx := range pending {
		lp := loaded[idx]
		e := results[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				return
			}
			defer func() { <-sem }()
			if runCtx.Err() != nil {
				return
			}

			e.Status = model.StatusTesting
			res := m.probeFn(runCtx, lp.uri, lp.ob, run.timeout)
			// A failure after the run was cancelled is an interrupted
			// probe, not a verdict; the entry stays untested.
			if !res.OK && runCtx.Err() != nil {
				e.Status = model.StatusAwaiting
				return
			}
			applyProbeResult(e, res)
			m.applyCountryFilter(e, run.country)
			e.Stamp(time.Now())

			if e.Status == model.StatusOK {
				mu.Lock()
				okCount++
				reached := run.findFirst > 0 && okCount >= run.findFirst
				mu.Unlock()
				if reached {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	// Probes skipped by cancellation stay AWAITING.
	for _, idx := range pending {
		if results[idx].Status == model.StatusTesting {
			results[idx].Status = model.StatusAwaiting
		}
	}
}

// concludedStatus reports whether a cached status represents a finished
// test. Anything else (AWAITING, TESTING, unknown) is not a cache hit.
func concludedStatus(status string) bool {
	switch model.Status(status) {
	case model.StatusOK, model.StatusError, model.StatusFiltered:
		return true
	}
	return false
}

// applyProbeResult copies a probe outcome into an entry.
func applyProbeResult(e *model.ProxyEntry, res probe.Result) {
	if res.Host != "" {
		e.Host = res.Host
	}
	if res.Port > 0 {
		e.Port = res.Port
	}
	e.IP = res.IP
	e.Country = res.Country.Label()
	e.CountryCode = res.Country.Code
	e.CountryName = res.Country.Name
	e.ProxyIP = res.ExitIP
	e.ProxyCountry = res.ExitCountry.Label()
	e.ProxyCountryCode = res.ExitCountry.Code
	e.Cached = false

	if res.OK {
		e.Status = model.StatusOK
		e.SetPing(res.PingMS)
		e.Error = ""
	} else {
		e.Status = model.StatusError
		e.Ping = nil
		e.Error = res.Err
	}
}
