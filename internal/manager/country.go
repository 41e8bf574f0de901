package manager

import (
	"fmt"
	"strings"

	"github.com/xbridge-proxy/xbridge/internal/model"
)

func normalizeCountry(c string) string {
	return strings.TrimSpace(c)
}

// MatchesCountry reports whether an entry's observed location matches the
// wanted country (ISO code or name, case-insensitive, substring-tolerant).
// The exit-side location is checked when known, the server-side location
// otherwise; when the exit IP differs from the server IP both legs must
// match. An empty wanted country matches everything.
func MatchesCountry(e *model.ProxyEntry, country string) bool {
	want := strings.ToLower(normalizeCountry(country))
	if want == "" {
		return true
	}

	exitLeg := []string{e.ProxyCountry, e.ProxyCountryCode}
	serverLeg := []string{e.Country, e.CountryCode, e.CountryName}

	effective := serverLeg
	if hasLocation(exitLeg) {
		effective = exitLeg
	}
	if !matchesLeg(want, effective) {
		return false
	}
	// Traffic enters one country and exits another; require both.
	if e.ProxyIP != "" && e.ProxyIP != e.IP {
		return matchesLeg(want, serverLeg)
	}
	return true
}

func hasLocation(leg []string) bool {
	for _, v := range leg {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func matchesLeg(want string, values []string) bool {
	var candidates []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && v != "-" {
			candidates = append(candidates, strings.ToLower(v))
		}
	}
	if len(candidates) == 0 {
		return false
	}
	for _, c := range candidates {
		if c == want {
			return true
		}
	}
	for _, c := range candidates {
		if strings.Contains(c, want) || strings.Contains(want, c) {
			return true
		}
	}
	return false
}

// applyCountryFilter downgrades a working entry that sits in the wrong
// country to FILTERED. Failed entries keep their original error.
func (m *Manager) applyCountryFilter(e *model.ProxyEntry, country string) {
	if country == "" || e.Status != model.StatusOK {
		return
	}
	if MatchesCountry(e, country) {
		return
	}
	e.Status = model.StatusFiltered
	loc := e.ProxyCountry
	if loc == "" {
		loc = e.Country
	}
	if loc == "" {
		loc = "unknown"
	}
	e.Error = fmt.Sprintf("country filter %q: proxy is in %s", country, loc)
}
