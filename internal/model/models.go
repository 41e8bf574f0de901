// Package model defines domain structs shared across the manager, cache and
// probing layers.
package model

import "time"

// Status is the lifecycle state of a proxy entry.
type Status string

const (
	StatusAwaiting Status = "AWAITING"
	StatusTesting  Status = "TESTING"
	StatusOK       Status = "OK"
	StatusError    Status = "ERROR"
	StatusFiltered Status = "FILTERED"
)

// ProxyEntry is the per-proxy test record. Index points back into the
// manager's loaded outbound list; URI is the cache key.
type ProxyEntry struct {
	Index  int    `json:"index"`
	URI    string `json:"uri"`
	Tag    string `json:"tag,omitempty"`
	Status Status `json:"status"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// IP and the Country* fields describe the server-side leg (the resolved
	// address of the proxy server itself).
	IP          string `json:"ip,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`

	// ProxyIP and ProxyCountry* describe the exit leg (the external IP
	// observed through the tunnel).
	ProxyIP          string `json:"proxy_ip,omitempty"`
	ProxyCountry     string `json:"proxy_country,omitempty"`
	ProxyCountryCode string `json:"proxy_country_code,omitempty"`

	Ping  *float64 `json:"ping,omitempty"`
	Error string   `json:"error,omitempty"`

	TestedAt   string  `json:"tested_at,omitempty"`
	TestedAtTS float64 `json:"tested_at_ts,omitempty"`

	// Cached marks entries hydrated from the cache store rather than a live
	// probe.
	Cached bool `json:"cached,omitempty"`
}

// SetPing stores a latency measurement in milliseconds.
func (e *ProxyEntry) SetPing(ms float64) {
	e.Ping = &ms
}

// PingValue returns the latency in milliseconds and whether one is set.
func (e *ProxyEntry) PingValue() (float64, bool) {
	if e.Ping == nil {
		return 0, false
	}
	return *e.Ping, true
}

// Stamp records the test completion time on the entry.
func (e *ProxyEntry) Stamp(now time.Time) {
	e.TestedAtTS = float64(now.UnixNano()) / float64(time.Second)
	e.TestedAt = FormatTimestamp(e.TestedAtTS)
}

// FormatTimestamp renders a unix timestamp as an ISO-8601 UTC string with a
// trailing Z, second precision.
func FormatTimestamp(ts float64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02T15:04:05Z")
}
