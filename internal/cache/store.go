// Package cache persists proxy test results to a JSON file keyed by share
// link. Load and save never fail the caller: IO and decode problems are
// logged and reported as a boolean.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/logging"
	"github.com/xbridge-proxy/xbridge/internal/model"
)

// DefaultPath is the cache file used when no explicit path is configured.
const DefaultPath = "proxy_cache.json"

const fileVersion = 1

// Record is one cached test result. Unknown fields in existing files are
// ignored and numeric fields tolerate string-typed values.
type Record struct {
	URI    string `json:"uri"`
	Tag    string `json:"tag,omitempty"`
	Status string `json:"status,omitempty"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	IP          string `json:"ip,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`

	ProxyIP          string `json:"proxy_ip,omitempty"`
	ProxyCountry     string `json:"proxy_country,omitempty"`
	ProxyCountryCode string `json:"proxy_country_code,omitempty"`

	Ping  *float64 `json:"ping,omitempty"`
	Error string   `json:"error,omitempty"`

	TestedAt   string  `json:"tested_at,omitempty"`
	TestedAtTS float64 `json:"tested_at_ts,omitempty"`
}

// recordWire mirrors Record with loosely typed numerics for decoding files
// written by other tooling.
type recordWire struct {
	URI    string `json:"uri"`
	Tag    string `json:"tag"`
	Status string `json:"status"`

	Host string `json:"host"`
	Port any    `json:"port"`

	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`

	ProxyIP          string `json:"proxy_ip"`
	ProxyCountry     string `json:"proxy_country"`
	ProxyCountryCode string `json:"proxy_country_code"`

	Ping   any    `json:"ping"`
	PingMS any    `json:"ping_ms"`
	Error  string `json:"error"`

	TestedAt   string `json:"tested_at"`
	TestedAtTS any    `json:"tested_at_ts"`
}

// UnmarshalJSON decodes a record while coercing numeric fields that older
// files may carry as strings.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		URI:              w.URI,
		Tag:              w.Tag,
		Status:           w.Status,
		Host:             w.Host,
		IP:               w.IP,
		Country:          w.Country,
		CountryCode:      w.CountryCode,
		CountryName:      w.CountryName,
		ProxyIP:          w.ProxyIP,
		ProxyCountry:     w.ProxyCountry,
		ProxyCountryCode: w.ProxyCountryCode,
		Error:            w.Error,
		TestedAt:         w.TestedAt,
	}
	if port, ok := coerceFloat(w.Port); ok && port > 0 {
		r.Port = int(port)
	}
	if ping, ok := coerceFloat(w.Ping); ok {
		r.Ping = &ping
	} else if ping, ok := coerceFloat(w.PingMS); ok {
		r.Ping = &ping
	}
	if ts, ok := coerceFloat(w.TestedAtTS); ok {
		r.TestedAtTS = ts
	}
	return nil
}

type cacheFile struct {
	Version     int      `json:"version"`
	GeneratedAt string   `json:"generated_at"`
	Entries     []Record `json:"entries"`
}

// Store is a whole-file JSON cache of proxy test results.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Record
}

// NewStore creates a store backed by path. An empty path selects
// DefaultPath in the working directory.
func NewStore(path string) *Store {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	return &Store{
		path:    path,
		log:     logging.WithComponent("cache"),
		entries: make(map[string]Record),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the cache file into memory. A missing, unreadable or malformed
// file leaves the store empty and returns false.
func (s *Store) Load() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("cache read failed")
		}
		return false
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("cache decode failed")
		return false
	}

	entries := make(map[string]Record, len(file.Entries))
	for _, rec := range file.Entries {
		if strings.TrimSpace(rec.URI) == "" {
			continue
		}
		entries[rec.URI] = rec
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.log.Debug().Int("entries", len(entries)).Str("path", s.path).Msg("cache loaded")
	return true
}

// Get returns the cached record for a share link.
func (s *Store) Get(uri string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[uri]
	return rec, ok
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Save replaces the cache contents with the given entries and rewrites the
// backing file. Entries without a URI are skipped. Write failures are logged
// and reported as false; the caller is never interrupted.
func (s *Store) Save(entries []*model.ProxyEntry) bool {
	now := time.Now()
	records := make([]Record, 0, len(entries))
	byURI := make(map[string]Record, len(entries))
	for _, e := range entries {
		if e == nil || strings.TrimSpace(e.URI) == "" {
			continue
		}
		rec := recordFromEntry(e, now)
		records = append(records, rec)
		byURI[rec.URI] = rec
	}

	file := cacheFile{
		Version:     fileVersion,
		GeneratedAt: model.FormatTimestamp(float64(now.Unix())),
		Entries:     records,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("cache encode failed")
		return false
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("cache mkdir failed")
			return false
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("cache write failed")
		return false
	}

	s.mu.Lock()
	s.entries = byURI
	s.mu.Unlock()

	s.log.Debug().Int("entries", len(records)).Str("path", s.path).Msg("cache saved")
	return true
}

// Apply merges a cached record into a fresh entry. Only non-empty cached
// values overwrite, and the entry is marked as cache-sourced.
func (s *Store) Apply(e *model.ProxyEntry, rec Record) {
	setIfNotEmpty := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}

	if rec.Status != "" {
		e.Status = model.Status(rec.Status)
	}
	setIfNotEmpty(&e.Tag, rec.Tag)
	setIfNotEmpty(&e.Host, rec.Host)
	setIfNotEmpty(&e.IP, rec.IP)
	setIfNotEmpty(&e.Country, rec.Country)
	setIfNotEmpty(&e.CountryCode, rec.CountryCode)
	setIfNotEmpty(&e.CountryName, rec.CountryName)
	setIfNotEmpty(&e.ProxyIP, rec.ProxyIP)
	setIfNotEmpty(&e.ProxyCountry, rec.ProxyCountry)
	setIfNotEmpty(&e.ProxyCountryCode, rec.ProxyCountryCode)
	setIfNotEmpty(&e.Error, rec.Error)
	setIfNotEmpty(&e.TestedAt, rec.TestedAt)

	if rec.Port > 0 {
		e.Port = rec.Port
	}
	if rec.Ping != nil {
		ping := *rec.Ping
		e.Ping = &ping
	}
	if rec.TestedAtTS > 0 {
		e.TestedAtTS = rec.TestedAtTS
	}
	e.Cached = true
}

func recordFromEntry(e *model.ProxyEntry, now time.Time) Record {
	rec := Record{
		URI:              e.URI,
		Tag:              e.Tag,
		Status:           string(e.Status),
		Host:             e.Host,
		Port:             e.Port,
		IP:               e.IP,
		Country:          e.Country,
		CountryCode:      e.CountryCode,
		CountryName:      e.CountryName,
		ProxyIP:          e.ProxyIP,
		ProxyCountry:     e.ProxyCountry,
		ProxyCountryCode: e.ProxyCountryCode,
		Error:            e.Error,
		TestedAt:         e.TestedAt,
		TestedAtTS:       e.TestedAtTS,
	}
	if e.Ping != nil {
		ping := *e.Ping
		rec.Ping = &ping
	}
	if rec.TestedAtTS <= 0 {
		rec.TestedAtTS = float64(now.Unix())
	}
	if rec.TestedAt == "" {
		rec.TestedAt = model.FormatTimestamp(rec.TestedAtTS)
	}
	return rec
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
