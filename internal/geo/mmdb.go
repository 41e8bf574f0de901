package geo

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// mmdbRecord is the subset of a GeoLite2 country record we read.
type mmdbRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

// MMDBResolver resolves countries from a local MaxMind database. It never
// makes network calls, so it is preferred over HTTP resolvers when a
// database file is available.
type MMDBResolver struct {
	mu sync.RWMutex
	db *maxminddb.Reader
}

// OpenMMDB opens a country database at path.
func OpenMMDB(path string) (*MMDBResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBResolver{db: db}, nil
}

func (r *MMDBResolver) Lookup(_ context.Context, ip string) (Info, bool) {
	if !IsPublicIP(ip) {
		return Info{}, false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Info{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return Info{}, false
	}

	var record mmdbRecord
	if err := r.db.Lookup(parsed, &record); err != nil {
		return Info{}, false
	}

	info := Info{
		Code: strings.ToUpper(strings.TrimSpace(record.Country.ISOCode)),
		Name: strings.TrimSpace(record.Country.Names["en"]),
	}
	if info.Code == "" && info.Name == "" {
		return Info{}, false
	}
	return info, true
}

// Close releases the underlying database.
func (r *MMDBResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
