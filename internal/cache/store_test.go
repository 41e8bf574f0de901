package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xbridge-proxy/xbridge/internal/model"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	store := NewStore(path)

	ping := 123.4
	entries := []*model.ProxyEntry{
		{
			Index:  0,
			URI:    "trojan://pw@tr.example.com:443#a",
			Tag:    "a",
			Status: model.StatusOK,
			Host:   "tr.example.com",
			Port:   443,
			IP:     "203.0.113.5",
			Ping:   &ping,

			ProxyIP:          "198.51.100.9",
			ProxyCountry:     "Germany",
			ProxyCountryCode: "DE",
			TestedAtTS:       1700000000,
			TestedAt:         "2023-11-14T22:13:20Z",
		},
		{
			Index:  1,
			URI:    "ss://abc@h:1#b",
			Status: model.StatusError,
			Error:  "timeout after 10.0s",
		},
		{
			// no URI, must be skipped
			Index:  2,
			Status: model.StatusOK,
		},
	}

	if !store.Save(entries) {
		t.Fatal("Save returned false")
	}

	fresh := NewStore(path)
	if !fresh.Load() {
		t.Fatal("Load returned false")
	}
	if fresh.Len() != 2 {
		t.Fatalf("expected 2 cached records, got %d", fresh.Len())
	}

	rec, ok := fresh.Get("trojan://pw@tr.example.com:443#a")
	if !ok {
		t.Fatal("record not found after reload")
	}
	if rec.Status != "OK" || rec.Port != 443 || rec.ProxyCountryCode != "DE" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Ping == nil || *rec.Ping != 123.4 {
		t.Errorf("ping lost in round trip: %+v", rec.Ping)
	}
	if rec.TestedAtTS != 1700000000 {
		t.Errorf("timestamp lost: %v", rec.TestedAtTS)
	}

	errRec, ok := fresh.Get("ss://abc@h:1#b")
	if !ok {
		t.Fatal("error record not found")
	}
	if errRec.Status != "ERROR" || errRec.Error != "timeout after 10.0s" {
		t.Errorf("unexpected error record %+v", errRec)
	}
	if errRec.TestedAtTS <= 0 || errRec.TestedAt == "" {
		t.Error("expected save to stamp entries without timestamps")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	if store.Load() {
		t.Fatal("Load of missing file should return false")
	}
	if store.Len() != 0 {
		t.Fatal("store should stay empty")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(path)
	if store.Load() {
		t.Fatal("Load of corrupt file should return false")
	}
}

func TestLoadCoercesStringNumerics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	payload := `{
  "version": 1,
  "entries": [
    {"uri": "ss://x@h:1#n", "status": "OK", "port": "8388", "ping": "99.5", "tested_at_ts": "1700000000"},
    {"uri": "", "status": "OK"}
  ]
}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	if !store.Load() {
		t.Fatal("Load returned false")
	}
	if store.Len() != 1 {
		t.Fatalf("expected uri-less entry to be dropped, got %d records", store.Len())
	}

	rec, _ := store.Get("ss://x@h:1#n")
	if rec.Port != 8388 {
		t.Errorf("port not coerced: %d", rec.Port)
	}
	if rec.Ping == nil || *rec.Ping != 99.5 {
		t.Errorf("ping not coerced: %+v", rec.Ping)
	}
	if rec.TestedAtTS != 1700000000 {
		t.Errorf("timestamp not coerced: %v", rec.TestedAtTS)
	}
}

func TestApplyMergesOnlyNonEmptyFields(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cache.json"))
	ping := 50.0
	rec := Record{
		URI:         "ss://x@h:1#n",
		Status:      "OK",
		Host:        "h.example.com",
		Port:        8388,
		CountryCode: "NL",
		Ping:        &ping,
	}

	entry := &model.ProxyEntry{
		Index:  3,
		URI:    "ss://x@h:1#n",
		Tag:    "existing-tag",
		Status: model.StatusAwaiting,
		Host:   "original-host",
	}
	store.Apply(entry, rec)

	if entry.Status != model.StatusOK {
		t.Errorf("status not applied: %s", entry.Status)
	}
	if entry.Host != "h.example.com" {
		t.Errorf("host not overwritten: %s", entry.Host)
	}
	if entry.Tag != "existing-tag" {
		t.Errorf("empty cached tag overwrote entry tag: %s", entry.Tag)
	}
	if entry.CountryCode != "NL" || entry.Port != 8388 {
		t.Errorf("fields not applied: %+v", entry)
	}
	if entry.Ping == nil || *entry.Ping != 50.0 {
		t.Errorf("ping not applied: %+v", entry.Ping)
	}
	if !entry.Cached {
		t.Error("entry not marked as cached")
	}
}

func TestSaveUnwritablePathReturnsFalse(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing", "\x00bad", "cache.json"))
	ok := store.Save([]*model.ProxyEntry{{URI: "ss://x@h:1", Status: model.StatusOK}})
	if ok {
		t.Fatal("expected Save to fail on unwritable path")
	}
}
