package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsPublicIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", true},
		{"203.0.113.9", true},
		{"2001:4860:4860::8888", true},
		{"10.0.0.1", false},
		{"192.168.1.1", false},
		{"127.0.0.1", false},
		{"169.254.0.1", false},
		{"::1", false},
		{"0.0.0.0", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsPublicIP(tc.ip); got != tc.want {
			t.Errorf("IsPublicIP(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestHTTPResolverIPAPIFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","country":"Netherlands","countryCode":"nl"}`)
	}))
	defer srv.Close()

	r := NewHTTPResolver("", "test-agent")
	r.Client = srv.Client()
	// point both endpoints at the fake server
	r.Client.Transport = rewriteTransport{srv.URL}

	info, ok := r.Lookup(context.Background(), "8.8.8.8")
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if info.Code != "NL" || info.Name != "Netherlands" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestHTTPResolverSkipsPrivateAddresses(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	r := NewHTTPResolver("", "")
	r.Client = srv.Client()
	r.Client.Transport = rewriteTransport{srv.URL}

	if _, ok := r.Lookup(context.Background(), "192.168.0.10"); ok {
		t.Fatal("private address must not resolve")
	}
	if calls.Load() != 0 {
		t.Fatal("private address lookup must not reach the network")
	}
}

func TestHTTPResolverFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail"}`)
	}))
	defer srv.Close()

	r := NewHTTPResolver("", "")
	r.Client = srv.Client()
	r.Client.Transport = rewriteTransport{srv.URL}

	if _, ok := r.Lookup(context.Background(), "8.8.8.8"); ok {
		t.Fatal("expected miss on fail status")
	}
}

func TestCachedResolverHitsNetworkOnce(t *testing.T) {
	var calls atomic.Int64
	inner := resolverFunc(func(_ context.Context, ip string) (Info, bool) {
		calls.Add(1)
		return Info{Code: "SE", Name: "Sweden"}, true
	})

	cached := NewCached(inner, 16, time.Minute)
	defer cached.Close()

	for i := 0; i < 5; i++ {
		info, ok := cached.Lookup(context.Background(), "8.8.8.8")
		if !ok || info.Code != "SE" {
			t.Fatalf("lookup %d failed: %+v %v", i, info, ok)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestMultiResolverOrder(t *testing.T) {
	miss := resolverFunc(func(context.Context, string) (Info, bool) { return Info{}, false })
	hit := resolverFunc(func(context.Context, string) (Info, bool) { return Info{Code: "JP"}, true })

	m := Multi{miss, hit}
	info, ok := m.Lookup(context.Background(), "8.8.8.8")
	if !ok || info.Code != "JP" {
		t.Fatalf("expected fallthrough hit, got %+v %v", info, ok)
	}

	none := Multi{miss, miss}
	if _, ok := none.Lookup(context.Background(), "8.8.8.8"); ok {
		t.Fatal("expected miss from all-miss chain")
	}
}

func TestInfoLabel(t *testing.T) {
	if (Info{Code: "DE", Name: "Germany"}).Label() != "Germany" {
		t.Error("expected name to win")
	}
	if (Info{Code: "DE"}).Label() != "DE" {
		t.Error("expected code fallback")
	}
}

type resolverFunc func(ctx context.Context, ip string) (Info, bool)

func (f resolverFunc) Lookup(ctx context.Context, ip string) (Info, bool) { return f(ctx, ip) }

// rewriteTransport sends every request to a fixed test server, preserving
// the request path.
type rewriteTransport struct {
	base string
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := strings.TrimSuffix(t.base, "/") + req.URL.RequestURI()
	redirected, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return nil, err
	}
	redirected.Header = req.Header
	return http.DefaultTransport.RoundTrip(redirected)
}
