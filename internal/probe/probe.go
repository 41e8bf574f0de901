// Package probe runs the per-proxy health check: DNS resolution of the
// server host, country lookups for both the server and the observed exit
// IP, and a functional HTTP request through a short-lived local bridge.
// A probe never fails the caller; everything ends up in the Result.
package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/bridge"
	"github.com/xbridge-proxy/xbridge/internal/geo"
	"github.com/xbridge-proxy/xbridge/internal/logging"
	"github.com/xbridge-proxy/xbridge/internal/outbound"
)

// DefaultTestURL must return the caller's IP in a JSON "origin" field.
const DefaultTestURL = "http://httpbin.org/ip"

const maxErrorLen = 100

// Endpoint is a local HTTP proxy endpoint used for one functional test.
type Endpoint interface {
	URL() string
	Close()
}

// Opener provisions a transient endpoint for an outbound.
type Opener interface {
	Open(ob *outbound.Outbound, uri string) (Endpoint, error)
}

// SupervisorOpener adapts a bridge supervisor to the Opener interface.
type SupervisorOpener struct {
	Sup *bridge.Supervisor
	// Stabilization overrides the engine startup grace period when > 0.
	Stabilization time.Duration
}

func (o SupervisorOpener) Open(ob *outbound.Outbound, uri string) (Endpoint, error) {
	return o.Sup.OpenTransient(ob, uri, o.Stabilization)
}

// Result is the outcome of probing one proxy.
type Result struct {
	Host string
	Port int

	// Server leg
	IP      string
	Country geo.Info

	// Exit leg
	ExitIP      string
	ExitCountry geo.Info

	PingMS float64
	OK     bool
	Err    string
}

// Prober checks proxies. The zero value is not usable; Opener is required.
type Prober struct {
	Opener Opener
	// Geo resolves countries for both legs. Nil disables geo enrichment.
	Geo geo.Resolver
	// TestURL defaults to DefaultTestURL.
	TestURL   string
	UserAgent string
	// Resolve is the DNS hook. Defaults to net.LookupIP.
	Resolve func(host string) ([]net.IP, error)

	log zerolog.Logger
}

// New creates a prober backed by the given opener.
func New(opener Opener, resolver geo.Resolver, testURL, userAgent string) *Prober {
	return &Prober{
		Opener:    opener,
		Geo:       resolver,
		TestURL:   testURL,
		UserAgent: userAgent,
		log:       logging.WithComponent("probe"),
	}
}

// Probe runs the full check for one outbound. The timeout bounds only the
// functional HTTP request.
func (p *Prober) Probe(ctx context.Context, uri string, ob *outbound.Outbound, timeout time.Duration) Result {
	var res Result

	host, port, err := ob.HostPort()
	if err != nil {
		res.Err = truncateError("invalid outbound: " + err.Error())
		return res
	}
	res.Host = host
	res.Port = port

	if ctx.Err() != nil {
		res.Err = "cancelled"
		return res
	}

	res.IP = p.resolveHost(host)
	if p.Geo != nil && res.IP != "" {
		if info, ok := p.Geo.Lookup(ctx, res.IP); ok {
			res.Country = info
		}
	}

	endpoint, err := p.Opener.Open(ob, uri)
	if err != nil {
		res.Err = truncateError("bridge error: " + err.Error())
		return res
	}
	defer endpoint.Close()

	pingMS, exitIP, err := p.fetchThroughProxy(ctx, endpoint.URL(), timeout)
	if err != nil {
		res.Err = classifyError(err, timeout)
		return res
	}

	res.OK = true
	res.PingMS = pingMS
	// The exit leg is only meaningful when the observed egress address
	// differs from the server itself.
	if exitIP != "" && exitIP != res.IP {
		res.ExitIP = exitIP
		if p.Geo != nil {
			if info, ok := p.Geo.Lookup(ctx, exitIP); ok {
				res.ExitCountry = info
			}
		}
	}
	p.log.Debug().Str("host", host).Float64("ping_ms", pingMS).Str("exit_ip", exitIP).Msg("probe ok")
	return res
}

// fetchThroughProxy requests the test URL via the local bridge and returns
// the latency in milliseconds and the reported origin IP.
func (p *Prober) fetchThroughProxy(ctx context.Context, proxyAddr string, timeout time.Duration) (float64, string, error) {
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return 0, "", err
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
		},
	}

	testURL := p.TestURL
	if testURL == "" {
		testURL = DefaultTestURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return 0, "", err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if resp.StatusCode >= 400 {
		return 0, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", err
	}
	return elapsed, parseOrigin(body), nil
}

// parseOrigin extracts the first IP from the test endpoint's JSON response.
// Responses behind chained proxies may carry "a, b" lists.
func parseOrigin(body []byte) string {
	var payload struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	first, _, _ := strings.Cut(payload.Origin, ",")
	return strings.TrimSpace(first)
}

// resolveHost returns the first resolved address, preferring IPv4. Hosts
// that already are IP literals pass through untouched.
func (p *Prober) resolveHost(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return host
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	return ips[0].String()
}

// classifyError maps transport failures to the short, stable messages that
// end up in entries and the cache.
func classifyError(err error, timeout time.Duration) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Sprintf("timeout after %.1fs", timeout.Seconds())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timeout after %.1fs", timeout.Seconds())
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "proxyconnect"):
		return truncateError("proxy error: " + msg)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return truncateError("connection error: " + msg)
	default:
		return truncateError("error: " + msg)
	}
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
