package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/logging"
)

const (
	findIPURLTemplate = "https://api.findip.net/%s/?token=%s"
	ipAPIURLTemplate  = "http://ip-api.com/json/%s"

	httpLookupTimeout = 8 * time.Second
)

// HTTPResolver resolves countries through public HTTP APIs: findip.net when
// a token is configured, falling back to ip-api.com.
type HTTPResolver struct {
	// Client is used for all lookups. Defaults to a short-timeout client.
	Client *http.Client
	// Token enables the findip.net primary endpoint.
	Token string
	// UserAgent is sent with every request when non-empty.
	UserAgent string

	log zerolog.Logger
}

// NewHTTPResolver creates an HTTP resolver with the given findip token,
// which may be empty.
func NewHTTPResolver(token, userAgent string) *HTTPResolver {
	return &HTTPResolver{
		Client:    &http.Client{Timeout: httpLookupTimeout},
		Token:     token,
		UserAgent: userAgent,
		log:       logging.WithComponent("geo"),
	}
}

// Lookup queries findip.net first (when a token is set), then ip-api.com.
// Non-public addresses are skipped without a network call.
func (r *HTTPResolver) Lookup(ctx context.Context, ip string) (Info, bool) {
	ip = strings.TrimSpace(ip)
	if !IsPublicIP(ip) {
		return Info{}, false
	}

	if r.Token != "" {
		if info, ok := r.lookupFindIP(ctx, ip); ok {
			return info, true
		}
	}
	return r.lookupIPAPI(ctx, ip)
}

func (r *HTTPResolver) lookupFindIP(ctx context.Context, ip string) (Info, bool) {
	var payload struct {
		Country struct {
			ISOCode string            `json:"iso_code"`
			Names   map[string]string `json:"names"`
		} `json:"country"`
	}
	if err := r.fetchJSON(ctx, fmt.Sprintf(findIPURLTemplate, ip, r.Token), &payload); err != nil {
		r.log.Debug().Err(err).Str("ip", ip).Msg("findip lookup failed")
		return Info{}, false
	}

	info := Info{
		Code: strings.ToUpper(strings.TrimSpace(payload.Country.ISOCode)),
		Name: strings.TrimSpace(payload.Country.Names["en"]),
	}
	if info.Code == "" && info.Name == "" {
		return Info{}, false
	}
	return info, true
}

func (r *HTTPResolver) lookupIPAPI(ctx context.Context, ip string) (Info, bool) {
	var payload struct {
		Status      string `json:"status"`
		Country     string `json:"country"`
		CountryCode string `json:"countryCode"`
	}
	if err := r.fetchJSON(ctx, fmt.Sprintf(ipAPIURLTemplate, ip), &payload); err != nil {
		r.log.Debug().Err(err).Str("ip", ip).Msg("ip-api lookup failed")
		return Info{}, false
	}
	if payload.Status != "success" {
		return Info{}, false
	}

	info := Info{
		Code: strings.ToUpper(strings.TrimSpace(payload.CountryCode)),
		Name: strings.TrimSpace(payload.Country),
	}
	if info.Code == "" && info.Name == "" {
		return Info{}, false
	}
	return info, true
}

func (r *HTTPResolver) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: httpLookupTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
