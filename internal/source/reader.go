// Package source fetches proxy lists from local files and URLs. GitHub raw
// links are routed through the contents API, which tolerates rate limiting
// better, with a transparent fallback to the raw download.
package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/xbridge-proxy/xbridge/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 2
	maxBodySize    = 16 << 20
)

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("source: unexpected status %d from %s", e.StatusCode, e.URL)
}

// Reader loads source payloads.
type Reader struct {
	// Client is used for all downloads. Defaults to a client with Timeout.
	Client *http.Client
	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration
	// UserAgent is sent with every request when non-empty.
	UserAgent string

	log zerolog.Logger
}

// NewReader creates a source reader with the given per-request timeout.
func NewReader(timeout time.Duration, userAgent string) *Reader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Reader{
		Client:    &http.Client{Timeout: timeout},
		Timeout:   timeout,
		UserAgent: userAgent,
		log:       logging.WithComponent("source"),
	}
}

// Read loads one source. Strings without a URL scheme are treated as local
// file paths.
func (r *Reader) Read(ctx context.Context, src string) ([]byte, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("source: empty source")
	}

	if !strings.Contains(src, "://") {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("source: read file: %w", err)
		}
		return data, nil
	}

	if isGitHubAPIURL(src) {
		return r.fetchGitHubAPI(ctx, src)
	}
	if apiURL, ok := toGitHubAPIURL(src); ok {
		data, err := r.fetchGitHubAPI(ctx, apiURL)
		if err == nil {
			return data, nil
		}
		r.log.Debug().Err(err).Str("url", src).Msg("github api fetch failed, falling back to raw download")
	}
	return r.download(ctx, src)
}

// download GETs a URL with exponential backoff on transient failures.
// Client errors (4xx) abort immediately.
func (r *Reader) download(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	op := func() error {
		data, err := r.fetchOnce(ctx, rawURL, "")
		if err != nil {
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (r *Reader) fetchOnce(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("source: read body: %w", err)
	}
	return body, nil
}

// fetchGitHubAPI downloads a file through the GitHub contents API and
// decodes the base64 payload.
func (r *Reader) fetchGitHubAPI(ctx context.Context, apiURL string) ([]byte, error) {
	body, err := r.fetchOnce(ctx, apiURL, "application/vnd.github.raw+json")
	if err != nil {
		return nil, err
	}

	// With the raw media type GitHub returns the file body directly. Older
	// proxies may still hand back the JSON envelope, so try to unwrap it.
	if decoded, ok := decodeContentsEnvelope(body); ok {
		return decoded, nil
	}
	return body, nil
}

func decodeContentsEnvelope(body []byte) ([]byte, bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var envelope struct {
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, false
	}
	if envelope.Encoding != "base64" || envelope.Content == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(envelope.Content, "\n", ""))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func isGitHubAPIURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, "api.github.com")
}

// toGitHubAPIURL converts raw.githubusercontent.com and github.com/.../raw
// links to the contents API form:
//
//	https://api.github.com/repos/{owner}/{repo}/contents/{path}?ref={ref}
func toGitHubAPIURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case strings.EqualFold(u.Host, "raw.githubusercontent.com"):
		// {owner}/{repo}/{ref}/{path...}
		if len(segments) < 4 {
			return "", false
		}
		return buildContentsURL(segments[0], segments[1], segments[2], segments[3:]), true
	case strings.EqualFold(u.Host, "github.com"):
		// {owner}/{repo}/raw/{ref}/{path...}
		if len(segments) < 5 || segments[2] != "raw" {
			return "", false
		}
		return buildContentsURL(segments[0], segments[1], segments[3], segments[4:]), true
	default:
		return "", false
	}
}

func buildContentsURL(owner, repo, ref string, path []string) string {
	return fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s?ref=%s",
		owner, repo, strings.Join(path, "/"), url.QueryEscape(ref))
}
