package outbound

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxTagLen caps sanitized tags so they stay usable as workdir name parts.
const maxTagLen = 48

var (
	schemeRe   = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*)://`)
	tagCleanRe = regexp.MustCompile(`[^\w\-.]+`)
)

// Parse converts a single share link into an Outbound. The scheme selects
// the protocol parser; unsupported schemes and malformed payloads return a
// descriptive error.
func Parse(uri string) (*Outbound, error) {
	line := strings.TrimSpace(uri)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return nil, fmt.Errorf("empty or comment line")
	}

	m := schemeRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("missing scheme")
	}

	switch strings.ToLower(m[1]) {
	case "ss":
		return parseSS(line)
	case "vmess":
		return parseVmess(line)
	case "vless":
		return parseVless(line)
	case "trojan":
		return parseTrojan(line)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", strings.ToLower(m[1]))
	}
}

func parseSS(uri string) (*Outbound, error) {
	raw := strings.TrimSpace(uri[len("ss://"):])
	if raw == "" {
		return nil, fmt.Errorf("ss: empty payload")
	}

	beforeFragment, fragment, _ := strings.Cut(raw, "#")
	beforeQuery, _, _ := strings.Cut(beforeFragment, "?")
	tag := decodeTag(fragment)

	// Some providers publish ss:// links whose payload is a whole base64 JSON
	// document, either shadowsocks fields or a mislabeled vmess node.
	if decoded, ok := decodeBase64Relaxed(beforeQuery); ok && utf8.Valid(decoded) {
		var doc map[string]any
		if err := json.Unmarshal(decoded, &doc); err == nil {
			if getString(doc, "id") != "" && getString(doc, "add") != "" {
				return vmessFromDocument(doc, tag)
			}
			return ssFromDocument(doc, tag)
		}
	}

	if at := strings.LastIndex(beforeQuery, "@"); at > 0 && at < len(beforeQuery)-1 {
		// Form a: base64(method:password)@host:port
		method, password, ok := parseSSUserInfo(beforeQuery[:at])
		if !ok {
			return nil, fmt.Errorf("ss: malformed userinfo")
		}
		server, port, ok := parseHostPort(beforeQuery[at+1:])
		if !ok {
			return nil, fmt.Errorf("ss: malformed host:port")
		}
		return ssOutbound(tag, server, int(port), method, password), nil
	}

	// Form b: base64(method:password@host:port)
	decoded, ok := decodeBase64Relaxed(beforeQuery)
	if !ok || !utf8.Valid(decoded) {
		return nil, fmt.Errorf("ss: payload is not valid base64")
	}
	text := string(decoded)
	at := strings.LastIndex(text, "@")
	if at <= 0 || at >= len(text)-1 {
		return nil, fmt.Errorf("ss: decoded payload missing @ separator")
	}
	method, password, ok := parseSSUserInfo(text[:at])
	if !ok {
		return nil, fmt.Errorf("ss: malformed method:password")
	}
	server, port, ok := parseHostPort(text[at+1:])
	if !ok {
		return nil, fmt.Errorf("ss: malformed host:port")
	}
	return ssOutbound(tag, server, int(port), method, password), nil
}

func ssFromDocument(doc map[string]any, tag string) (*Outbound, error) {
	server := strings.TrimSpace(getString(doc, "server", "address", "add"))
	port, portOK := getUint(doc, "server_port", "port")
	method := strings.TrimSpace(getString(doc, "method", "cipher"))
	password := getString(doc, "password")
	if server == "" || !portOK || method == "" || password == "" {
		return nil, fmt.Errorf("ss: base64 json payload missing required fields")
	}
	if tag == "" {
		tag = getString(doc, "remarks", "ps", "tag")
	}
	return ssOutbound(tag, server, int(port), method, password), nil
}

func ssOutbound(tag, server string, port int, method, password string) *Outbound {
	return &Outbound{
		Tag:      SanitizeTag(tag, fmt.Sprintf("ss_%s_%d", server, port)),
		Protocol: "shadowsocks",
		Settings: Settings{Servers: []Server{{
			Address:  server,
			Port:     port,
			Method:   method,
			Password: password,
		}}},
	}
}

func parseSSUserInfo(input string) (string, string, bool) {
	if method, password, ok := strings.Cut(input, ":"); ok {
		method = strings.TrimSpace(method)
		if method != "" && password != "" {
			return method, password, true
		}
	}

	decoded, ok := decodeBase64Relaxed(strings.TrimSpace(input))
	if !ok || !utf8.Valid(decoded) {
		return "", "", false
	}
	method, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	method = strings.TrimSpace(method)
	if method == "" || password == "" {
		return "", "", false
	}
	return method, password, true
}

func parseVmess(uri string) (*Outbound, error) {
	payload := strings.TrimSpace(uri[len("vmess://"):])
	if payload == "" {
		return nil, fmt.Errorf("vmess: empty payload")
	}

	decoded, ok := decodeBase64Relaxed(payload)
	if !ok || !utf8.Valid(decoded) {
		return nil, fmt.Errorf("vmess: payload is not valid base64")
	}

	var doc map[string]any
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, fmt.Errorf("vmess: decode json: %w", err)
	}
	return vmessFromDocument(doc, "")
}

func vmessFromDocument(doc map[string]any, tag string) (*Outbound, error) {
	server := strings.TrimSpace(getString(doc, "add", "address", "server"))
	id := strings.TrimSpace(getString(doc, "id"))
	if server == "" || id == "" {
		return nil, fmt.Errorf("vmess: missing server or user id")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("vmess: invalid user id: %w", err)
	}

	port, portOK := getUint(doc, "port", "server_port")
	if !portOK || port == 0 || port > 65535 {
		return nil, fmt.Errorf("vmess: missing or invalid port")
	}
	if tag == "" {
		tag = strings.TrimSpace(getString(doc, "ps", "remarks", "tag"))
	}

	alterID := uint64(0)
	if aid, ok := getUint(doc, "aid", "alterId", "alter_id"); ok {
		alterID = aid
	}
	security := strings.TrimSpace(getString(doc, "scy", "security"))
	if security == "" {
		security = "auto"
	}

	network := strings.ToLower(strings.TrimSpace(getString(doc, "net", "network")))
	tlsValue := strings.ToLower(strings.TrimSpace(getString(doc, "tls")))
	streamSecurity := ""
	if tlsValue == "tls" || tlsValue == "1" || tlsValue == "true" {
		streamSecurity = "tls"
	}

	return &Outbound{
		Tag:      SanitizeTag(tag, fmt.Sprintf("vmess_%s_%d", server, port)),
		Protocol: "vmess",
		Settings: Settings{Vnext: []Vnext{{
			Address: server,
			Port:    int(port),
			Users: []User{{
				ID:       id,
				AlterID:  int(alterID),
				Security: security,
			}},
		}}},
		Stream: buildStream(streamParams{
			network:     network,
			security:    streamSecurity,
			serverName:  firstNonEmpty(getString(doc, "sni"), getString(doc, "host")),
			path:        getString(doc, "path"),
			hostHeader:  getString(doc, "host"),
			serviceName: getString(doc, "serviceName", "service_name"),
		}),
	}, nil
}

func parseVless(uri string) (*Outbound, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}
	id := strings.TrimSpace(u.User.Username())
	server := strings.TrimSpace(u.Hostname())
	if id == "" || server == "" {
		return nil, fmt.Errorf("vless: missing user id or server")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("vless: invalid user id: %w", err)
	}
	port, err := uriPort(u)
	if err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}

	query := u.Query()
	encryption := strings.TrimSpace(query.Get("encryption"))
	if encryption == "" {
		encryption = "none"
	}

	return &Outbound{
		Tag:      SanitizeTag(decodeTag(u.Fragment), fmt.Sprintf("vless_%s_%d", server, port)),
		Protocol: "vless",
		Settings: Settings{Vnext: []Vnext{{
			Address: server,
			Port:    int(port),
			Users: []User{{
				ID:         id,
				Encryption: encryption,
				Flow:       strings.TrimSpace(query.Get("flow")),
			}},
		}}},
		Stream: streamFromQuery(query, ""),
	}, nil
}

func parseTrojan(uri string) (*Outbound, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}
	password := strings.TrimSpace(u.User.Username())
	server := strings.TrimSpace(u.Hostname())
	if password == "" || server == "" {
		return nil, fmt.Errorf("trojan: missing password or server")
	}
	port, err := uriPort(u)
	if err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}

	query := u.Query()
	stream := streamFromQuery(query, "tls")
	if stream != nil && stream.Security == "tls" && stream.TLS != nil && stream.TLS.ServerName == "" {
		stream.TLS.ServerName = firstNonEmpty(query.Get("peer"), server)
	}

	return &Outbound{
		Tag:      SanitizeTag(decodeTag(u.Fragment), fmt.Sprintf("trojan_%s_%d", server, port)),
		Protocol: "trojan",
		Settings: Settings{Servers: []Server{{
			Address:  server,
			Port:     int(port),
			Password: password,
			Flow:     strings.TrimSpace(query.Get("flow")),
		}}},
		Stream: stream,
	}, nil
}

type streamParams struct {
	network     string
	security    string
	serverName  string
	alpn        []string
	fingerprint string
	publicKey   string
	shortID     string
	spiderX     string
	path        string
	hostHeader  string
	serviceName string
	insecure    bool
}

func streamFromQuery(query url.Values, defaultSecurity string) *StreamSettings {
	security := strings.ToLower(strings.TrimSpace(query.Get("security")))
	if security == "" {
		security = defaultSecurity
	}
	return buildStream(streamParams{
		network:     strings.ToLower(strings.TrimSpace(firstNonEmpty(query.Get("type"), query.Get("network")))),
		security:    security,
		serverName:  firstNonEmpty(query.Get("sni"), query.Get("servername")),
		alpn:        splitALPN(query.Get("alpn")),
		fingerprint: strings.TrimSpace(query.Get("fp")),
		publicKey:   strings.TrimSpace(query.Get("pbk")),
		shortID:     strings.TrimSpace(query.Get("sid")),
		spiderX:     strings.TrimSpace(query.Get("spx")),
		path:        query.Get("path"),
		hostHeader:  query.Get("host"),
		serviceName: firstNonEmpty(query.Get("serviceName"), query.Get("servicename")),
		insecure:    queryBool(query, "allowInsecure", "insecure"),
	})
}

func buildStream(p streamParams) *StreamSettings {
	network := p.network
	if network == "" || network == "tcp" {
		network = "tcp"
	}

	stream := &StreamSettings{Network: network}
	populated := network != "tcp"

	switch p.security {
	case "tls":
		stream.Security = "tls"
		stream.TLS = &TLSSettings{
			ServerName:    strings.TrimSpace(p.serverName),
			ALPN:          p.alpn,
			AllowInsecure: p.insecure,
			Fingerprint:   p.fingerprint,
		}
		populated = true
	case "reality":
		stream.Security = "reality"
		stream.Reality = &RealitySettings{
			ServerName:  strings.TrimSpace(p.serverName),
			PublicKey:   p.publicKey,
			ShortID:     p.shortID,
			SpiderX:     p.spiderX,
			Fingerprint: p.fingerprint,
		}
		populated = true
	}

	switch network {
	case "ws":
		ws := &WSSettings{Path: strings.TrimSpace(p.path)}
		if host := strings.TrimSpace(p.hostHeader); host != "" {
			ws.Headers = map[string]string{"Host": host}
		}
		stream.WS = ws
	case "grpc":
		stream.GRPC = &GRPCSettings{ServiceName: strings.TrimSpace(p.serviceName)}
	}

	if !populated {
		return nil
	}
	return stream
}

// SanitizeTag normalizes a display tag for use in engine configs and workdir
// names. Runs of disallowed characters collapse to a single underscore and
// the result is capped at 48 characters; an empty result yields fallback.
func SanitizeTag(tag, fallback string) string {
	cleaned := tagCleanRe.ReplaceAllString(strings.TrimSpace(tag), "_")
	cleaned = strings.Trim(cleaned, "_")
	if len(cleaned) > maxTagLen {
		cleaned = cleaned[:maxTagLen]
	}
	if cleaned == "" {
		return tagCleanRe.ReplaceAllString(fallback, "_")
	}
	return cleaned
}

func parseHostPort(hostport string) (string, uint64, bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", 0, false
	}

	if host, port, err := net.SplitHostPort(hostport); err == nil {
		parsedPort, parseErr := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
		if parseErr != nil || parsedPort == 0 {
			return "", 0, false
		}
		host = strings.TrimSpace(strings.Trim(host, "[]"))
		if host == "" {
			return "", 0, false
		}
		return host, parsedPort, true
	}

	idx := strings.LastIndex(hostport, ":")
	if idx <= 0 || idx >= len(hostport)-1 {
		return "", 0, false
	}
	host := strings.TrimSpace(strings.Trim(hostport[:idx], "[]"))
	if host == "" {
		return "", 0, false
	}
	parsedPort, err := strconv.ParseUint(strings.TrimSpace(hostport[idx+1:]), 10, 16)
	if err != nil || parsedPort == 0 {
		return "", 0, false
	}
	return host, parsedPort, true
}

// DecodeBase64Payload unwraps a base64-encoded subscription body into its
// plain text form. Whitespace inside the payload is tolerated.
func DecodeBase64Payload(data string) (string, bool) {
	compact := strings.Join(strings.Fields(data), "")
	if !looksLikeBase64(compact) {
		return "", false
	}
	decoded, ok := decodeBase64Relaxed(compact)
	if !ok || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

func looksLikeBase64(s string) bool {
	if len(s) < 24 || len(s)%4 == 1 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}

	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

func decodeTag(fragment string) string {
	if fragment == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(decoded)
}

func uriPort(u *url.URL) (uint64, error) {
	port := strings.TrimSpace(u.Port())
	if port == "" {
		return 0, fmt.Errorf("missing port")
	}
	parsed, err := strconv.ParseUint(port, 10, 16)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return parsed, nil
}

func queryBool(values url.Values, keys ...string) bool {
	for _, key := range keys {
		value := strings.TrimSpace(values.Get(key))
		if value == "" {
			continue
		}
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func splitALPN(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func getString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func getUint(m map[string]any, keys ...string) (uint64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			if t >= 0 {
				return uint64(t), true
			}
		case int64:
			if t >= 0 {
				return uint64(t), true
			}
		case uint64:
			return t, true
		case float64:
			if t >= 0 {
				return uint64(t), true
			}
		case string:
			parsed, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
			if err == nil {
				return parsed, true
			}
		case json.Number:
			parsed, err := strconv.ParseUint(t.String(), 10, 64)
			if err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}
