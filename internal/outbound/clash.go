package outbound

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// LooksLikeClashYAML reports whether a source payload appears to be a Clash
// document rather than a list of share links.
func LooksLikeClashYAML(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "proxies:") ||
		strings.Contains(lower, "\nproxies:") ||
		strings.HasPrefix(lower, "proxy-groups:") ||
		strings.Contains(lower, "\nproxy-groups:")
}

// ParseClashDocument extracts the supported proxies from a Clash YAML
// document and returns them as share links, ready for the line parser.
// Unsupported proxy types are skipped silently.
func ParseClashDocument(text string) ([]string, error) {
	var cfg struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal clash yaml: %w", err)
	}

	var links []string
	for _, proxy := range cfg.Proxies {
		ob, ok := convertClashProxy(proxy)
		if !ok {
			continue
		}
		link, err := ob.CanonicalURI()
		if err != nil {
			continue
		}
		links = append(links, link)
	}
	return links, nil
}

func convertClashProxy(proxy map[string]any) (*Outbound, bool) {
	proxyType := strings.ToLower(strings.TrimSpace(getString(proxy, "type")))
	tag := strings.TrimSpace(firstNonEmpty(getString(proxy, "name"), getString(proxy, "tag")))
	server := strings.TrimSpace(getString(proxy, "server"))
	port, portOK := getUint(proxy, "port")
	if !portOK || server == "" {
		return nil, false
	}

	switch proxyType {
	case "ss", "shadowsocks":
		method := strings.TrimSpace(firstNonEmpty(getString(proxy, "cipher"), getString(proxy, "method")))
		password := getString(proxy, "password")
		if method == "" || password == "" {
			return nil, false
		}
		return ssOutbound(tag, server, int(port), method, password), true
	case "vmess":
		id := strings.TrimSpace(getString(proxy, "uuid"))
		if id == "" {
			return nil, false
		}
		doc := map[string]any{
			"add":  server,
			"port": port,
			"id":   id,
			"ps":   tag,
		}
		if aid, ok := getUint(proxy, "alterId", "alter_id", "aid"); ok {
			doc["aid"] = aid
		}
		if cipher := strings.TrimSpace(getString(proxy, "cipher")); cipher != "" {
			doc["scy"] = cipher
		}
		if tlsOn, ok := getClashBool(proxy, "tls"); ok && tlsOn {
			doc["tls"] = "tls"
		}
		applyClashTransport(doc, proxy)
		ob, err := vmessFromDocument(doc, tag)
		if err != nil {
			return nil, false
		}
		return ob, true
	case "vless":
		id := strings.TrimSpace(getString(proxy, "uuid"))
		if id == "" {
			return nil, false
		}
		link := fmt.Sprintf("vless://%s@%s", id, joinHostPort(server, int(port)))
		query := clashQuery(proxy, "")
		if flow := strings.TrimSpace(getString(proxy, "flow")); flow != "" {
			query += "&flow=" + flow
		}
		if query != "" {
			link += "?" + strings.TrimPrefix(query, "&")
		}
		ob, err := parseVless(link + "#" + tag)
		if err != nil {
			return nil, false
		}
		return ob, true
	case "trojan":
		password := getString(proxy, "password")
		if password == "" {
			return nil, false
		}
		link := fmt.Sprintf("trojan://%s@%s", password, joinHostPort(server, int(port)))
		if query := clashQuery(proxy, "tls"); query != "" {
			link += "?" + strings.TrimPrefix(query, "&")
		}
		ob, err := parseTrojan(link + "#" + tag)
		if err != nil {
			return nil, false
		}
		return ob, true
	default:
		return nil, false
	}
}

// clashQuery flattens the common Clash TLS/transport fields into share-link
// query parameters so all conversions funnel through the URI parsers.
func clashQuery(proxy map[string]any, defaultSecurity string) string {
	var parts []string

	security := defaultSecurity
	if tlsOn, ok := getClashBool(proxy, "tls"); ok {
		if tlsOn {
			security = "tls"
		} else {
			security = ""
		}
	}
	if security != "" {
		parts = append(parts, "security="+security)
	}
	if sni := strings.TrimSpace(firstNonEmpty(
		getString(proxy, "sni"), getString(proxy, "servername"), getString(proxy, "peer"),
	)); sni != "" {
		parts = append(parts, "sni="+sni)
	}
	if insecure, ok := getClashBool(proxy, "skip-cert-verify"); ok && insecure {
		parts = append(parts, "allowInsecure=1")
	}

	network := strings.ToLower(strings.TrimSpace(getString(proxy, "network")))
	if network != "" {
		parts = append(parts, "type="+network)
	}
	if opts, ok := getClashMap(proxy, "ws-opts", "ws_opts"); ok {
		if path := strings.TrimSpace(getString(opts, "path")); path != "" {
			parts = append(parts, "path="+path)
		}
		if headers, ok := getClashMap(opts, "headers"); ok {
			if host := strings.TrimSpace(getString(headers, "Host", "host")); host != "" {
				parts = append(parts, "host="+host)
			}
		}
	}
	if opts, ok := getClashMap(proxy, "grpc-opts", "grpc_opts"); ok {
		if svc := strings.TrimSpace(getString(opts, "grpc-service-name", "serviceName")); svc != "" {
			parts = append(parts, "serviceName="+svc)
		}
	}

	return strings.Join(parts, "&")
}

func applyClashTransport(doc map[string]any, proxy map[string]any) {
	network := strings.ToLower(strings.TrimSpace(getString(proxy, "network")))
	if network == "" {
		return
	}
	doc["net"] = network
	if opts, ok := getClashMap(proxy, "ws-opts", "ws_opts"); ok {
		if path := strings.TrimSpace(getString(opts, "path")); path != "" {
			doc["path"] = path
		}
		if headers, ok := getClashMap(opts, "headers"); ok {
			if host := strings.TrimSpace(getString(headers, "Host", "host")); host != "" {
				doc["host"] = host
			}
		}
	}
}

func getClashBool(m map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "1", "true", "yes", "on":
				return true, true
			case "0", "false", "no", "off":
				return false, true
			}
		}
	}
	return false, false
}

func getClashMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			return t, true
		case map[any]any:
			converted := make(map[string]any, len(t))
			for mk, mv := range t {
				converted[fmt.Sprint(mk)] = mv
			}
			return converted, true
		}
	}
	return nil, false
}
