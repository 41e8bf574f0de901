package outbound

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// CanonicalURI renders the outbound as a share link. Nodes ingested from
// formats without a native link (Clash documents) are keyed in the cache by
// this form.
func (o *Outbound) CanonicalURI() (string, error) {
	host, port, err := o.HostPort()
	if err != nil {
		return "", err
	}

	switch o.Protocol {
	case "shadowsocks":
		s := o.Settings.Servers[0]
		userinfo := base64.URLEncoding.EncodeToString([]byte(s.Method + ":" + s.Password))
		return fmt.Sprintf("ss://%s@%s#%s", userinfo, joinHostPort(host, port), url.QueryEscape(o.Tag)), nil
	case "vmess":
		u := o.Settings.Vnext[0].Users[0]
		doc := map[string]any{
			"v":    "2",
			"ps":   o.Tag,
			"add":  host,
			"port": strconv.Itoa(port),
			"id":   u.ID,
			"aid":  strconv.Itoa(u.AlterID),
			"scy":  u.Security,
			"net":  "tcp",
			"tls":  "",
		}
		applyStreamToVmessDoc(doc, o.Stream)
		raw, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(raw), nil
	case "vless":
		u := o.Settings.Vnext[0].Users[0]
		q := url.Values{}
		q.Set("encryption", u.Encryption)
		if u.Flow != "" {
			q.Set("flow", u.Flow)
		}
		applyStreamToQuery(q, o.Stream)
		return fmt.Sprintf("vless://%s@%s?%s#%s",
			u.ID, joinHostPort(host, port), q.Encode(), url.QueryEscape(o.Tag)), nil
	case "trojan":
		s := o.Settings.Servers[0]
		q := url.Values{}
		if s.Flow != "" {
			q.Set("flow", s.Flow)
		}
		applyStreamToQuery(q, o.Stream)
		link := fmt.Sprintf("trojan://%s@%s", url.QueryEscape(s.Password), joinHostPort(host, port))
		if encoded := q.Encode(); encoded != "" {
			link += "?" + encoded
		}
		return link + "#" + url.QueryEscape(o.Tag), nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", o.Protocol)
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func applyStreamToVmessDoc(doc map[string]any, stream *StreamSettings) {
	if stream == nil {
		return
	}
	if stream.Network != "" {
		doc["net"] = stream.Network
	}
	if stream.Security == "tls" {
		doc["tls"] = "tls"
		if stream.TLS != nil && stream.TLS.ServerName != "" {
			doc["sni"] = stream.TLS.ServerName
		}
	}
	if stream.WS != nil {
		if stream.WS.Path != "" {
			doc["path"] = stream.WS.Path
		}
		if host, ok := stream.WS.Headers["Host"]; ok {
			doc["host"] = host
		}
	}
	if stream.GRPC != nil && stream.GRPC.ServiceName != "" {
		doc["path"] = stream.GRPC.ServiceName
	}
}

func applyStreamToQuery(q url.Values, stream *StreamSettings) {
	if stream == nil {
		q.Set("type", "tcp")
		return
	}
	network := stream.Network
	if network == "" {
		network = "tcp"
	}
	q.Set("type", network)

	switch stream.Security {
	case "tls":
		q.Set("security", "tls")
		if stream.TLS != nil {
			if stream.TLS.ServerName != "" {
				q.Set("sni", stream.TLS.ServerName)
			}
			if len(stream.TLS.ALPN) > 0 {
				q.Set("alpn", joinALPN(stream.TLS.ALPN))
			}
			if stream.TLS.AllowInsecure {
				q.Set("allowInsecure", "1")
			}
			if stream.TLS.Fingerprint != "" {
				q.Set("fp", stream.TLS.Fingerprint)
			}
		}
	case "reality":
		q.Set("security", "reality")
		if stream.Reality != nil {
			if stream.Reality.ServerName != "" {
				q.Set("sni", stream.Reality.ServerName)
			}
			if stream.Reality.PublicKey != "" {
				q.Set("pbk", stream.Reality.PublicKey)
			}
			if stream.Reality.ShortID != "" {
				q.Set("sid", stream.Reality.ShortID)
			}
			if stream.Reality.SpiderX != "" {
				q.Set("spx", stream.Reality.SpiderX)
			}
			if stream.Reality.Fingerprint != "" {
				q.Set("fp", stream.Reality.Fingerprint)
			}
		}
	}

	if stream.WS != nil {
		if stream.WS.Path != "" {
			q.Set("path", stream.WS.Path)
		}
		if host, ok := stream.WS.Headers["Host"]; ok {
			q.Set("host", host)
		}
	}
	if stream.GRPC != nil && stream.GRPC.ServiceName != "" {
		q.Set("serviceName", stream.GRPC.ServiceName)
	}
}

func joinALPN(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}
