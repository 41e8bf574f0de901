// Package outbound parses share links (ss://, vmess://, vless://, trojan://)
// and Clash documents into outbound objects in the tunnel engine's native
// JSON schema.
package outbound

import (
	"errors"
	"fmt"
)

// Outbound is one proxy's tunnel configuration in the engine's native schema.
// It marshals directly into the "outbounds" array of an engine config file.
type Outbound struct {
	Tag      string          `json:"tag"`
	Protocol string          `json:"protocol"`
	Settings Settings        `json:"settings"`
	Stream   *StreamSettings `json:"streamSettings,omitempty"`
}

// Settings holds the protocol-specific server list. Shadowsocks and trojan
// use Servers; vmess and vless use Vnext.
type Settings struct {
	Servers []Server `json:"servers,omitempty"`
	Vnext   []Vnext  `json:"vnext,omitempty"`
}

// Server is a shadowsocks or trojan upstream.
type Server struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
	Flow     string `json:"flow,omitempty"`
}

// Vnext is a vmess or vless upstream.
type Vnext struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []User `json:"users"`
}

// User is a vmess/vless account on a Vnext upstream.
type User struct {
	ID         string `json:"id"`
	AlterID    int    `json:"alterId,omitempty"`
	Security   string `json:"security,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

// StreamSettings selects the transport and its security layer.
type StreamSettings struct {
	Network  string           `json:"network,omitempty"`
	Security string           `json:"security,omitempty"`
	TLS      *TLSSettings     `json:"tlsSettings,omitempty"`
	Reality  *RealitySettings `json:"realitySettings,omitempty"`
	WS       *WSSettings      `json:"wsSettings,omitempty"`
	GRPC     *GRPCSettings    `json:"grpcSettings,omitempty"`
}

// TLSSettings configures the TLS security layer.
type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
}

// RealitySettings configures the REALITY security layer.
type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// WSSettings configures the websocket transport.
type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GRPCSettings configures the gRPC transport.
type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

// ErrNoServer is returned by HostPort when the outbound carries no upstream.
var ErrNoServer = errors.New("outbound has no server address")

// HostPort extracts the upstream server address from the outbound,
// independent of protocol.
func (o *Outbound) HostPort() (string, int, error) {
	switch o.Protocol {
	case "shadowsocks", "trojan":
		if len(o.Settings.Servers) == 0 {
			return "", 0, ErrNoServer
		}
		s := o.Settings.Servers[0]
		if s.Address == "" || s.Port <= 0 {
			return "", 0, ErrNoServer
		}
		return s.Address, s.Port, nil
	case "vmess", "vless":
		if len(o.Settings.Vnext) == 0 {
			return "", 0, ErrNoServer
		}
		v := o.Settings.Vnext[0]
		if v.Address == "" || v.Port <= 0 {
			return "", 0, ErrNoServer
		}
		return v.Address, v.Port, nil
	default:
		return "", 0, fmt.Errorf("unsupported protocol %q", o.Protocol)
	}
}
