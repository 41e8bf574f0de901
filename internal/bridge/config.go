package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/xbridge-proxy/xbridge/internal/outbound"
)

type engineInbound struct {
	Tag      string         `json:"tag"`
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	Protocol string         `json:"protocol"`
	Settings map[string]any `json:"settings"`
}

type engineOutbound struct {
	Tag      string         `json:"tag"`
	Protocol string         `json:"protocol"`
	Settings map[string]any `json:"settings"`
}

type engineRule struct {
	Type        string `json:"type"`
	OutboundTag string `json:"outboundTag"`
	Network     string `json:"network"`
}

type engineRouting struct {
	DomainStrategy string       `json:"domainStrategy"`
	Rules          []engineRule `json:"rules"`
}

type engineConfig struct {
	Log       map[string]string `json:"log"`
	Inbounds  []engineInbound   `json:"inbounds"`
	Outbounds []json.RawMessage `json:"outbounds"`
	Routing   engineRouting     `json:"routing"`
}

// RenderConfig builds the engine config for one bridge: a loopback HTTP
// inbound on port, the proxy outbound, and freedom/blackhole outbounds with
// a catch-all rule steering tcp+udp through the proxy.
func RenderConfig(port int, ob *outbound.Outbound) ([]byte, error) {
	if ob == nil {
		return nil, fmt.Errorf("bridge: nil outbound")
	}
	if port <= 0 {
		return nil, fmt.Errorf("bridge: invalid port %d", port)
	}

	proxyRaw, err := json.Marshal(ob)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal outbound: %w", err)
	}
	directRaw, err := json.Marshal(engineOutbound{Tag: "direct", Protocol: "freedom", Settings: map[string]any{}})
	if err != nil {
		return nil, err
	}
	blockRaw, err := json.Marshal(engineOutbound{Tag: "block", Protocol: "blackhole", Settings: map[string]any{}})
	if err != nil {
		return nil, err
	}

	cfg := engineConfig{
		Log: map[string]string{"loglevel": "warning"},
		Inbounds: []engineInbound{{
			Tag:      "http-in",
			Listen:   "127.0.0.1",
			Port:     port,
			Protocol: "http",
			Settings: map[string]any{},
		}},
		Outbounds: []json.RawMessage{proxyRaw, directRaw, blockRaw},
		Routing: engineRouting{
			DomainStrategy: "AsIs",
			Rules: []engineRule{{
				Type:        "field",
				OutboundTag: ob.Tag,
				Network:     "tcp,udp",
			}},
		},
	}

	return json.MarshalIndent(cfg, "", "  ")
}
