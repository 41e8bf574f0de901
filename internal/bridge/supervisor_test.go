package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xbridge-proxy/xbridge/internal/outbound"
)

// writeFakeEngine creates an executable that behaves like a long-running
// engine process.
func writeFakeEngine(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-xray")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func sleepingEngine(t *testing.T) string {
	return writeFakeEngine(t, "#!/bin/sh\nsleep 60\n")
}

func testOutbound(tag string) *outbound.Outbound {
	return &outbound.Outbound{
		Tag:      tag,
		Protocol: "trojan",
		Settings: outbound.Settings{Servers: []outbound.Server{{
			Address:  "203.0.113.7",
			Port:     443,
			Password: "pw",
		}}},
	}
}

func TestFindBinaryPrefersEnvOverride(t *testing.T) {
	engine := sleepingEngine(t)
	t.Setenv("XRAY_PATH", engine)

	found, err := FindBinary()
	if err != nil {
		t.Fatalf("FindBinary failed: %v", err)
	}
	if found != engine {
		t.Errorf("expected %q, got %q", engine, found)
	}
}

func TestFindBinaryMissingIsError(t *testing.T) {
	t.Setenv("XRAY_PATH", filepath.Join(t.TempDir(), "absent"))
	t.Setenv("PATH", t.TempDir())

	if _, err := FindBinary(); err == nil {
		t.Fatal("expected error when no engine is installed")
	}
}

func TestRenderConfigShape(t *testing.T) {
	ob := testOutbound("node-1")
	data, err := RenderConfig(18080, ob)
	if err != nil {
		t.Fatalf("RenderConfig failed: %v", err)
	}

	var cfg struct {
		Log      map[string]string `json:"log"`
		Inbounds []struct {
			Tag      string `json:"tag"`
			Listen   string `json:"listen"`
			Port     int    `json:"port"`
			Protocol string `json:"protocol"`
		} `json:"inbounds"`
		Outbounds []map[string]any `json:"outbounds"`
		Routing   struct {
			DomainStrategy string `json:"domainStrategy"`
			Rules          []struct {
				Type        string `json:"type"`
				OutboundTag string `json:"outboundTag"`
				Network     string `json:"network"`
			} `json:"rules"`
		} `json:"routing"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("config is not valid json: %v", err)
	}

	if cfg.Log["loglevel"] != "warning" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	in := cfg.Inbounds[0]
	if in.Tag != "http-in" || in.Listen != "127.0.0.1" || in.Port != 18080 || in.Protocol != "http" {
		t.Errorf("unexpected inbound %+v", in)
	}
	if len(cfg.Outbounds) != 3 {
		t.Fatalf("expected 3 outbounds, got %d", len(cfg.Outbounds))
	}
	if cfg.Outbounds[0]["tag"] != "node-1" || cfg.Outbounds[1]["protocol"] != "freedom" || cfg.Outbounds[2]["protocol"] != "blackhole" {
		t.Errorf("unexpected outbound order %+v", cfg.Outbounds)
	}
	rule := cfg.Routing.Rules[0]
	if rule.Type != "field" || rule.OutboundTag != "node-1" || rule.Network != "tcp,udp" {
		t.Errorf("unexpected rule %+v", rule)
	}
	if cfg.Routing.DomainStrategy != "AsIs" {
		t.Errorf("unexpected domain strategy %q", cfg.Routing.DomainStrategy)
	}
}

func TestCreateAndStopBridge(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	h, err := sup.CreateBridge(testOutbound("a"), "trojan://pw@h:443#a")
	if err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}
	if !sup.IsRunning() {
		t.Error("supervisor should be running")
	}
	if !h.Alive() {
		t.Error("bridge process should be alive")
	}
	if h.Scheme != "trojan" {
		t.Errorf("unexpected scheme %q", h.Scheme)
	}
	if !strings.HasPrefix(h.URL(), "http://127.0.0.1:") {
		t.Errorf("unexpected url %q", h.URL())
	}

	sup.StopBridge(h)
	if sup.IsRunning() {
		t.Error("supervisor should stop when last bridge stops")
	}
	if sup.PortCount() != 0 {
		t.Errorf("port not released, %d still reserved", sup.PortCount())
	}
	if h.Alive() {
		t.Error("process should be terminated")
	}
}

func TestStopBridgePromptWithEngineChildren(t *testing.T) {
	// The child inherits the engine's stdio pipes; stopping must not wait
	// for it to exit on its own.
	sup := NewSupervisor()
	sup.Binary = writeFakeEngine(t, "#!/bin/sh\nsleep 60 &\nsleep 60\n")

	h, err := sup.CreateBridge(testOutbound("spawning"), "trojan://pw@203.0.113.7:443#spawning")
	if err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}

	start := time.Now()
	sup.StopBridge(h)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("StopBridge took %v, expected prompt termination", elapsed)
	}
	if h.Alive() {
		t.Fatal("engine still alive after StopBridge")
	}
}

func TestCreateBridgesAssignsUniquePorts(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)
	defer sup.StopAll()

	pairs := []Pair{
		{URI: "trojan://pw@h:443#a", Outbound: testOutbound("a")},
		{URI: "trojan://pw@h:443#b", Outbound: testOutbound("b")},
		{URI: "trojan://pw@h:443#c", Outbound: testOutbound("c")},
	}
	handles, err := sup.CreateBridges(pairs)
	if err != nil {
		t.Fatalf("CreateBridges failed: %v", err)
	}

	seen := make(map[int]bool)
	for _, h := range handles {
		if seen[h.Port] {
			t.Fatalf("duplicate port %d", h.Port)
		}
		seen[h.Port] = true
	}
	if sup.PortCount() != 3 {
		t.Errorf("expected 3 reserved ports, got %d", sup.PortCount())
	}
}

func TestCreateBridgesRollsBackOnFailure(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	pairs := []Pair{
		{URI: "trojan://pw@h:443#a", Outbound: testOutbound("a")},
		{URI: "bad", Outbound: nil}, // render fails, batch must roll back
	}
	if _, err := sup.CreateBridges(pairs); err == nil {
		t.Fatal("expected batch failure")
	}
	if sup.IsRunning() {
		t.Error("supervisor must not stay running after rollback")
	}
	if sup.PortCount() != 0 {
		t.Errorf("ports leaked after rollback: %d", sup.PortCount())
	}
	if len(sup.Bridges()) != 0 {
		t.Errorf("bridges leaked after rollback: %d", len(sup.Bridges()))
	}
}

func TestStopAllIsIdempotent(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	if _, err := sup.CreateBridge(testOutbound("a"), "trojan://pw@h:443#a"); err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}

	sup.StopAll()
	sup.StopAll()
	sup.StopAll()

	if sup.IsRunning() || len(sup.Bridges()) != 0 || sup.PortCount() != 0 {
		t.Error("supervisor not fully reset after repeated StopAll")
	}
}

func TestRotateBridgeKeepsPort(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)
	defer sup.StopAll()

	h, err := sup.CreateBridge(testOutbound("old"), "trojan://pw@h:443#old")
	if err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}
	oldPort := h.Port

	replacement, err := sup.RotateBridge(0, testOutbound("new"), "trojan://pw@h2:443#new")
	if err != nil {
		t.Fatalf("RotateBridge failed: %v", err)
	}
	if replacement.Port != oldPort {
		t.Errorf("rotation changed port: %d -> %d", oldPort, replacement.Port)
	}
	if replacement.Tag != "new" {
		t.Errorf("unexpected tag %q", replacement.Tag)
	}
	if bridges := sup.Bridges(); len(bridges) != 1 || bridges[0] != replacement {
		t.Error("bridge list not updated after rotation")
	}
	if h.Alive() {
		t.Error("old process should be terminated")
	}
}

func TestRotateBridgeInvalidID(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	if _, err := sup.RotateBridge(0, testOutbound("x"), "trojan://pw@h:443#x"); err == nil {
		t.Fatal("expected error when nothing is running")
	}
}

func TestWaitReturnsWhenProcessesExit(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = writeFakeEngine(t, "#!/bin/sh\nsleep 0.2\n")

	if _, err := sup.CreateBridge(testOutbound("a"), "trojan://pw@h:443#a"); err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Wait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after process exit")
	}
	if sup.IsRunning() {
		t.Error("Wait must stop all bridges before returning")
	}
}

func TestWaitUnblocksOnStopAll(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	if _, err := sup.CreateBridge(testOutbound("a"), "trojan://pw@h:443#a"); err != nil {
		t.Fatalf("CreateBridge failed: %v", err)
	}

	loopDone := sup.StartWaitLoop(context.Background())
	time.Sleep(50 * time.Millisecond)
	sup.StopAll()

	select {
	case <-loopDone:
	case <-time.After(3 * time.Second):
		t.Fatal("wait loop did not exit after StopAll")
	}
}

func TestWaitWithoutBridges(t *testing.T) {
	sup := NewSupervisor()
	if err := sup.Wait(context.Background()); err == nil {
		t.Fatal("expected ErrNotRunning")
	}
}

func TestOpenTransientReportsEarlyExit(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = writeFakeEngine(t, "#!/bin/sh\necho 'bad config' >&2\nexit 1\n")

	_, err := sup.OpenTransient(testOutbound("x"), "trojan://pw@h:443#x", 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected startup failure")
	}
	if !strings.Contains(err.Error(), "bad config") {
		t.Errorf("stderr excerpt missing from error: %v", err)
	}
	if sup.PortCount() != 0 {
		t.Errorf("port leaked after failed transient: %d", sup.PortCount())
	}
}

func TestOpenTransientAndClose(t *testing.T) {
	sup := NewSupervisor()
	sup.Binary = sleepingEngine(t)

	tr, err := sup.OpenTransient(testOutbound("x"), "trojan://pw@h:443#x", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenTransient failed: %v", err)
	}
	if sup.IsRunning() {
		t.Error("transient bridges must not mark the supervisor running")
	}
	if sup.PortCount() != 1 {
		t.Errorf("expected 1 reserved port, got %d", sup.PortCount())
	}

	tr.Close()
	if sup.PortCount() != 0 {
		t.Errorf("port not released on close: %d", sup.PortCount())
	}
}
