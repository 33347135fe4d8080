package eventbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stagegate/internal/clock"
	"github.com/kingrea/stagegate/internal/config"
	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/tier"
)

func newBackend(t *testing.T) (*orchestrator.Orchestrator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Time{})
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.WithClock(clk), orchestrator.WithID("bridge-test"))
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	orch.Start()
	return orch, clk
}

func postCall(t *testing.T, base string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/calls", "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv(EnvBridgePort, "9001")
	t.Setenv(EnvBridgeHost, "0.0.0.0")
	t.Setenv(EnvBridgeEnabled, "true")
	settings := SettingsFromConfig(&config.Config{})
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if !settings.Enabled {
		t.Fatalf("expected enabled=true from env override")
	}
}

func TestSettingsFromConfigUsesProjectBridge(t *testing.T) {
	// Blank variables count as unset.
	t.Setenv(EnvBridgePort, "")
	t.Setenv(EnvBridgeHost, "")
	t.Setenv(EnvBridgeEnabled, "")
	enabled := true
	cfg := &config.Config{Project: config.DefaultProjectConfig()}
	cfg.Project.Bridge = config.BridgeConfig{Enabled: &enabled, Host: " localhost ", Port: 70000}
	settings := SettingsFromConfig(cfg)
	assert.True(t, settings.Enabled)
	assert.Equal(t, "localhost", settings.Host)
	assert.Equal(t, DefaultPort, settings.Port)
	assert.Equal(t, "http://localhost:8765", settings.URL())

	assert.False(t, SettingsFromConfig(nil).Enabled)
}

func TestSettingsEnvIgnoresGarbage(t *testing.T) {
	env := map[string]string{
		EnvBridgeEnabled: "perhaps",
		EnvBridgeHost:    "  ",
		EnvBridgePort:    "http",
	}
	s := DefaultSettings()
	s.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	assert.Equal(t, DefaultSettings(), s)
}

func TestSettingsWithDefaultsKeepsEphemeralPort(t *testing.T) {
	s := Settings{Enabled: true}.withDefaults()
	assert.Equal(t, 0, s.Port)
	assert.Equal(t, DefaultHost, s.Host)
	assert.Equal(t, DefaultMaxBodyBytes, s.MaxBodyBytes)
	assert.Equal(t, DefaultHeartbeat, s.Heartbeat)
}

func TestRegisterRequestValidate(t *testing.T) {
	req := RegisterRequest{ID: " overview ", Tier: " Critical", DependsOn: []string{" ", "segments "}}
	req.Normalize()
	got, err := req.Validate()
	require.NoError(t, err)
	assert.Equal(t, tier.Critical, got)
	assert.Equal(t, "overview", req.ID)
	assert.Equal(t, []string{"segments"}, req.DependsOn)

	req.Version = 99
	_, err = req.Validate()
	assert.Error(t, err)

	_, err = RegisterRequest{Version: 1, ID: "x", Tier: "urgent"}.Validate()
	assert.ErrorIs(t, err, tier.ErrUnknownTier)
}

func TestServerRegistersAndReportsCalls(t *testing.T) {
	orch, clk := newBackend(t)
	srv := NewServer(Settings{Enabled: true, MaxBodyBytes: DefaultMaxBodyBytes}, orch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, payload := postCall(t, ts.URL, RegisterRequest{ID: "overview", Tier: "critical"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", payload["status"])

	resp, _ = postCall(t, ts.URL, RegisterRequest{ID: "segments", Tier: "important", DependsOn: []string{"overview"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, payload = postCall(t, ts.URL, RegisterRequest{ID: "overview", Tier: "critical"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", payload["status"])

	resp, _ = postCall(t, ts.URL, RegisterRequest{ID: "churn", Tier: "urgent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postCall(t, ts.URL, RegisterRequest{Tier: "critical"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	clk.Advance(0)
	require.True(t, orch.IsCallEnabled("overview"))

	get, err := http.Get(ts.URL + "/v1/calls/overview")
	require.NoError(t, err)
	var call callResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&call))
	get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
	assert.True(t, call.Enabled)
	require.NotNil(t, call.Entry)
	assert.Equal(t, tier.Critical, call.Entry.Tier)

	get, err = http.Get(ts.URL + "/v1/calls/missing")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)

	get, err = http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var snap orchestrator.Snapshot
	require.NoError(t, json.NewDecoder(get.Body).Decode(&snap))
	get.Body.Close()
	assert.Equal(t, "bridge-test", snap.ID)
	assert.Equal(t, tier.StageCritical, snap.Stage)
	assert.Len(t, snap.Calls, 2)
	assert.Equal(t, 10.0, snap.Progress)
}

func TestServerRejectsAfterClose(t *testing.T) {
	orch, _ := newBackend(t)
	srv := NewServer(Settings{Enabled: true, MaxBodyBytes: DefaultMaxBodyBytes}, orch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	orch.Close()
	resp, _ := postCall(t, ts.URL, RegisterRequest{ID: "late", Tier: "background"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	orch, _ := newBackend(t)
	srv := NewServer(Settings{Enabled: true, MaxBodyBytes: 64}, orch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := postCall(t, ts.URL, map[string]any{
		"id":   strings.Repeat("a", 512),
		"tier": "critical",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerMethodNotAllowed(t *testing.T) {
	orch, _ := newBackend(t)
	ts := httptest.NewServer(NewServer(Settings{Enabled: true}, orch).Handler())
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/calls", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))
}

func TestServerStreamsEvents(t *testing.T) {
	orch, clk := newBackend(t)
	ts := httptest.NewServer(NewServer(Settings{Enabled: true}, orch).Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, orch.RegisterCall("overview", tier.Critical))
	clk.Advance(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The backlog replays the stage, registration and enablement events.
	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(kinds) < 3 {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.ElementsMatch(t, []string{"stage", "registered", "enabled"}, kinds)
}

func TestServerStartDisabled(t *testing.T) {
	orch, _ := newBackend(t)
	srv := NewServer(Settings{}, orch)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerDisabled)
}

func TestServerStartAndShutdown(t *testing.T) {
	orch, _ := newBackend(t)
	srv := NewServer(Settings{Enabled: true, Host: "127.0.0.1"}, orch)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	assert.True(t, srv.Running())
	assert.Error(t, srv.Start(context.Background()), "second start")

	resp, err := http.Get(srv.BaseURL() + "/health")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ProtocolVersion, health.Version)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "bridge-test", health.Run)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.False(t, srv.Running())
	assert.Equal(t, "", srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerStreamHeartbeat(t *testing.T) {
	orch, _ := newBackend(t)
	ts := httptest.NewServer(NewServer(Settings{Enabled: true, Heartbeat: 10 * time.Millisecond}, orch).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == ": keep-alive" {
			return
		}
	}
	t.Fatal("stream ended without a heartbeat")
}
