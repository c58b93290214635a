package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/edusync/rtc/internal/channels"
	"github.com/edusync/rtc/internal/config"
	"github.com/edusync/rtc/internal/metrics"
	"github.com/edusync/rtc/internal/signaling"
	"github.com/edusync/rtc/internal/turnrest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *Server {
	t.Helper()
	s := New(cfg, discardLogger(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}, deps)
	s.ready.Store(true)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doRequest(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["ok"]; got != true {
		t.Fatalf("ok = %v, want true", got)
	}
}

func TestReadyz(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", rec.Code)
	}

	s.ready.Store(false)
	rec = doRequest(s, http.MethodGet, "http://rtc.test/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz while draining = %d, want 503", rec.Code)
	}
}

func TestReadyz_ReportsDeferredICEConfigError(t *testing.T) {
	t.Setenv("EDUSYNC_RTC_ICE_SERVERS_JSON", "{not json")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatal("expected a deferred ICE config error")
	}

	s := newTestServer(t, cfg, Deps{})
	rec := doRequest(s, http.MethodGet, "http://rtc.test/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz with broken ICE config = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ready"] != false || body["error"] == "" {
		t.Fatalf("body = %v, want ready=false with an error", body)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /version = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["commit"] != "abc123" {
		t.Fatalf("commit = %v, want abc123", body["commit"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SignalConnections)
	s := newTestServer(t, config.Config{}, Deps{Metrics: m})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `edusync_rtc_events_total{event="signal_connections"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestICEServers_WithoutTURNGenerator(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	s := newTestServer(t, cfg, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/rtc/ice-servers = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["expiresAt"]; ok {
		t.Fatal("expiresAt should be absent without a TURN generator")
	}
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("iceServers = %v, want one entry", body["iceServers"])
	}
}

func TestICEServers_StampsTURNRESTCredentials(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "class-secret",
		TTL:            10 * time.Minute,
		UsernamePrefix: "edusync",
		Now:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
		},
	}
	s := newTestServer(t, cfg, Deps{TURNGenerator: gen})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/rtc/ice-servers = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)

	wantExpiry := float64(now.Unix() + 600)
	if body["expiresAt"] != wantExpiry {
		t.Fatalf("expiresAt = %v, want %v", body["expiresAt"], wantExpiry)
	}

	servers := body["iceServers"].([]any)
	stun := servers[0].(map[string]any)
	if _, ok := stun["username"]; ok && stun["username"] != "" {
		t.Fatalf("STUN entry should not carry credentials: %v", stun)
	}
	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if !strings.HasPrefix(username, "1772367000:edusync:") {
		t.Fatalf("turn username = %q, want expiry:prefix:session form", username)
	}
	if cred, _ := turn["credential"].(string); cred == "" {
		t.Fatalf("turn entry missing credential: %v", turn)
	}
}

func callStatusFixture(t *testing.T, occupancy int) *Server {
	t.Helper()
	store, err := channels.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, ch := range []channels.Channel{
		{ID: "voice-1", Name: "study hall", Type: channels.TypeVoice},
		{ID: "text-1", Name: "homework", Type: channels.TypeText},
	} {
		if _, err := store.Create(ctx, ch); err != nil {
			t.Fatalf("Create(%s): %v", ch.ID, err)
		}
	}

	return newTestServer(t, config.Config{}, Deps{
		Channels:  store,
		Occupancy: func(roomID string) int { return occupancy },
	})
}

func TestCallStatus_UnknownChannel(t *testing.T) {
	s := callStatusFixture(t, 0)
	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/call-status/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown channel = %d, want 404", rec.Code)
	}
}

func TestCallStatus_TextChannelNeverActive(t *testing.T) {
	s := callStatusFixture(t, 5)
	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/call-status/text-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("text channel = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["active"] != false || body["participants"] != float64(0) {
		t.Fatalf("body = %v, want inactive with zero participants", body)
	}
}

func TestCallStatus_ActiveCall(t *testing.T) {
	s := callStatusFixture(t, 3)
	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/call-status/voice-1", nil)
	body := decodeBody(t, rec)
	if body["active"] != true || body["participants"] != float64(3) {
		t.Fatalf("body = %v, want active with 3 participants", body)
	}
}

func TestCallStatus_EmptyVoiceChannelInactive(t *testing.T) {
	s := callStatusFixture(t, 0)
	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/call-status/voice-1", nil)
	body := decodeBody(t, rec)
	if body["active"] != false || body["participants"] != float64(0) {
		t.Fatalf("body = %v, want inactive", body)
	}
}

func TestOriginPolicy_SameHostDefault(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	// Same host as the request: allowed, CORS headers set.
	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers",
		http.Header{"Origin": {"http://rtc.test"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("same-host origin = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://rtc.test" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	// Foreign host: rejected.
	rec = doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers",
		http.Header{"Origin": {"http://evil.test"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-host origin = %d, want 403", rec.Code)
	}

	// No Origin header at all (curl, server-side callers): allowed.
	rec = doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("no origin = %d, want 200", rec.Code)
	}
}

func TestOriginPolicy_ConfiguredAllowlist(t *testing.T) {
	cfg := config.Config{AllowedOrigins: []string{"https://app.edusync.test"}}
	s := newTestServer(t, cfg, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers",
		http.Header{"Origin": {"https://app.edusync.test"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("allowlisted origin = %d, want 200", rec.Code)
	}

	// The allowlist replaces the same-host default entirely.
	rec = doRequest(s, http.MethodGet, "http://rtc.test/api/rtc/ice-servers",
		http.Header{"Origin": {"http://rtc.test"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("same-host origin with allowlist = %d, want 403", rec.Code)
	}
}

func TestOriginPolicy_Preflight(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(s, http.MethodOptions, "http://rtc.test/api/rtc/ice-servers",
		http.Header{
			"Origin":                        {"http://rtc.test"},
			"Access-Control-Request-Method": {"GET"},
		})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(s, http.MethodGet, "http://rtc.test/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}

	rec = doRequest(s, http.MethodGet, "http://rtc.test/healthz",
		http.Header{"X-Request-ID": {"abc-123"}})
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q, want caller's id echoed", got)
	}
}

// The signaling WebSocket shares the server with the REST routes, so the
// upgrade has to hijack the connection through the logging middleware's
// response writer.
func TestSignalingUpgradeThroughMiddleware(t *testing.T) {
	signal := signaling.NewServer(signaling.Config{Log: discardLogger()})
	defer signal.Close()

	s := newTestServer(t, config.Config{}, Deps{Signal: signal})

	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rtc/signal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing signaling endpoint: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome signaling.Envelope
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("reading welcome: %v", err)
	}
	if welcome.Type != signaling.TypeWelcome || welcome.Participant == nil {
		t.Fatalf("first envelope = %+v, want welcome", welcome)
	}
}
