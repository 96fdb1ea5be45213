package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/admission"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/auth"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sbc"
)

func testConfig() config.Config {
	return config.Config{
		AdminListenAddr:   "127.0.0.1:0",
		LogFormat:         config.LogFormatText,
		LogLevel:          slog.LevelInfo,
		ShutdownTimeout:   2 * time.Second,
		Mode:              config.ModeDev,
		StatsPushInterval: 50 * time.Millisecond,
		SBC: config.SBCConfig{
			Enabled:          true,
			TopologyHiding:   true,
			MediaRelay:       true,
			MaxCalls:         10,
			MaxBandwidthKbps: 1000,
			RateLimit:        100,
			PublicIP:         "203.0.113.10",
		},
	}
}

func newTestSBC(t *testing.T, cfg config.Config) *sbc.SessionBorderController {
	t.Helper()
	s, err := sbc.New(cfg.SBC, sbc.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("sbc.New: %v", err)
	}
	return s
}

func startTestServer(t *testing.T, cfg config.Config, controller *sbc.SessionBorderController, verifier auth.Verifier) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, controller, verifier)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func doJSON(t *testing.T, method, url string, body any, header map[string]string, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	cfg := testConfig()
	baseURL := startTestServer(t, cfg, newTestSBC(t, cfg), nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		if status := doJSON(t, http.MethodGet, baseURL+"/healthz", nil, nil, &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if status := doJSON(t, http.MethodGet, baseURL+"/readyz", nil, nil, nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := doJSON(t, http.MethodGet, baseURL+"/version", nil, nil, &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})
}

func TestReadyzWithoutController(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, nil)
	if status := doJSON(t, http.MethodGet, baseURL+"/readyz", nil, nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	controller.AddToBlacklist("10.0.0.1")
	baseURL := startTestServer(t, cfg, controller, nil)

	var st sbc.Statistics
	if status := doJSON(t, http.MethodGet, baseURL+"/v1/statistics", nil, nil, &st); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if st.BlacklistSize != 1 {
		t.Fatalf("blacklist_size=%d, want 1", st.BlacklistSize)
	}
	if st.Config.PublicIP != "203.0.113.10" || !st.Config.Enabled {
		t.Fatalf("config=%+v", st.Config)
	}
}

func TestBlacklistAndWhitelistEndpoints(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	baseURL := startTestServer(t, cfg, controller, nil)

	var got listResponse
	if status := doJSON(t, http.MethodPost, baseURL+"/v1/blacklist", listRequest{IP: "198.51.100.7"}, nil, &got); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if !got.Changed || got.IP != "198.51.100.7" {
		t.Fatalf("got=%+v", got)
	}
	if !controller.IsBlacklisted("198.51.100.7") {
		t.Fatalf("expected 198.51.100.7 to be blacklisted")
	}

	if status := doJSON(t, http.MethodDelete, baseURL+"/v1/blacklist/198.51.100.7", nil, nil, &got); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if controller.IsBlacklisted("198.51.100.7") {
		t.Fatalf("expected 198.51.100.7 to be removed")
	}

	if status := doJSON(t, http.MethodPost, baseURL+"/v1/whitelist", listRequest{IP: "198.51.100.8"}, nil, &got); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if !controller.IsWhitelisted("198.51.100.8") {
		t.Fatalf("expected 198.51.100.8 to be whitelisted")
	}

	if status := doJSON(t, http.MethodPost, baseURL+"/v1/blacklist", listRequest{IP: "not-an-ip"}, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", status, http.StatusBadRequest)
	}
	if status := doJSON(t, http.MethodPost, baseURL+"/v1/blacklist", map[string]any{"ip": "1.2.3.4", "extra": 1}, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d, want %d", status, http.StatusBadRequest)
	}
}

func TestReleaseCallEndpoint(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	d := controller.PerformCallAdmissionControl(admission.Request{CallID: "c1", Codec: "pcmu"})
	if !d.Admit {
		t.Fatalf("admit: %+v", d)
	}
	if err := d.Handle.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if alloc := controller.AllocateRelay("c1", "pcmu"); !alloc.Success {
		t.Fatalf("allocate: %+v", alloc)
	}
	baseURL := startTestServer(t, cfg, controller, nil)

	if status := doJSON(t, http.MethodDelete, baseURL+"/v1/calls/c1", nil, nil, nil); status != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", status, http.StatusNoContent)
	}
	st := controller.Statistics()
	if st.ActiveSessions != 0 || st.RelaySessions != 0 || st.CurrentBandwidthKbps != 0 {
		t.Fatalf("statistics after release=%+v", st)
	}
}

func TestNATEndpoint(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	controller.DetectNAT(context.Background(), "8.8.8.8", "8.8.8.8")
	baseURL := startTestServer(t, cfg, controller, nil)

	var got struct {
		Observations []sbc.NATObservation `json:"observations"`
	}
	if status := doJSON(t, http.MethodGet, baseURL+"/v1/nat", nil, nil, &got); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if len(got.Observations) != 1 || got.Observations[0].LocalIP != "8.8.8.8" {
		t.Fatalf("observations=%+v", got.Observations)
	}
}

func TestV1RequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "secret"
	baseURL := startTestServer(t, cfg, newTestSBC(t, cfg), auth.APIKeyVerifier{Expected: cfg.APIKey})

	if status := doJSON(t, http.MethodGet, baseURL+"/v1/statistics", nil, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", status, http.StatusUnauthorized)
	}
	if status := doJSON(t, http.MethodGet, baseURL+"/v1/statistics", nil, map[string]string{"X-API-Key": "secret"}, nil); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	// Health endpoints stay open.
	if status := doJSON(t, http.MethodGet, baseURL+"/healthz", nil, nil, nil); status != http.StatusOK {
		t.Fatalf("healthz status=%d, want %d", status, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	controller.AddToBlacklist("10.0.0.1")
	controller.ProcessInboundSIP(nil, "10.0.0.1")
	baseURL := startTestServer(t, cfg, controller, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`aero_sbc_events_total{event="sip_blocked_blacklist"} 1`,
		"aero_sbc_blacklist_size 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestStatisticsWebSocketPushes(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "secret"
	controller := newTestSBC(t, cfg)
	baseURL := startTestServer(t, cfg, controller, auth.APIKeyVerifier{Expected: cfg.APIKey})
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/statistics/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("expected unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial resp=%v err=%v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey=secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first statisticsFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != "statistics" || first.Statistics.BlacklistSize != 0 {
		t.Fatalf("first frame=%+v", first)
	}

	controller.AddToBlacklist("10.0.0.1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var frame statisticsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Statistics.BlacklistSize == 1 {
			return
		}
	}
	t.Fatalf("never observed blacklist_size=1 in a pushed frame")
}

func TestStatisticsWebSocketRejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	controller := newTestSBC(t, cfg)
	baseURL := startTestServer(t, cfg, controller, nil)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/statistics/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://attacker.example"}})
	if err == nil {
		t.Fatalf("expected cross-origin dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin dial resp=%v err=%v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {baseURL}})
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}
