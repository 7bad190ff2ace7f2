package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quickpair/gateway/internal/config"
	"github.com/quickpair/gateway/internal/metrics"
	"github.com/quickpair/gateway/internal/turnrest"
)

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTL:            10 * time.Minute,
		UsernamePrefix: "gw",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return New(cfg, logger, BuildInfo{Commit: "abc123"}, metrics.New(), gen)
}

func doRequest(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := testServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzReflectsReadyFlag(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before serving = %d, want 503", rec.Code)
	}

	s.ready.Store(true)
	rec = doRequest(s, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status after ready = %d, want 200", rec.Code)
	}
}

func TestVersionReportsBuildInfo(t *testing.T) {
	s := testServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Commit != "abc123" {
		t.Fatalf("commit = %q, want abc123", got.Commit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, nil)
	s.metrics.Inc(metrics.RoomsCreated)

	rec := doRequest(s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `event="rooms_created"`) {
		t.Fatalf("metrics output missing counter: %s", rec.Body.String())
	}
}

func TestTURNCredentials(t *testing.T) {
	s := testServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/turn-credentials?clientId=client-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var creds turnrest.Credentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if creds.Username == "" || creds.Credential == "" {
		t.Fatalf("incomplete credentials: %+v", creds)
	}
	if !strings.HasSuffix(creds.Username, ":gw:client-1") {
		t.Fatalf("username = %q, want suffix :gw:client-1", creds.Username)
	}
}

func TestTURNCredentialsNotConfigured(t *testing.T) {
	s := testServer(t, nil)
	s.turn = nil
	rec := doRequest(s, http.MethodGet, "/turn-credentials", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOriginPolicyRejectsUnknownOrigin(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	rec := doRequest(s, http.MethodGet, "/turn-credentials", map[string]string{
		"Origin": "https://evil.example.com",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := s.metrics.Get(metrics.OriginRejected); got != 1 {
		t.Fatalf("origin_rejected = %d, want 1", got)
	}
}

func TestOriginPolicyAllowsListedOrigin(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	rec := doRequest(s, http.MethodGet, "/turn-credentials?clientId=c", map[string]string{
		"Origin": "https://app.example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestOriginPolicyPreflight(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"*"}
	})

	rec := doRequest(s, http.MethodOptions, "/turn-credentials", map[string]string{
		"Origin": "https://anywhere.example.com",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("missing Access-Control-Allow-Methods")
	}
}

func TestOriginPolicySameHostDefault(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(s, http.MethodGet, "http://gw.example.com/turn-credentials?clientId=c", map[string]string{
		"Origin": "http://gw.example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("same-host origin status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "http://gw.example.com/turn-credentials", map[string]string{
		"Origin": "http://other.example.com",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-host origin status = %d, want 403", rec.Code)
	}
}
