package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fadebin/cfg"
	"fadebin/pkg/clock"
	"fadebin/pkg/domain"
	"fadebin/svc/db"
	"fadebin/svc/lim"
	"fadebin/svc/svc"
	"fadebin/svc/util"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	srv   *Server
	clk   *clock.Manual
	store *db.Memory
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:              "0",
		Environment:       "test",
		StoreBackend:      cfg.BackendMemory,
		BaseURL:           "https://paste.test",
		MaxPasteSize:      1024,
		ContextTimeout:    time.Second,
		CreateMaxAttempts: 3,
		FetchMaxAttempts:  5,
		RateLimit:         cfg.RateLimitCfg{RPM: 6000, Burst: 1000, ConservativeLimit: 60},
		LimiterCacheSize:  100,
	}
}

func newHarness(t *testing.T, c *cfg.Cfg) *harness {
	t.Helper()
	store := db.NewMemory()
	clk := clock.NewManual(t0)
	l, err := lim.New(lim.Config{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		CacheSize:         c.LimiterCacheSize,
	}, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	t.Cleanup(l.Stop)
	p := svc.NewPaste(store, util.NewNanoID(util.IDLength), clk, c)
	return &harness{srv: NewServer(c, p, l, store), clk: clk, store: store}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (h *harness) create(t *testing.T, body string) CreateResp {
	t.Helper()
	w := h.do(t, "POST", "/api/pastes", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	return decode[CreateResp](t, w)
}

func TestCreateAndFetch(t *testing.T) {
	h := newHarness(t, testCfg())
	created := h.create(t, `{"content":"hello","ttl_seconds":60,"max_views":2}`)
	if created.URL != "https://paste.test/p/"+created.ID {
		t.Errorf("url mismatch: %s", created.URL)
	}
	w := h.do(t, "GET", "/api/pastes/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("fetch: status %d", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["content"] != "hello" {
		t.Errorf("content mismatch: %v", got["content"])
	}
	if got["remaining_views"] != float64(1) {
		t.Errorf("remaining_views mismatch: %v", got["remaining_views"])
	}
	if got["expires_at"] != "2026-03-01T12:01:00.000Z" {
		t.Errorf("expires_at mismatch: %v", got["expires_at"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestFetchUnlimitedNulls(t *testing.T) {
	h := newHarness(t, testCfg())
	created := h.create(t, `{"content":"plain"}`)
	w := h.do(t, "GET", "/api/pastes/"+created.ID, "")
	body := w.Body.String()
	if !strings.Contains(body, `"remaining_views":null`) || !strings.Contains(body, `"expires_at":null`) {
		t.Errorf("expected explicit nulls, got %s", body)
	}
}

func TestFetchOutcomes(t *testing.T) {
	h := newHarness(t, testCfg())
	limited := h.create(t, `{"content":"once","max_views":1}`)
	h.do(t, "GET", "/api/pastes/"+limited.ID, "")
	expiring := h.create(t, `{"content":"brief","ttl_seconds":1}`)
	h.clk.Advance(time.Second)
	tests := []struct {
		id   string
		want string
	}{
		{"zzzzzzzz", "Not found"},
		{limited.ID, "View limit exceeded"},
		{expiring.ID, "Expired"},
	}
	for _, tt := range tests {
		w := h.do(t, "GET", "/api/pastes/"+tt.id, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status %d", tt.want, w.Code)
		}
		if got := decode[errResp](t, w).Error; got != tt.want {
			t.Errorf("error mismatch: got %q, want %q", got, tt.want)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, testCfg())
	big := strings.Repeat("a", 1025)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"content":`, "invalid request body"},
		{"trailing data", `{"content":"x"} {}`, "invalid request body"},
		{"not an object", `"x"`, "invalid request body"},
		{"missing content", `{}`, domain.MsgContentRequired},
		{"blank content", `{"content":"   "}`, domain.MsgContentRequired},
		{"numeric content", `{"content":5}`, domain.MsgContentRequired},
		{"too large", `{"content":"` + big + `"}`, "content exceeds maximum size"},
		{"zero ttl", `{"content":"x","ttl_seconds":0}`, domain.MsgTTLInvalid},
		{"fractional ttl", `{"content":"x","ttl_seconds":1.5}`, domain.MsgTTLInvalid},
		{"null ttl", `{"content":"x","ttl_seconds":null}`, domain.MsgTTLInvalid},
		{"string ttl", `{"content":"x","ttl_seconds":"60"}`, domain.MsgTTLInvalid},
		{"zero views", `{"content":"x","max_views":0}`, domain.MsgMaxViewsInvalid},
		{"null views", `{"content":"x","max_views":null}`, domain.MsgMaxViewsInvalid},
		{"content checked first", `{"content":"","ttl_seconds":0}`, domain.MsgContentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, "POST", "/api/pastes", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status %d, body %s", w.Code, w.Body.String())
			}
			if got := decode[errResp](t, w).Error; got != tt.want {
				t.Errorf("error mismatch: got %q, want %q", got, tt.want)
			}
		})
	}
	if h.store.Len() != 0 {
		t.Errorf("rejected requests stored %d pastes", h.store.Len())
	}
}

func TestCreateAcceptsIntegralFloat(t *testing.T) {
	h := newHarness(t, testCfg())
	h.create(t, `{"content":"x","ttl_seconds":60.0,"max_views":1e1}`)
}

func TestRenderEscapesAndDoesNotConsume(t *testing.T) {
	h := newHarness(t, testCfg())
	created := h.create(t, `{"content":"<script>alert(1)</script>","max_views":1}`)
	for i := 0; i < 3; i++ {
		w := h.do(t, "GET", "/p/"+created.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("render: status %d", w.Code)
		}
		body := w.Body.String()
		if strings.Contains(body, "<script>") {
			t.Fatal("content rendered unescaped")
		}
		if !strings.Contains(body, "&lt;script&gt;") {
			t.Errorf("escaped content missing: %s", body)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("content type mismatch: %s", ct)
		}
	}
	if w := h.do(t, "GET", "/api/pastes/"+created.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("renders consumed the view: status %d", w.Code)
	}
	w := h.do(t, "GET", "/p/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("exhausted render: status %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "View limit") {
		t.Error("render leaked the not-found reason")
	}
}

func TestQRRoute(t *testing.T) {
	h := newHarness(t, testCfg())
	created := h.create(t, `{"content":"qr"}`)
	w := h.do(t, "GET", "/p/"+created.ID+"/qr", "")
	if w.Code != http.StatusOK {
		t.Fatalf("qr: status %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" || !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("qr response is not a png")
	}
	if w := h.do(t, "GET", "/p/missing0/qr", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing qr: status %d", w.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, testCfg())
	w := h.do(t, "GET", "/api/health", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"ok":true}` {
		t.Errorf("health mismatch: %d %s", w.Code, w.Body.String())
	}
	w = h.do(t, "GET", "/api/ready", "")
	if w.Code != http.StatusOK || !decode[ReadyResponse](t, w).Ready {
		t.Errorf("ready mismatch: %d %s", w.Code, w.Body.String())
	}
}

func TestBaseURLFromRequest(t *testing.T) {
	c := testCfg()
	c.BaseURL = ""
	c.TrustedProxies = []string{"10.0.0.1"}
	h := newHarness(t, c)
	r := httptest.NewRequest("POST", "/api/pastes", strings.NewReader(`{"content":"x"}`))
	r.Host = "internal:8080"
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "paste.example.com")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	got := decode[CreateResp](t, w)
	if got.URL != "https://paste.example.com/p/"+got.ID {
		t.Errorf("url mismatch: %s", got.URL)
	}

	r = httptest.NewRequest("POST", "/api/pastes", strings.NewReader(`{"content":"x"}`))
	r.Host = "direct.example.com"
	r.Header.Set("X-Forwarded-Host", "evil.example.com")
	w = httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	got = decode[CreateResp](t, w)
	if got.URL != "http://direct.example.com/p/"+got.ID {
		t.Errorf("untrusted forwarded host honoured: %s", got.URL)
	}
}

func TestRateLimited(t *testing.T) {
	c := testCfg()
	c.RateLimit = cfg.RateLimitCfg{RPM: 1, Burst: 1, ConservativeLimit: 1}
	h := newHarness(t, c)
	h.create(t, `{"content":"x"}`)
	w := h.do(t, "POST", "/api/pastes", `{"content":"y"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d", w.Code)
	}
	if decode[errResp](t, w).Error != "rate limit exceeded" || w.Header().Get("Retry-After") == "" {
		t.Errorf("unexpected 429 response: %s", w.Body.String())
	}
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	h := newHarness(t, c)
	if w := h.do(t, "GET", "/metrics", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated metrics: status %d", w.Code)
	}
	r := httptest.NewRequest("GET", "/metrics", nil)
	r.SetBasicAuth("prom", "scrape")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated metrics: status %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	c := testCfg()
	c.AllowedOrigins = []string{"https://app.example.com"}
	h := newHarness(t, c)
	r := httptest.NewRequest("OPTIONS", "/api/pastes", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("missing allow origin")
	}
}

func TestRecovererMatchesRouteContract(t *testing.T) {
	mw := NewMw(nil, testCfg())
	h := mw.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/pastes/abcd1234", nil))
	if w.Code != http.StatusInternalServerError || decode[errResp](t, w).Error != "Internal server error" {
		t.Errorf("api route: unexpected response: %d %s", w.Code, w.Body.String())
	}

	for _, path := range []string{"/p/abcd1234", "/p/abcd1234/qr"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s: status %d", path, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); strings.Contains(ct, "json") {
			t.Errorf("%s: render route answered with %s", path, ct)
		}
		if strings.TrimSpace(w.Body.String()) != http.StatusText(http.StatusInternalServerError) {
			t.Errorf("%s: unexpected body %q", path, w.Body.String())
		}
	}
}

func TestCreateAcceptsFullyEscapedContent(t *testing.T) {
	c := testCfg()
	c.MaxPasteSize = 8192
	h := newHarness(t, c)
	body := `{"content":"` + strings.Repeat(`\u0001`, int(c.MaxPasteSize)) + `"}`
	w := h.do(t, "POST", "/api/pastes", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("content at the size limit was rejected: %d %s", w.Code, w.Body.String())
	}
	over := `{"content":"` + strings.Repeat(`\u0001`, int(c.MaxPasteSize)+1) + `"}`
	w = h.do(t, "POST", "/api/pastes", over)
	if w.Code != http.StatusBadRequest || decode[errResp](t, w).Error != "content exceeds maximum size" {
		t.Errorf("oversized content: %d %s", w.Code, w.Body.String())
	}
}

func TestCreateLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	util.SetLogOutput(&buf, "debug")
	t.Cleanup(func() { util.SetLogOutput(io.Discard, "disabled") })
	h := newHarness(t, testCfg())
	h.create(t, `{"content":"hello","max_views":2}`)
	if n := strings.Count(buf.String(), `"message":"paste created"`); n != 1 {
		t.Errorf("expected one creation log line, got %d:\n%s", n, buf.String())
	}
	if strings.Contains(buf.String(), "hello") {
		t.Error("paste content leaked into logs")
	}
}
