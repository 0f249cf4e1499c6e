package test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fadebin/cfg"
	"fadebin/pkg/clock"
	"fadebin/svc/api"
	"fadebin/svc/db"
	"fadebin/svc/lim"
	"fadebin/svc/svc"
	"fadebin/svc/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					envLoadErr = godotenv.Load(absPath)
					return
				}
			}
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()
	c, err := cfg.Load()
	if err != nil {
		c = &cfg.Cfg{}
	}
	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "disabled"
	c.BaseURL = ""
	c.StoreBackend = cfg.BackendMemory
	c.StoreTimeout = 5 * time.Second
	c.ContextTimeout = 10 * time.Second
	c.MaxPasteSize = 64 * 1024
	c.CreateMaxAttempts = 3
	c.FetchMaxAttempts = 50
	c.RateLimit = cfg.RateLimitCfg{RPM: 1000000, Burst: 100000, ConservativeLimit: 100000}
	c.LimiterCacheSize = 1000
	c.TrustedProxies = nil
	c.MetricsUser = ""
	c.MetricsPass = cfg.NewSecret("")
	util.SetLogOutput(os.Stderr, c.LogLevel)
	return c
}

// testStores opens one instance of every backend that runs without
// external services.
func testStores(t *testing.T) map[string]db.Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := db.NewSQLite(filepath.Join(dir, "e2e.db"))
	if err != nil {
		t.Fatal(err)
	}
	bolt, err := db.NewBolt(filepath.Join(dir, "e2e.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	stores := map[string]db.Store{
		"memory": db.NewMemory(),
		"sqlite": sqlite,
		"bolt":   bolt,
		"redis":  db.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 5*time.Second),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

type testServer struct {
	*httptest.Server
	paste *svc.Paste
	clock *clock.Manual
	store db.Store
}

func newTestServer(t *testing.T, c *cfg.Cfg, store db.Store) *testServer {
	t.Helper()
	var shared lim.Counter
	if rdb, ok := store.(*db.Redis); ok {
		shared = rdb
	}
	limiter, err := lim.New(lim.Config{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		TrustedProxies:    c.TrustedProxies,
		CacheSize:         c.LimiterCacheSize,
	}, shared)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(time.Now())
	p := svc.NewPaste(store, util.NewNanoID(util.IDLength), clk, c)
	ts := httptest.NewServer(api.NewServer(c, p, limiter, store))
	t.Cleanup(func() {
		ts.Close()
		p.Shutdown()
		limiter.Stop()
	})
	return &testServer{Server: ts, paste: p, clock: clk, store: store}
}

func (s *testServer) createPaste(t *testing.T, body map[string]any) string {
	t.Helper()
	status, resp := s.postJSON(t, "/api/pastes", body)
	if status != http.StatusCreated {
		t.Fatalf("create: status %d body %v", status, resp)
	}
	return resp["id"].(string)
}

func (s *testServer) postJSON(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Client().Post(s.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *testServer) getJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := s.Client().Get(s.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}
