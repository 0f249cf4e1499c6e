package test

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fadebin/svc/lim"
)

func TestSecurityXSSInjection(t *testing.T) {
	c := createTestConfig()
	ts := newTestServer(t, c, testStores(t)["memory"])
	xssPayloads := []string{
		"<script>alert('XSS')</script>",
		"<img src=x onerror=alert('XSS')>",
		"<svg/onload=alert('XSS')>",
		"\"><script>alert(String.fromCharCode(88,83,83))</script>",
		"</pre><script>alert(1)</script><pre>",
		"<iframe src=javascript:alert('XSS')>",
	}
	for _, payload := range xssPayloads {
		id := ts.createPaste(t, map[string]any{"content": payload})

		// The JSON API returns content verbatim.
		_, body := ts.getJSON(t, "/api/pastes/"+id)
		if body["content"] != payload {
			t.Errorf("api altered content: got %v", body["content"])
		}

		resp, err := ts.Client().Get(ts.URL + "/p/" + id)
		if err != nil {
			t.Fatal(err)
		}
		html, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if bytes.Contains(html, []byte("<script>")) || bytes.Contains(html, []byte("<img")) ||
			bytes.Contains(html, []byte("<svg")) || bytes.Contains(html, []byte("<iframe")) {
			t.Errorf("payload rendered unescaped: %s", payload)
		}
		if csp := resp.Header.Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
			t.Errorf("render without restrictive CSP: %q", csp)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	c := createTestConfig()
	ts := newTestServer(t, c, testStores(t)["memory"])
	id := ts.createPaste(t, map[string]any{"content": "headers"})
	for _, path := range []string{"/api/pastes/" + id, "/p/" + id} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "X-Request-ID"} {
			if resp.Header.Get(h) == "" {
				t.Errorf("%s: missing %s", path, h)
			}
		}
	}
}

func TestSecurityRequestIDNotInjectable(t *testing.T) {
	c := createTestConfig()
	ts := newTestServer(t, c, testStores(t)["memory"])
	req, _ := http.NewRequest("GET", ts.URL+"/api/pastes/abcd1234", nil)
	req.Header.Set("X-Request-ID", "evil\" injected=\"1")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); strings.Contains(got, "evil") {
		t.Errorf("request id echoed unvalidated: %q", got)
	}
}

func TestSecurityResourceDoS(t *testing.T) {
	c := createTestConfig()
	c.MaxPasteSize = 1024
	ts := newTestServer(t, c, testStores(t)["memory"])
	huge := `{"content":"` + strings.Repeat("A", 200*1024) + `"}`
	resp, err := ts.Client().Post(ts.URL+"/api/pastes", "application/json", strings.NewReader(huge))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized body: status %d", resp.StatusCode)
	}
	deep := strings.Repeat("[", 100000)
	resp, err = ts.Client().Post(ts.URL+"/api/pastes", "application/json", strings.NewReader(deep))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("deeply nested body: status %d", resp.StatusCode)
	}
}

func TestSecurityPathTraversalIDs(t *testing.T) {
	c := createTestConfig()
	ts := newTestServer(t, c, testStores(t)["memory"])
	for _, id := range []string{"..%2F..%2Fetc", "paste:abc", "%00abcdefg", "a'OR'1'='1", strings.Repeat("x", 4096)} {
		status, body := ts.getJSON(t, "/api/pastes/"+id)
		if status != http.StatusNotFound || body["error"] != "Not found" {
			t.Errorf("id %.20q: %d %v", id, status, body)
		}
	}
}

func TestRealIPSpoofingAttack(t *testing.T) {
	c := createTestConfig()
	c.RateLimit.RPM = 2
	c.RateLimit.Burst = 2
	ts := newTestServer(t, c, testStores(t)["memory"])
	rejected := false
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("POST", ts.URL+"/api/pastes", strings.NewReader(`{"content":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			rejected = true
		}
	}
	if !rejected {
		t.Error("rotating X-Forwarded-For from an untrusted peer bypassed the rate limit")
	}
}

func TestXFFHeaderDoS(t *testing.T) {
	trustedProxies := []string{"10.0.0.0/8"}
	for _, count := range []int{5, 150, 10000} {
		t.Run(fmt.Sprintf("%d IPs", count), func(t *testing.T) {
			ips := make([]string, count)
			for i := range ips {
				ips[i] = fmt.Sprintf("10.%d.%d.%d", i/256/256, i/256%256, i%256)
			}
			req := httptest.NewRequest("POST", "/api/pastes", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			req.Header.Set("X-Forwarded-For", strings.Join(ips, ", "))
			start := time.Now()
			got := lim.GetRealIP(req, trustedProxies)
			if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
				t.Errorf("XFF processing too slow: %v", elapsed)
			}
			if got != "10.0.0.1" {
				t.Errorf("all-proxy chain should resolve to the peer, got %s", got)
			}
		})
	}
}
