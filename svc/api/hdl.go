package api

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"fadebin/cfg"
	"fadebin/pkg/domain"
	"fadebin/svc/lim"
	"fadebin/svc/svc"
	"fadebin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// A content byte takes at most six bytes of JSON (\u00XX); bodyOverhead
// leaves room for the other fields around it.
const (
	maxEscapeWidth = 6
	bodyOverhead   = 16 * 1024
)

const isoMillis = "2006-01-02T15:04:05.000Z"

var pageTmpl = template.Must(template.New("paste").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>Paste</title>
<style>body{font-family:system-ui,sans-serif;margin:2rem;background:#fafafa}pre{white-space:pre-wrap;word-wrap:break-word;background:#fff;border:1px solid #ddd;padding:1rem;border-radius:4px}</style>
</head>
<body>
<pre>{{.Content}}</pre>
</body>
</html>
`))

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
type FetchResp struct {
	Content        string  `json:"content"`
	RemainingViews *int64  `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}
type errResp struct {
	Error string `json:"error"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	limit := h.cfg.MaxPasteSize*maxEscapeWidth + bodyOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	params, err := decodeCreate(r.Body, h.cfg.MaxPasteSize)
	if err != nil {
		log.Debug().Err(err).Msg("rejected create request")
		writeErr(w, r, err)
		return
	}
	params.BaseURL = h.baseURL(r)
	created, err := h.paste.Create(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	log.Info().
		Str("paste_id", created.ID).
		Bool("ttl", params.TTLSeconds != nil).
		Bool("max_views", params.MaxViews != nil).
		Msg("paste created")
	writeJSON(w, http.StatusCreated, CreateResp{ID: created.ID, URL: created.URL})
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.paste.Fetch(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := FetchResp{Content: view.Content, RemainingViews: view.RemainingViews}
	if view.ExpiresAt != nil {
		s := view.ExpiresAt.UTC().Format(isoMillis)
		resp.ExpiresAt = &s
	}
	hlog.FromRequest(r).Debug().Str("paste_id", id).Msg("paste fetched")
	writeJSON(w, http.StatusOK, resp)
}

// RenderPaste serves the HTML page. Failures carry no body detail so the
// page never tells an expired paste from a missing one.
func (h *Hdl) RenderPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	content, err := h.paste.Render(r.Context(), id)
	if err != nil {
		writeBare(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, struct{ Content string }{content}); err != nil {
		writeBare(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none';")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
func (h *Hdl) PasteQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	png, err := h.paste.QR(r.Context(), id, h.baseURL(r))
	if err != nil {
		writeBare(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// baseURL prefers BASE_URL and otherwise rebuilds the origin the client
// used. Forwarded headers count only from trusted proxies.
func (h *Hdl) baseURL(r *http.Request) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if lim.IsTrusted(r, h.cfg.TrustedProxies) {
		if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
			scheme = p
		}
		if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
			host = strings.TrimSpace(strings.Split(fh, ",")[0])
		}
	}
	return scheme + "://" + host
}

// decodeCreate reads the create body and checks field types in the same
// order ValidateCreate checks ranges, so the first problem reported is the
// first field at fault.
func decodeCreate(body io.Reader, maxSize int64) (domain.CreateParams, error) {
	var params domain.CreateParams
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return params, domain.ErrPasteTooLarge
		}
		return params, domain.ErrInvalidRequest
	}
	if _, err := dec.Token(); err != io.EOF {
		return params, domain.ErrInvalidRequest
	}
	if raw == nil {
		return params, domain.ErrInvalidRequest
	}
	content, ok := raw["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return params, domain.NewValidationErr("content", domain.MsgContentRequired)
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return params, domain.ErrPasteTooLarge
	}
	params.Content = content
	if v, present := raw["ttl_seconds"]; present {
		n, ok := integer(v)
		if !ok || n < 1 || n > domain.MaxTTLSeconds {
			return params, domain.NewValidationErr("ttl_seconds", domain.MsgTTLInvalid)
		}
		params.TTLSeconds = &n
	}
	if v, present := raw["max_views"]; present {
		n, ok := integer(v)
		if !ok || n < 1 {
			return params, domain.NewValidationErr("max_views", domain.MsgMaxViewsInvalid)
		}
		params.MaxViews = &n
	}
	return params, nil
}

// integer accepts JSON numbers with no fractional part, 5 and 5.0 alike.
func integer(v any) (int64, bool) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps err onto its status and client message. Internal errors
// are logged with their cause and answered generically.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	logErr(r, err, status)
	writeJSON(w, status, errResp{Error: domain.Message(err)})
}
func writeBare(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	if status != http.StatusNotFound {
		status = http.StatusInternalServerError
	}
	logErr(r, err, status)
	http.Error(w, http.StatusText(status), status)
}
func logErr(r *http.Request, err error, status int) {
	log := hlog.FromRequest(r)
	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("request_id", util.GetRequestID(r.Context())).
		Str("paste_id", chi.URLParam(r, "id")).
		Str("op", r.Method+" "+routePattern(r)).
		Int("status", status).
		Msg("request failed")
}
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
