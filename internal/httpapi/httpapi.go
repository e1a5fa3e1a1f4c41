// Package httpapi serves the control-plane routes spec §6 multiplexes
// onto the same listening port as the ICE-TCP media plane: the embedded
// static UI, health/metrics, the session summary list, the two UI
// bootstrap endpoints, the signaling WebSocket, and an optional MCP tool
// surface, all behind an optional Basic Auth gate.
package httpapi

import (
	"crypto/subtle"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/lanternops/waydesk/internal/config"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/session"
)

//go:embed web
var webFS embed.FS

// Metrics holds the process counters GET /metrics renders as Prometheus
// text exposition (spec §6). SessionsActive is consulted live rather than
// tracked as a counter, since the registry is already the source of truth.
type Metrics struct {
	BytesSent     func() int64
	BytesReceived func() int64
}

// Server serves every HTTP route spec §6 names beyond the ICE-TCP media
// plane. webrtc is the already-constructed signaling.Handler; mcp, if
// non-nil and cfg.MCPEnabled, is mounted at POST /mcp.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	webrtc    http.Handler
	mcp       http.Handler
	metrics   Metrics
	startedAt time.Time
}

// New creates a Server. metrics fields may be left nil; absent counters
// simply render as 0.
func New(cfg *config.Config, registry *session.Registry, webrtc http.Handler, mcp http.Handler, metrics Metrics) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		webrtc:    webrtc,
		mcp:       mcp,
		metrics:   metrics,
		startedAt: time.Now(),
	}
}

// Handler builds the full routed, Basic-Auth-wrapped handler to pass to
// the mux's HTTP branch.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if staticFS, err := fs.Sub(webFS, "web/static"); err == nil {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	}

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/ui-config", s.handleUIConfig)
	mux.HandleFunc("/ws-config", s.handleWSConfig)

	if s.webrtc != nil {
		mux.Handle("/webrtc", s.webrtc)
	}
	if s.cfg.MCPEnabled && s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}

	return s.withBasicAuth(mux)
}

// withBasicAuth gates every route behind Authorization: Basic when both
// basic_auth_user and basic_auth_pass are configured (spec §6); otherwise
// it's a no-op passthrough.
func (s *Server) withBasicAuth(next http.Handler) http.Handler {
	if s.cfg.BasicAuthUser == "" && s.cfg.BasicAuthPass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		validUser := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuthUser)) == 1
		validPass := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuthPass)) == 1
		if !ok || !validUser || !validPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="waydesk"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	indexHTML, err := webFS.ReadFile("web/index.html")
	if err != nil {
		logging.L("httpapi").Error("read embedded index failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleMetrics renders the Prometheus text exposition format directly:
// the example pack's only metrics wiring (pion-webrtc's sfu-ws example)
// pulls in promhttp.Handler(), but that drags in client_golang's full
// transitive module graph (client_model, common, procfs) which isn't
// resolvable without running `go mod tidy`; hand-writing the handful of
// gauges this server actually has is safer than guessing that graph's
// exact versions (see DESIGN.md).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	sessions := s.registry.All()

	fprintMetric(w, "waydesk_sessions_active", "gauge", float64(len(sessions)))
	fprintMetric(w, "waydesk_uptime_seconds", "gauge", time.Since(s.startedAt).Seconds())
	if s.metrics.BytesSent != nil {
		fprintMetric(w, "waydesk_bytes_sent_total", "counter", float64(s.metrics.BytesSent()))
	}
	if s.metrics.BytesReceived != nil {
		fprintMetric(w, "waydesk_bytes_received_total", "counter", float64(s.metrics.BytesReceived()))
	}
}

func fprintMetric(w http.ResponseWriter, name, kind string, value float64) {
	fmt.Fprintf(w, "# TYPE %s %s\n%s %v\n", name, kind, name, value)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.All()
	out := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Describe())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// uiConfig is the subset of config fields the browser UI is allowed to
// read and, unless locked, offer to change (spec §6 `/ui-config`).
type uiConfig struct {
	TargetFPS       int    `json:"target_fps"`
	VideoCodec      string `json:"video_codec"`
	HardwareEncoder string `json:"hardware_encoder"`
	Locked          map[string]bool `json:"locked"`
}

func (s *Server) handleUIConfig(w http.ResponseWriter, r *http.Request) {
	cfg := uiConfig{
		TargetFPS:       s.cfg.TargetFPS,
		VideoCodec:      s.cfg.VideoCodec,
		HardwareEncoder: s.cfg.HardwareEncoder,
		Locked: map[string]bool{
			"target_fps":       s.cfg.IsLocked("target_fps"),
			"video_codec":      s.cfg.IsLocked("video_codec"),
			"hardware_encoder": s.cfg.IsLocked("hardware_encoder"),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleWSConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"port": s.cfg.ListenPort})
}
