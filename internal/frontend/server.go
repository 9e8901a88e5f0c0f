package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"opentrade-go/internal/config"
)

// Server runs the client-protocol WebSocket listener: one /ws
// endpoint, upgrade-and-hand-off to a session, one hub underneath.
type Server struct {
	cfg    config.FrontendConfig
	hub    *hub
	http   *http.Server
	logger *slog.Logger
}

// NewServer wires a Server with its own hub and handlers. deps narrows
// the composition root down to exactly what the client protocol needs.
func NewServer(cfg config.FrontendConfig, deps Deps, logger *slog.Logger) *Server {
	h := newHub(logger)
	h.handlers = newHandlers(deps, h, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleUpgrade(cfg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		cfg: cfg,
		hub: h,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "frontend-server"),
	}
}

// Hub exposes the session hub so the composition root can wire it in
// as a marketdata.Notifier/orderbook.ClientNotifier/algo.EventNotifier
// without the frontend package importing any of those back.
func (s *Server) Hub() *hub {
	return s.hub
}

// Start runs the hub loop and begins serving. Blocks until Stop closes
// the listener; intended to run in its own goroutine from Run.
func (s *Server) Start() error {
	go s.hub.run()
	s.logger.Info("frontend server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("frontend: server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (h *hub) handleUpgrade(cfg config.FrontendConfig) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins, r.Host)
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		newSession(h, conn)
	}
}

func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}
	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return reqHost != "" && host == normalizeHost(reqHost)
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + normalizeHost(host)
}

func normalizeHost(host string) string {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h, "]") {
		h = h[:i]
	}
	return h
}
