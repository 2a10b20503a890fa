package ipc

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Server wraps an HTTP server with verifier routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Agent-facing endpoints.
	mux.HandleFunc("POST /api/v1/agents", h.RegisterAgent)
	mux.HandleFunc("GET /api/v1/challenge", h.IssueChallenge)
	mux.HandleFunc("POST /api/v1/posts", h.SubmitPost)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/actions", h.RecordAction)

	// Read endpoints.
	mux.HandleFunc("GET /api/v1/agents/{agentID}", h.GetAgent)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/profile", h.GetProfile)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/fingerprint", h.GetFingerprint)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/events", h.ListSessionEvents)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/events/stream", h.StreamSessionEvents)

	// Operator endpoints.
	mux.HandleFunc("POST /api/v1/tick", h.Tick)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/burst", h.ManualBurst)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/reverify", h.Reverify)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AgentHeader+", "+ActorHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FormatListenURL turns a listen address such as ":9800" into a URL for logs.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
