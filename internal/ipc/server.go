package ipc

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps an HTTP server with the relay's routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Routes(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

// Routes builds the gateway's request router.
func Routes(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	// JSON-RPC.
	mux.HandleFunc("POST /rpc", h.RPC)

	// Worker surface.
	mux.HandleFunc("POST /workers/register", h.RegisterWorker)
	mux.HandleFunc("POST /workers/{id}/unregister", h.UnregisterWorker)
	mux.HandleFunc("POST /workers/{id}/heartbeat", h.WorkerHeartbeat)
	mux.HandleFunc("GET /workers", h.ListWorkers)
	mux.HandleFunc("GET /workers/{id}", h.GetWorker)

	// Tasks.
	mux.HandleFunc("GET /tasks", h.ListTasks)
	mux.HandleFunc("POST /tasks", h.CreateTask)
	mux.HandleFunc("POST /tasks/claim", h.ClaimNext)
	mux.HandleFunc("GET /tasks/{id}", h.GetTask)
	mux.HandleFunc("DELETE /tasks/{id}", h.DeleteTask)
	mux.HandleFunc("PUT /tasks/{id}/status", h.UpdateTaskStatus)
	mux.HandleFunc("POST /tasks/{id}/cancel", h.CancelTask)
	mux.HandleFunc("POST /tasks/{id}/output", h.AppendOutput)
	mux.HandleFunc("GET /tasks/{id}/stream", h.StreamTask)
	mux.HandleFunc("GET /tasks/{id}/audit", h.TaskAudit)
	mux.HandleFunc("GET /tasks/{id}/export", h.ExportTask)

	// Codebases.
	mux.HandleFunc("POST /codebases", h.RegisterCodebase)
	mux.HandleFunc("GET /codebases", h.ListCodebases)
	mux.HandleFunc("GET /codebases/{id}", h.GetCodebase)
	mux.HandleFunc("DELETE /codebases/{id}", h.DeleteCodebase)
	mux.HandleFunc("GET /codebases/{id}/stream", h.StreamCodebase)

	// Sessions.
	mux.HandleFunc("GET /sessions", h.ListSessions)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("GET /sessions/{id}/messages", h.SessionMessages)
	mux.HandleFunc("POST /sessions/{id}/messages", h.AppendSessionMessage)
	mux.HandleFunc("GET /sessions/{id}/export", h.ExportSession)

	// Agents and the event firehose.
	mux.HandleFunc("POST /agents/register", h.RegisterAgent)
	mux.HandleFunc("POST /agents/{name}/heartbeat", h.AgentHeartbeat)
	mux.HandleFunc("DELETE /agents/{name}", h.UnregisterAgent)
	mux.HandleFunc("GET /agents", h.ListAgents)
	mux.HandleFunc("GET /agents/{name}/stream", h.StreamAgent)
	mux.HandleFunc("GET /events", h.StreamEvents)

	return corsMiddleware(logMiddleware(h.logger(), mux))
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l. Blocks until the server stops.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// RegisterOnShutdown registers f to run when Shutdown starts. Open streams
// return once the bus closes, so Bus.Close belongs here.
func (s *Server) RegisterOnShutdown(f func()) {
	s.httpServer.RegisterOnShutdown(f)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Next-Cursor, X-Content-Blake3")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logMiddleware logs one line per request.
func logMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
