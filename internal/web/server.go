package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"tasky-photos/internal/compressor"
	"tasky-photos/internal/config"
	"tasky-photos/internal/statistics"
	"tasky-photos/internal/worker"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	compressor compressor.Compressor
	jobs       *worker.Manager
	stats      *statistics.Statistics
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CompressRequest is the body of /api/compress and /api/jobs.
// A zero threshold falls back to the configured one.
type CompressRequest struct {
	URIs           []string `json:"uris"`
	ThresholdBytes int64    `json:"threshold_bytes,omitempty"`
}

type CompressItem struct {
	URI            string `json:"uri"`
	Path           string `json:"path"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	Quality        int    `json:"quality"`
	Iterations     int    `json:"iterations"`
	Error          string `json:"error,omitempty"`
}

type CompressResponse struct {
	Paths []string       `json:"paths"`
	Items []CompressItem `json:"items"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, c compressor.Compressor, jobs *worker.Manager, stats *statistics.Statistics) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log,
		router:     mux.NewRouter(),
		wsClients:  make(map[*websocket.Conn]bool),
		compressor: c,
		jobs:       jobs,
		stats:      stats,
	}
	s.wsUpgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}

	jobs.Subscribe(func(ev worker.Event) {
		s.broadcastWSMessage("job_"+string(ev.State), ev)
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.originMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/jobs", s.handleEnqueueJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := net.JoinHostPort(s.cfg.Server.BindAddress, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting API server on http://%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.jobs.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("Jobs did not stop before shutdown deadline")
	}
	s.closeWSClients()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// originAllowed accepts requests without an Origin header, same-origin
// requests and the configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			s.log.WithFields(logrus.Fields{
				"origin": r.Header.Get("Origin"),
				"path":   r.URL.Path,
			}).Warn("Rejected cross-origin request")
			s.writeError(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, job := range s.jobs.List() {
		if !job.State.Finished() {
			running++
		}
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"active_jobs":     running,
			"threshold_bytes": s.cfg.Compression.ThresholdBytes,
			"format":          s.cfg.Compression.Format,
		},
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.stats.Snapshot(),
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompressRequest(w, r)
	if !ok {
		return
	}

	res, err := s.compressor.Compress(r.Context(), compressor.CompressionRequest{
		URIs:           req.URIs,
		ThresholdBytes: req.ThresholdBytes,
	})
	if err != nil {
		s.writeError(w, fmt.Sprintf("Compression interrupted: %v", err), http.StatusServiceUnavailable)
		return
	}

	resp := CompressResponse{Paths: res.Paths(), Items: make([]CompressItem, len(res.Items))}
	for i, item := range res.Items {
		resp.Items[i] = CompressItem{
			URI:            item.URI,
			Path:           resp.Paths[i],
			OriginalSize:   item.OriginalSize,
			CompressedSize: item.CompressedSize,
			Quality:        item.Quality,
			Iterations:     item.Iterations,
		}
		if item.Err != nil {
			resp.Items[i].Error = item.Err.Error()
		}
	}
	s.writeJSON(w, APIResponse{Success: true, Data: resp})
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompressRequest(w, r)
	if !ok {
		return
	}

	id, err := s.jobs.Enqueue(worker.NewCompressionInput(req.URIs, req.ThresholdBytes))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, worker.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: "Compression job enqueued",
		Data:    map[string]string{"id": id},
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{Success: true, Data: s.jobs.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Cancellation requested"})
}

func (s *Server) decodeCompressRequest(w http.ResponseWriter, r *http.Request) (CompressRequest, bool) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return req, false
	}
	if len(req.URIs) == 0 {
		s.writeError(w, "At least one URI is required", http.StatusBadRequest)
		return req, false
	}
	if req.ThresholdBytes < 0 {
		s.writeError(w, "threshold_bytes must not be negative", http.StatusBadRequest)
		return req, false
	}
	if req.ThresholdBytes == 0 {
		req.ThresholdBytes = s.cfg.Compression.ThresholdBytes
	}
	return req, true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	msgBytes, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// gorilla connections allow one concurrent writer, so writes hold the
	// exclusive lock.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) closeWSClients() {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
