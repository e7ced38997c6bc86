// Package httpapi exposes the Orchestrator's command surface as a small JSON
// API, grounded on the teacher's chi-based internal/web server (routing and
// middleware stack) with the HTML rendering it did dropped in favor of pure
// JSON, per SPEC_FULL.md §6's external interface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clipvec/clipvec/internal/acquire"
	"github.com/clipvec/clipvec/internal/orchestrator"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host         string
	Port         int
	Orchestrator *orchestrator.Orchestrator
}

// Server wraps a chi router bound to the orchestrator's command surface.
type Server struct {
	cfg    ServerConfig
	router *chi.Mux
}

// NewServer builds the router and registers routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, router: chi.NewRouter()}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/search", s.handleSearch)
	s.router.Post("/download", s.handleStartDownload)
	s.router.Get("/download/manual", s.handleManualDownloadInfo)
	s.router.Post("/download/cancel", s.handleCancelDownload)
	s.router.Post("/index/bulk", s.handleStartBulkIndexing)
	s.router.Post("/index/rebuild", s.handleRebuildIndex)
	s.router.Get("/health", s.handleHealth)
}

// Router returns the chi router for tests or embedding in a larger mux.
func (s *Server) Router() *chi.Mux { return s.router }

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	log.Printf("httpapi: listening on http://%s", addr)
	return http.ListenAndServe(addr, s.router)
}

type statusResponse struct {
	Enabled            bool     `json:"enabled"`
	ModelDownloaded    bool     `json:"model_downloaded"`
	ModelLoaded        bool     `json:"model_loaded"`
	DownloadProgress   *float64 `json:"download_progress,omitempty"`
	IndexedCount       int      `json:"indexed_count"`
	TotalTextCount     int      `json:"total_text_count"`
	IndexingInProgress bool     `json:"indexing_in_progress"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Orchestrator.Status(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:            st.Enabled,
		ModelDownloaded:    st.ModelDownloaded,
		ModelLoaded:        st.ModelLoaded,
		DownloadProgress:   st.DownloadProgress,
		IndexedCount:       st.IndexedCount,
		TotalTextCount:     st.TotalTextCount,
		IndexingInProgress: st.IndexingInProgress,
	})
}

type searchHitResponse struct {
	ItemID  int64   `json:"item_id"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter 'q'")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	hits, err := s.cfg.Orchestrator.Search(r.Context(), query, limit)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDisabled):
			writeError(w, http.StatusConflict, "semantic search is disabled")
		case errors.Is(err, orchestrator.ErrEmptyQuery):
			writeError(w, http.StatusBadRequest, "query must not be empty")
		case errors.Is(err, orchestrator.ErrModelUnavailable):
			writeError(w, http.StatusServiceUnavailable, "embedding model is not available")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	out := make([]searchHitResponse, len(hits))
	for i, h := range hits {
		out[i] = searchHitResponse{ItemID: h.Item.ID, Content: h.Item.Content, Score: h.Score}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.StartDownload(r.Context()); err != nil {
		if errors.Is(err, acquire.ErrAlreadyDownloading) {
			writeError(w, http.StatusConflict, "a download is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "download started"})
}

type manualDownloadInfoResponse struct {
	URL        string `json:"url"`
	TargetPath string `json:"target_path"`
	Filename   string `json:"filename"`
}

func (s *Server) handleManualDownloadInfo(w http.ResponseWriter, r *http.Request) {
	info := s.cfg.Orchestrator.ManualDownloadInfo()
	writeJSON(w, http.StatusOK, manualDownloadInfoResponse{
		URL:        info.URL,
		TargetPath: info.TargetPath,
		Filename:   info.Filename,
	})
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	s.cfg.Orchestrator.CancelDownload()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStartBulkIndexing(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.StartBulkIndexing(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "indexing started"})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.RebuildIndex(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild started"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
