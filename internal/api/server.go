// Package api exposes the pipeline operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/config"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/pipeline"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/repository"
)

// Server exposes sync, reprocess and queue-administration endpoints.
type Server struct {
	cfg     *config.Config
	service *pipeline.Service
	log     zerolog.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, service *pipeline.Service, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, service: service, log: log}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/sync", s.handleSyncTrigger)
		mux.HandleFunc("/sync/status", s.handleSyncStatus)
		mux.HandleFunc("/reprocess", s.handleReprocess)
		mux.HandleFunc("/queues/", s.handleQueueRoute)
		mux.HandleFunc("/albums/", s.handleAlbumRoute)
		mux.HandleFunc("/assets/", s.handleAssetRoute)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.loggingMiddleware(mux),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Type        string `json:"type"`
		AlbumFilter string `json:"albumFilter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jobType, ok := syncType(req.Type)
	if !ok {
		http.Error(w, "unknown sync type", http.StatusBadRequest)
		return
	}
	id, err := s.service.TriggerSync(r.Context(), jobType, req.AlbumFilter)
	if pipeline.IsAlreadyRunning(err) {
		http.Error(w, "a sync of this type is already running", http.StatusConflict)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("trigger sync")
		http.Error(w, "failed to trigger sync", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobType, ok := syncType(r.URL.Query().Get("type"))
	if !ok {
		http.Error(w, "unknown sync type", http.StatusBadRequest)
		return
	}
	job, err := s.service.SyncStatus(r.Context(), r.URL.Query().Get("id"), jobType)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "no sync job found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("query sync status")
		http.Error(w, "failed to query sync status", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Kind   string `json:"kind"`
		Forced bool   `json:"forced"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	enqueued, err := s.service.Reprocess(r.Context(), req.Kind, req.Forced)
	if err != nil {
		s.log.Error().Err(err).Str("kind", req.Kind).Msg("reprocess")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func (s *Server) handleQueueRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/queues/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	name := parts[0]
	if !knownQueue(name) {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "pause":
		s.handleQueuePause(w, r, name, true)
	case "resume":
		s.handleQueuePause(w, r, name, false)
	case "dead":
		s.handleQueueDead(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request, name string, pause bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	if pause {
		err = s.service.PauseQueue(r.Context(), name)
	} else {
		err = s.service.ResumeQueue(r.Context(), name)
	}
	if err != nil {
		s.log.Error().Err(err).Str("queue", name).Msg("queue state change")
		http.Error(w, "failed to update queue state", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": pause})
}

func (s *Server) handleQueueDead(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.service.DeadLetters(r.Context(), name, limit)
	if err != nil {
		s.log.Error().Err(err).Str("queue", name).Msg("list dead letters")
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "items": items})
}

func (s *Server) handleAlbumRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/albums/")
	switch {
	case strings.HasSuffix(rest, "/verify"):
		s.handleAlbumVerify(w, r, strings.TrimSuffix(rest, "/verify"))
	case strings.HasSuffix(rest, "/forget-local"):
		s.handleForgetLocal(w, r, strings.TrimSuffix(rest, "/forget-local"))
	default:
		http.NotFound(w, r)
	}
}

// handleAlbumVerify triggers an object-store-verify run scoped to the album
// path embedded in the URL.
func (s *Server) handleAlbumVerify(w http.ResponseWriter, r *http.Request, albumPath string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := s.service.VerifyAlbum(r.Context(), albumPath)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "album not found", http.StatusNotFound)
	case pipeline.IsAlreadyRunning(err):
		http.Error(w, "a verify run is already in progress", http.StatusConflict)
	case err != nil:
		s.log.Error().Err(err).Str("album", albumPath).Msg("verify album")
		http.Error(w, "failed to trigger verification", http.StatusInternalServerError)
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

func (s *Server) handleForgetLocal(w http.ResponseWriter, r *http.Request, albumID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := s.service.ForgetLocal(r.Context(), albumID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "album not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNotSafeToDelete):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		s.log.Error().Err(err).Str("album", albumID).Msg("forget local")
		http.Error(w, "failed to remove local files", http.StatusInternalServerError)
	default:
		respondJSON(w, http.StatusOK, map[string]string{"album": albumID, "local": "forgotten"})
	}
}

func (s *Server) handleAssetRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/assets/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "download-url" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	url, err := s.service.AssetDownloadURL(r.Context(), parts[0])
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("asset", parts[0]).Msg("presign download")
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// syncType maps the wire value to a job type; empty defaults to the
// filesystem scan.
func syncType(raw string) (model.SyncJobType, bool) {
	switch raw {
	case "", string(model.JobFilesystemScan):
		return model.JobFilesystemScan, true
	case string(model.JobObjectStoreVerify):
		return model.JobObjectStoreVerify, true
	default:
		return "", false
	}
}

func knownQueue(name string) bool {
	for _, q := range queue.Names() {
		if q == name {
			return true
		}
	}
	return false
}
