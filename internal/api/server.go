// Package api serves the upload, progress and results HTTP host.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/pipeline"
	"github.com/sells-group/finscan/internal/store"
)

// Runner starts and cancels pipeline runs. *pipeline.Supervisor satisfies it.
type Runner interface {
	Start(ctx context.Context, ref pipeline.VideoRef) error
	Cancel(ctx context.Context) error
	Snapshot() pipeline.Snapshot
}

// Config configures the HTTP host.
type Config struct {
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	cfg     Config
	runner  Runner
	records store.Store
	images  imagestore.Store
	now     func() time.Time
}

// NewServer creates a Server.
func NewServer(cfg Config, runner Runner, records store.Store, images imagestore.Store) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 1 << 30
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		cfg:     cfg,
		runner:  runner,
		records: records,
		images:  images,
		now:     time.Now,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/upload", s.handleUpload)
	r.Get("/progress", s.handleProgress)
	r.Post("/cancel", s.handleCancel)
	r.Get("/results", s.handleResults)
	r.Get("/videos", s.handleVideos)
	r.Delete("/records/{id}", s.handleDeleteRecord)
	r.Get("/images/*", s.handleImage)
	r.Get("/export", s.handleExport)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(r.Context()); err != nil {
		zap.L().Error("api: cancel run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
