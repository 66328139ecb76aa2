package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finscan/internal/export"
	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/model"
	"github.com/sells-group/finscan/internal/pipeline"
	"github.com/sells-group/finscan/internal/store"
)

// uploadField is the multipart field carrying the video.
const uploadField = "videoFile"

// Result is a record as served to clients.
type Result struct {
	model.Record
	ImageURL string `json:"image_url"`
}

// ImageURL returns the path the host serves ref under.
func ImageURL(ref string) string {
	return "/images/" + ref
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.runner.Snapshot().Active {
		writeError(w, http.StatusConflict, "a video is already being processed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing "+uploadField)
		return
	}
	defer file.Close() //nolint:errcheck

	name := imagestore.SanitizeVideoID(filepath.Base(header.Filename))
	if name == "unknown" || name == "_" {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	path, err := s.saveUpload(name, file)
	if err != nil {
		zap.L().Error("api: save upload", zap.String("video", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	err = s.runner.Start(r.Context(), pipeline.VideoRef{ID: name, Path: path})
	if errors.Is(err, pipeline.ErrRunActive) {
		os.Remove(path) //nolint:errcheck
		writeError(w, http.StatusConflict, "a video is already being processed")
		return
	}
	if err != nil {
		zap.L().Error("api: start run", zap.String("video", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}

	zap.L().Info("api: upload accepted", zap.String("video", name), zap.Int64("bytes", header.Size))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "processing",
		"video":  name,
	})
}

func (s *Server) saveUpload(name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", eris.Wrap(err, "api: create upload dir")
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrap(err, "api: create upload file")
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()       //nolint:errcheck
		os.Remove(path) //nolint:errcheck
		return "", eris.Wrap(err, "api: write upload file")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "api: close upload file")
	}
	return path, nil
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	filter := store.RecordFilter{VideoID: r.URL.Query().Get("video")}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = model.Status(st)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}
	}

	recs, err := s.records.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list records", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	out := make([]Result, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Result{Record: rec, ImageURL: ImageURL(rec.ImageRef)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.records.ListVideos(r.Context())
	if err != nil {
		zap.L().Error("api: list videos", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if videos == nil {
		videos = []string{}
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	ref, err := s.records.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		zap.L().Error("api: delete record", zap.Int64("record_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete record")
		return
	}

	if ref != "" {
		if err := s.images.Delete(r.Context(), ref); err != nil && !errors.Is(err, imagestore.ErrNotFound) {
			zap.L().Warn("api: delete image", zap.Int64("record_id", id), zap.String("image_ref", ref), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "*")
	if !imagestore.IsScoped(ref) {
		writeError(w, http.StatusBadRequest, "invalid image path")
		return
	}

	rc, err := s.images.Open(r.Context(), ref)
	if errors.Is(err, imagestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		zap.L().Error("api: open image", zap.String("image_ref", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open image")
		return
	}
	defer rc.Close() //nolint:errcheck

	w.Header().Set("Content-Type", imagestore.ContentType(ref))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		zap.L().Warn("api: stream image", zap.String("image_ref", ref), zap.Error(err))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.records.List(r.Context(), store.RecordFilter{VideoID: r.URL.Query().Get("video")})
	if err != nil {
		zap.L().Error("api: list records for export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, recs); err != nil {
		zap.L().Error("api: export records", zap.String("format", string(format)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export records")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(format, s.now())+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes()) //nolint:errcheck
}
