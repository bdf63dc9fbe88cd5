package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/scanpreview/internal/export"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/version"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

const formatJSON = "json"

// healthHandler reports whether the engine is ready, loading or unavailable.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.engine.State()
	response := HealthResponse{
		Status:   "healthy",
		Engine:   state.String(),
		Backend:  s.engine.Backend(),
		Preset:   s.runner.Preset().Name,
		Sessions: s.sessions.Len(),
		Version:  version.Version,
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if state == vision.StateUnavailable {
		response.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

// createSessionHandler starts an idle session.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.Create()
	if err != nil {
		s.writeError(w, err)
		return
	}
	activeSessions.Set(float64(s.sessions.Len()))
	w.Header().Set("Location", "/api/sessions/"+sess.ID())
	s.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// sessionHandler returns the session snapshot or deletes the session.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.lookupSession(w, r)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, sess.Snapshot())
	case http.MethodDelete:
		if err := s.sessions.Delete(r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
		activeSessions.Set(float64(s.sessions.Len()))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// uploadHandler selects a file for the session. The file picker and the
// drop area both post here. With ?wait=true the response is delayed until
// processing settles.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	ref, cleanup, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	if err := sess.Select(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout())
		defer cancel()
		snap, err := sess.Await(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, snap)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

// originalHandler serves the selected file as uploaded.
func (s *Server) originalHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	data, contentType, ok := sess.Original()
	if !ok {
		s.writeErrorResponse(w, "No file selected", "", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// processedHandler serves the processed preview inline as PNG.
func (s *Server) processedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	res, ok := sess.Result()
	if !ok {
		s.writeErrorResponse(w, "No processed image available", "", http.StatusConflict)
		return
	}
	s.writeImage(w, res.Output, export.FormatPNG, "inline")
}

// downloadHandler serves the processed image as scanned-document.png, or
// as a PDF with ?format=pdf.
func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	format, err := s.requestFormat(r)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), "", http.StatusBadRequest)
		return
	}
	res, ok := sess.Result()
	if !ok {
		s.writeErrorResponse(w, "No processed image available", "", http.StatusConflict)
		return
	}
	s.writeImage(w, res.Output, format, "attachment")
}

// scanHandler processes one upload without a session and responds with
// the processed image, or with a JSON summary for ?format=json.
func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wantJSON := r.URL.Query().Get("format") == formatJSON
	format := s.format
	if !wantJSON {
		f, err := s.requestFormat(r)
		if err != nil {
			s.writeErrorResponse(w, err.Error(), "", http.StatusBadRequest)
			return
		}
		format = f
	}

	ref, cleanup, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	// Stateless scans never keep the uploaded bytes.
	ld := *s.loader
	ld.Blobs = nil
	src, err := ld.Load(ref)
	if err != nil {
		s.recordRun("stateless", nil, err, 0)
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout())
	defer cancel()
	eng, err := s.engine.Wait(ctx)
	if err != nil {
		s.recordRun("stateless", nil, err, 0)
		s.writeError(w, err)
		return
	}

	start := time.Now()
	out, err := s.runner.Run(ctx, eng, src.Image)
	elapsed := time.Since(start)
	s.recordRun("stateless", out, err, elapsed)
	if err != nil {
		slog.Warn("Stateless scan failed", "file", src.Name, "error", err)
		s.writeError(w, err)
		return
	}
	slog.Info("Stateless scan finished", "file", src.Name, "angle", out.Deskew.Angle, "duration", elapsed)

	w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
	if wantJSON {
		b := out.Image.Bounds()
		s.writeJSON(w, http.StatusOK, ScanResponse{
			Success: true,
			Width:   b.Dx(),
			Height:  b.Dy(),
			Preset:  out.Preset,
			Engine:  out.Engine,
			Steps:   out.Steps(),
			Deskew:  out.Deskew,
			Timings: out.Timings,
		})
		return
	}
	s.writeImage(w, out, format, "attachment")
}

// readUpload parses the multipart form and returns the "image" field.
// The cleanup func must be called when ok is true.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (loader.FileRef, func(), bool) {
	limit := s.maxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeErrorResponse(w, "File too large", "", http.StatusRequestEntityTooLarge)
			return loader.FileRef{}, nil, false
		}
		s.writeErrorResponse(w, "Failed to parse form data", "", http.StatusBadRequest)
		return loader.FileRef{}, nil, false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeErrorResponse(w, "No image file provided", "", http.StatusBadRequest)
		return loader.FileRef{}, nil, false
	}
	uploadSizeBytes.Observe(float64(header.Size))

	cleanup := func() {
		_ = file.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}
	return loader.FileRef{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Reader:      file,
	}, cleanup, true
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) requestFormat(r *http.Request) (export.Format, error) {
	raw := r.URL.Query().Get("format")
	if raw == "" {
		return s.format, nil
	}
	return export.ParseFormat(raw)
}

func (s *Server) timeout() time.Duration {
	return time.Duration(s.timeoutSec) * time.Second
}

// writeImage encodes out in format f. The image is encoded before any
// header is written so an encoding failure still yields a JSON error.
func (s *Server) writeImage(w http.ResponseWriter, out *scan.Output, f export.Format, disposition string) {
	var buf bytes.Buffer
	if err := export.Encode(&buf, out.Image, f); err != nil {
		slog.Error("Failed to encode processed image", "format", f, "error", err)
		s.writeErrorResponse(w, "Failed to encode image", "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition,
		map[string]string{"filename": f.FileName(export.DefaultBaseName)}))
	w.Header().Set("X-Deskew-Angle", strconv.FormatFloat(out.Deskew.Angle, 'f', 2, 64))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, loader.ErrInvalidInputKind):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, loader.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vision.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scan.ErrProcessing):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status from statusForError. Users see
// the fixed messages from session.UserMessage, never internal details.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	var message, kind string
	switch status {
	case http.StatusNotFound, http.StatusGone:
		message = err.Error()
	case http.StatusRequestEntityTooLarge:
		message = "Image too large"
	case http.StatusGatewayTimeout:
		message = "Processing timed out"
	default:
		message = session.UserMessage(err)
		kind = session.ErrorKind(err)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	}
	s.writeErrorResponse(w, message, kind, status)
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message, kind string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message, Kind: kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
