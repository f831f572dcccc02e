package gallery

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/imago/auth"
)

// Routes returns the image API router. Auth enforcement is mounted by the
// caller so test servers can run open.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.handleUpload)
	r.Get("/list", s.handleList)
	r.Get("/search", s.handleSearch)
	r.Get("/stats", s.handleStats)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.handleServe)
		r.Get("/thumb", s.handleThumb)
		r.Get("/similar", s.handleSimilar)
		r.Patch("/", s.handleUpdate)
		r.Delete("/", s.handleDelete)
	})

	return r
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	img, err := s.Upload(r.Context(), header.Filename, contentType, file, auth.GetClaims(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{ImageID: img.ID, Path: img.Path})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	resp, err := s.List(r.Context(), page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 10)

	resp, err := s.SearchText(r.Context(), query, page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 10)

	resp, err := s.Similar(r.Context(), id, page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleServe streams the original upload. ServeFile handles range requests
// and content-type sniffing.
func (s *Service) handleServe(w http.ResponseWriter, r *http.Request) {
	img, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	http.ServeFile(w, r, img.Path)
}

// handleThumb streams the thumbnail, falling back to the original while the
// THUMB stage is still pending.
func (s *Service) handleThumb(w http.ResponseWriter, r *http.Request) {
	img, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	path := img.Thumb
	if path == "" {
		path = img.Path
	}
	http.ServeFile(w, r, path)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	img, err := s.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta(img))
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Message: "Image " + id + " deleted"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinels to HTTP statuses. Unknown errors
// are logged and surfaced as a generic 500 so internals never leak.
func (s *Service) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotEmbedded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
