package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/types"
)

// imageField is the multipart field carrying the upload.
const imageField = "image"

const maxTopK = 50

type faceResponse struct {
	Box        types.Box           `json:"box"`
	Score      float32             `json:"score"`
	Name       string              `json:"name"`
	Index      int                 `json:"index"`
	Distance   *float64            `json:"distance,omitempty"`
	Candidates []candidateResponse `json:"candidates,omitempty"`
}

type candidateResponse struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

type identityResponse struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps library errors onto HTTP status codes.
func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := s.log.WithField("path", r.URL.Path).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	respondError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"identities": s.deps.Gallery.Len(),
	})
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Gallery.Snapshot()
	out := []identityResponse{}
	for _, id := range snap.Identities() {
		out = append(out, identityResponse{Name: id.Name, Rows: len(id.Rows)})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":      snap.Len(),
		"identities": out,
	})
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	top := 0
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxTopK {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("top must be between 0 and %d", maxTopK))
			return
		}
		top = n
	}

	img, err := s.readImage(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	faces, err := s.deps.Recognizer.Identify(r.Context(), img)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]faceResponse, len(faces))
	for i, f := range faces {
		out[i] = faceResponse{Box: f.Box, Score: f.Score, Name: f.Label(), Index: f.Index}
		if !math.IsInf(f.Distance, 0) {
			d := f.Distance
			out[i].Distance = &d
		}
		if top == 0 {
			continue
		}
		cands, err := s.deps.Recognizer.Candidates(f, top)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, c := range cands {
			out[i].Candidates = append(out[i].Candidates, candidateResponse{Index: c.Index, Name: c.Name, Distance: c.Distance})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"faces": out})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || gallery.DisplayName(name) == "" {
		respondError(w, http.StatusBadRequest, "invalid identity name")
		return
	}
	replace := false
	if v := r.URL.Query().Get("replace"); v != "" {
		if replace, err = strconv.ParseBool(v); err != nil {
			respondError(w, http.StatusBadRequest, "replace must be a boolean")
			return
		}
	}

	img, err := s.readImage(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g := s.deps.Gallery
	prev := g.Snapshot()
	entry, removed, err := s.enroll(r.Context(), name, img, replace)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.persist(r.Context(), prev); err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.WithFields(log.Fields{"identity": entry.Name, "replaced": removed}).Info("Enrolled identity")
	respondJSON(w, http.StatusCreated, map[string]any{
		"name":     entry.Name,
		"replaced": removed,
		"count":    g.Len(),
	})
}

func (s *Server) enroll(ctx context.Context, name string, img image.Image, replace bool) (gallery.Entry, int, error) {
	if replace {
		return s.deps.Gallery.EnrollReplace(ctx, name, img, s.deps.Embedder)
	}
	entry, err := s.deps.Gallery.EnrollSingle(ctx, name, img, s.deps.Embedder)
	return entry, 0, err
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid identity name")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.deps.Gallery.Snapshot()
	removed := s.deps.Gallery.Remove(name)
	if removed == 0 {
		respondError(w, http.StatusNotFound, fmt.Sprintf("identity %q not found", name))
		return
	}
	if err := s.persist(r.Context(), prev); err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.WithFields(log.Fields{"identity": name, "rows": removed}).Info("Removed identity")
	respondJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"count":   s.deps.Gallery.Len(),
	})
}

// persist saves the gallery, rolling back to prev when the save fails.
func (s *Server) persist(ctx context.Context, prev *gallery.Snapshot) error {
	if s.deps.Storage == nil {
		return nil
	}
	if err := s.deps.Gallery.Save(ctx, s.deps.Storage); err != nil {
		s.deps.Gallery.Restore(prev)
		return err
	}
	return nil
}

// readImage accepts either a multipart upload in the "image" field or a raw body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	var src io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, _, err := r.FormFile(imageField)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return nil, err
			}
			return nil, &types.InvalidImageError{Source: imageField, Err: err}
		}
		defer file.Close()
		src = file
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(data)
}
