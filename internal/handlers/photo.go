package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

const (
	maxUploadBytes   = 20 << 20
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// PhotoHandler handles gallery HTTP requests
type PhotoHandler struct {
	pairService  *services.PairService
	photoService *services.PhotoService
}

// NewPhotoHandler creates a new photo handler
func NewPhotoHandler(pairService *services.PairService, photoService *services.PhotoService) *PhotoHandler {
	return &PhotoHandler{
		pairService:  pairService,
		photoService: photoService,
	}
}

// ReplicatedResponse reports whether the blob was reclaimed
type ReplicatedResponse struct {
	Reclaimed bool `json:"reclaimed"`
}

// GetPhotos handles GET /api/v1/photos
func (h *PhotoHandler) GetPhotos(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, err := queryInt(r, "limit", defaultPageLimit, maxPageLimit)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	page, err := h.photoService.List(r.Context(), userID, link.Code, limit, offset)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get photos")
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// UploadPhoto handles POST /api/v1/photos. The image is sent either as the
// "photo" part of a multipart form or as the raw request body.
func (h *PhotoHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	body, contentType, err := photoBody(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	photo, err := h.photoService.Upload(r.Context(), link.Code, userID, body, contentType)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "photo too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondServiceError(w, err, userID, "Failed to upload photo")
		return
	}
	respondJSON(w, http.StatusCreated, photo)
}

// MarkReplicated handles POST /api/v1/photos/{image_id}/replicated
func (h *PhotoHandler) MarkReplicated(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	imageID := chi.URLParam(r, "image_id")

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	if !link.IsAuthorized(userID) {
		respondError(w, "not a member of this pair", http.StatusForbidden)
		return
	}
	reclaimed, err := h.photoService.MarkReplicated(r.Context(), link.Code, userID, imageID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to mark photo replicated")
		return
	}
	respondJSON(w, http.StatusOK, ReplicatedResponse{Reclaimed: reclaimed})
}

func photoBody(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", errors.New("content type required")
	}

	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("photo")
		if err != nil {
			return nil, "", errors.New("photo file required")
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "image/jpeg"
		}
		if !strings.HasPrefix(contentType, "image/") {
			file.Close()
			return nil, "", errors.New("photo must be an image")
		}
		return file, contentType, nil
	}

	if !strings.HasPrefix(mediaType, "image/") {
		return nil, "", errors.New("photo must be an image")
	}
	return r.Body, mediaType, nil
}
