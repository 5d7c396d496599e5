package handlers

import (
	"net/http"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/services"
)

// PairHandler handles pair-link HTTP requests
type PairHandler struct {
	pairService   *services.PairService
	unlinkService *services.UnlinkService
}

// NewPairHandler creates a new pair handler
func NewPairHandler(pairService *services.PairService, unlinkService *services.UnlinkService) *PairHandler {
	return &PairHandler{
		pairService:   pairService,
		unlinkService: unlinkService,
	}
}

// JoinRequest is the body of POST /pairs/join
type JoinRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

// ResolveRequest is the body of POST /pairs/current/delete-request/resolve
type ResolveRequest struct {
	Decision string `json:"decision" validate:"required,oneof=cancel approve force_delete"`
}

// PairResponse is a link as seen by one member
type PairResponse struct {
	Link            *models.PairLink `json:"link"`
	PartnerID       string           `json:"partner_id,omitempty"`
	NeedsResolution bool             `json:"needs_resolution"`
}

// StatusResponse reports the state of a delete request
type StatusResponse struct {
	Status string `json:"status"`
}

func pairResponse(link *models.PairLink, userID string) PairResponse {
	return PairResponse{
		Link:            link,
		PartnerID:       link.PartnerOf(userID),
		NeedsResolution: services.NeedsResolution(link, userID),
	}
}

// GenerateCode handles POST /api/v1/pairs
func (h *PairHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.GenerateCode(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to generate pair code")
		return
	}
	respondJSON(w, http.StatusCreated, pairResponse(link, userID))
}

// Join handles POST /api/v1/pairs/join
func (h *PairHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req JoinRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.pairService.Join(r.Context(), userID, req.Code)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to join pair")
		return
	}
	respondJSON(w, http.StatusOK, pairResponse(link, userID))
}

// Disconnect handles POST /api/v1/pairs/disconnect
func (h *PairHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.pairService.Disconnect(r.Context(), userID); err != nil {
		respondServiceError(w, err, userID, "Failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Regenerate handles POST /api/v1/pairs/regenerate
func (h *PairHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Regenerate(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to regenerate pair code")
		return
	}
	respondJSON(w, http.StatusCreated, pairResponse(link, userID))
}

// Current handles GET /api/v1/pairs/current
func (h *PairHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	respondJSON(w, http.StatusOK, pairResponse(link, userID))
}

// DeleteCode handles DELETE /api/v1/pairs/current
func (h *PairHandler) DeleteCode(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	if err := h.pairService.DeleteCode(r.Context(), userID, link.Code); err != nil {
		respondServiceError(w, err, userID, "Failed to delete pair code")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestDelete handles POST /api/v1/pairs/current/delete-request
func (h *PairHandler) RequestDelete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	status, err := h.unlinkService.RequestDelete(r.Context(), userID, link.Code)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to request pair deletion")
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// ResolveDelete handles POST /api/v1/pairs/current/delete-request/resolve
func (h *PairHandler) ResolveDelete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req ResolveRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	decision, err := services.ParseDecision(req.Decision)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	status, err := h.unlinkService.Resolve(r.Context(), userID, link.Code, decision)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to resolve delete request")
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: status})
}
