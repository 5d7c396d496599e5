package handlers

import (
	"net/http"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	userService *services.UserService
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

// CreateUserRequest is the optional body of POST /users
type CreateUserRequest struct {
	Name string `json:"name" validate:"max=64"`
}

// CreateUserResponse carries the new profile and its bearer token
type CreateUserResponse struct {
	User  *models.UserProfile `json:"user"`
	Token string              `json:"token"`
}

// UpdateUserRequest is the body of PATCH /me
type UpdateUserRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

// PushTokenRequest is the body of PUT /me/push-token; an empty token unregisters
type PushTokenRequest struct {
	Token string `json:"token" validate:"max=512"`
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, token, err := h.userService.CreateUser(r.Context(), req.Name)
	if err != nil {
		respondServiceError(w, err, "", "Failed to create user")
		return
	}

	log.Info().Str("user_id", user.ID).Msg("User created")
	respondJSON(w, http.StatusCreated, CreateUserResponse{User: user, Token: token})
}

// GetMe handles GET /api/v1/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	user, err := h.userService.GetProfile(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get profile")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// UpdateMe handles PATCH /api/v1/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req UpdateUserRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.userService.UpdateName(r.Context(), userID, req.Name)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to update profile")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// UpdatePushToken handles PUT /api/v1/me/push-token
func (h *UserHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req PushTokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.userService.UpdatePushToken(r.Context(), userID, req.Token); err != nil {
		respondServiceError(w, err, userID, "Failed to update push token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
