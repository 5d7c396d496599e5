package handlers

import (
	"net/http"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/services"

	"github.com/go-chi/chi/v5"
)

// MessageHandler handles chat HTTP requests
type MessageHandler struct {
	pairService    *services.PairService
	messageService *services.MessageService
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(pairService *services.PairService, messageService *services.MessageService) *MessageHandler {
	return &MessageHandler{
		pairService:    pairService,
		messageService: messageService,
	}
}

// SendMessageRequest is the body of POST /messages
type SendMessageRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// MarkSeenResponse reports how many messages were marked
type MarkSeenResponse struct {
	Marked int `json:"marked"`
}

// GetMessages handles GET /api/v1/messages
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	msgs, err := h.messageService.List(r.Context(), link.Code, userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get messages")
		return
	}
	respondJSON(w, http.StatusOK, services.Views(msgs, userID))
}

// SendMessage handles POST /api/v1/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	msg, err := h.messageService.Send(r.Context(), link.Code, userID, req.Text)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to send message")
		return
	}
	respondJSON(w, http.StatusCreated, services.View(msg, userID))
}

// MarkSeen handles POST /api/v1/messages/seen
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}
	marked, err := h.messageService.MarkAllSeen(r.Context(), link.Code, userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to mark messages seen")
		return
	}
	respondJSON(w, http.StatusOK, MarkSeenResponse{Marked: marked})
}

// DeleteMessage handles DELETE /api/v1/messages/{message_id}?scope=me|everyone
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "message_id")

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "me"
	}
	if scope != "me" && scope != "everyone" {
		respondError(w, "scope must be me or everyone", http.StatusBadRequest)
		return
	}

	link, err := h.pairService.Current(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err, userID, "Failed to get current pair")
		return
	}

	if scope == "everyone" {
		err = h.messageService.DeleteForEveryone(r.Context(), link.Code, userID, messageID)
	} else {
		err = h.messageService.DeleteForMe(r.Context(), link.Code, userID, messageID)
	}
	if err != nil {
		respondServiceError(w, err, userID, "Failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
