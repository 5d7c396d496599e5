package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub            *services.WSHub
	userService    *services.UserService
	pairService    *services.PairService
	unlinkService  *services.UnlinkService
	messageService *services.MessageService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *services.WSHub,
	userService *services.UserService,
	pairService *services.PairService,
	unlinkService *services.UnlinkService,
	messageService *services.MessageService,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		userService:    userService,
		pairService:    pairService,
		unlinkService:  unlinkService,
		messageService: messageService,
	}
}

// HandleWebSocket handles GET /ws?token=
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.ValidateWebSocketToken(r.URL.Query().Get("token"), h.userService)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	h.hub.Register(userID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		if err := h.hub.Session(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Live session failed, closing connection")
			conn.Close()
		}
	}()

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			break
		}

		var msg services.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(userID, services.WSMessage{Type: services.FrameError, Message: "Invalid message format"})
			continue
		}
		if err := h.handleMessage(ctx, userID, msg); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("type", msg.Type).Msg("Failed to handle message")
			h.reply(userID, services.WSMessage{Type: services.FrameError, Message: err.Error()})
		}
	}

	cancel()
	if h.hub.Unregister(userID, conn) {
		if link, err := h.pairService.Current(context.WithoutCancel(r.Context()), userID); err == nil {
			h.hub.NotifyPartnerStatus(link.PartnerOf(userID), false)
		}
	}
}

// handleMessage processes incoming client frames against the user's
// current pair
func (h *WebSocketHandler) handleMessage(ctx context.Context, userID string, msg services.WSMessage) error {
	switch msg.Type {
	case services.FrameMarkSeen, services.FrameResolveDelete:
	default:
		h.reply(userID, services.WSMessage{Type: services.FrameError, Message: "Unknown message type"})
		return nil
	}

	link, err := h.pairService.Current(ctx, userID)
	if err != nil {
		return err
	}
	code := link.Code

	switch msg.Type {
	case services.FrameMarkSeen:
		marked, err := h.messageService.MarkAllSeen(ctx, code, userID)
		if err != nil {
			return err
		}
		h.reply(userID, services.WSMessage{Type: services.FrameAck, Code: code, Data: map[string]int{"marked": marked}})

	case services.FrameResolveDelete:
		decision, err := services.ParseDecision(msg.Decision)
		if err != nil {
			return err
		}
		status, err := h.unlinkService.Resolve(ctx, userID, code, decision)
		if err != nil {
			return err
		}
		h.reply(userID, services.WSMessage{Type: services.FrameAck, Code: code, Message: status})
	}
	return nil
}

func (h *WebSocketHandler) reply(userID string, msg services.WSMessage) {
	if err := h.hub.SendToUser(userID, msg); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Str("type", msg.Type).Msg("Failed to send frame")
	}
}
