package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket frame types
const (
	FrameLink          = "link"
	FrameGallery       = "gallery"
	FrameMessages      = "messages"
	FrameDeleteRequest = "delete_request"
	FramePairDeleted   = "pair_deleted"
	FramePartnerStatus = "partner_status"
	FrameError         = "error"
	FrameAck           = "ack"

	FrameMarkSeen      = "mark_seen"
	FrameResolveDelete = "resolve_delete"
)

const writeTimeout = 10 * time.Second

// WSMessage represents a WebSocket frame
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Code      string `json:"code,omitempty"`
	Online    *bool  `json:"online,omitempty"`
	Message   string `json:"message,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub manages WebSocket connections, one per user
type WSHub struct {
	mu             sync.RWMutex
	connections    map[string]*wsClient
	pairService    *PairService
	photoService   *PhotoService
	messageService *MessageService
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(pairService *PairService, photoService *PhotoService, messageService *MessageService) *WSHub {
	return &WSHub{
		connections:    make(map[string]*wsClient),
		pairService:    pairService,
		photoService:   photoService,
		messageService: messageService,
	}
}

// Register registers a WebSocket connection, replacing any previous one
func (h *WSHub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.connections[userID]; ok {
		existing.conn.Close()
	}
	h.connections[userID] = &wsClient{conn: conn}
	log.Info().Str("user_id", userID).Msg("WebSocket connection registered")
}

// Unregister removes conn if it is still the user's active connection
func (h *WSHub) Unregister(userID string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.connections[userID]
	if !ok || c.conn != conn {
		return false
	}
	c.conn.Close()
	delete(h.connections, userID)
	log.Info().Str("user_id", userID).Msg("WebSocket connection unregistered")
	return true
}

// SendToUser sends a frame to a connected user
func (h *WSHub) SendToUser(userID string, message WSMessage) error {
	h.mu.RLock()
	c, ok := h.connections[userID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("user %s is not connected", userID)
	}

	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.write(data); err != nil {
		h.Unregister(userID, c.conn)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// IsOnline checks if a user is connected
func (h *WSHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[userID]
	return ok
}

// NotifyPartnerStatus tells partnerID whether their partner is online
func (h *WSHub) NotifyPartnerStatus(partnerID string, online bool) {
	if partnerID == "" || !h.IsOnline(partnerID) {
		return
	}
	if err := h.SendToUser(partnerID, WSMessage{Type: FramePartnerStatus, Online: &online}); err != nil {
		log.Error().Err(err).Str("user_id", partnerID).Msg("Failed to notify partner status")
	}
}

// Session keeps one Stream running for the pair code userID's profile
// currently points at, restarting it whenever the code changes. It returns
// nil when ctx ends and an error when live updates are lost.
func (h *WSHub) Session(ctx context.Context, userID string) error {
	codes := h.pairService.WatchPairCode(ctx, userID)
	defer codes.Close()

	var (
		stop    context.CancelFunc
		done    chan struct{}
		current string
		started bool
	)
	failed := make(chan error, 1)
	stopStream := func() {
		if stop != nil {
			stop()
			<-done
			stop = nil
		}
	}
	defer stopStream()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case code, ok := <-codes.Snapshots():
			if !ok {
				if err := codes.Err(); err != nil {
					h.send(userID, WSMessage{Type: FrameError, Message: "live updates unavailable"})
					return fmt.Errorf("profile subscription ended: %w", err)
				}
				return nil
			}
			if started && code == current {
				continue
			}
			started = true
			current = code
			stopStream()

			if code == "" {
				h.send(userID, WSMessage{Type: FrameLink})
				continue
			}
			h.announce(ctx, userID, code)

			streamCtx, cancel := context.WithCancel(ctx)
			stop, done = cancel, make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				if err := h.Stream(streamCtx, userID, code); err != nil {
					select {
					case failed <- err:
					default:
					}
				}
			}(done)
		}
	}
}

// announce exchanges presence between userID and the partner on code
func (h *WSHub) announce(ctx context.Context, userID, code string) {
	link, err := h.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return
	}
	partnerID := link.PartnerOf(userID)
	if partnerID == "" {
		return
	}
	h.NotifyPartnerStatus(partnerID, true)
	online := h.IsOnline(partnerID)
	h.send(userID, WSMessage{Type: FramePartnerStatus, Code: code, Online: &online})
}

// Stream forwards link, gallery and transcript snapshots of code to userID
// until ctx ends, the link is deleted or the connection fails. All
// subscriptions are closed on return. A subscription that fails is
// reported to the user and returned.
func (h *WSHub) Stream(ctx context.Context, userID, code string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	links := h.pairService.Watch(ctx, code)
	defer links.Close()
	gallery := h.photoService.Subscribe(ctx, code)
	defer gallery.Close()
	transcript := h.messageService.Subscribe(ctx, code)
	defer transcript.Close()

	for {
		var frames []WSMessage
		select {
		case <-ctx.Done():
			return nil
		case link, ok := <-links.Snapshots():
			if !ok {
				return h.streamEnded(userID, code, links.Err())
			}
			if link == nil || !link.IsAuthorized(userID) {
				h.send(userID, WSMessage{Type: FramePairDeleted, Code: code})
				return nil
			}
			frames = append(frames, WSMessage{Type: FrameLink, Code: code, Data: link})
			if NeedsResolution(link, userID) {
				frames = append(frames, WSMessage{Type: FrameDeleteRequest, Code: code, Data: link.DeleteRequest})
			}
		case photos, ok := <-gallery.Snapshots():
			if !ok {
				return h.streamEnded(userID, code, gallery.Err())
			}
			frames = append(frames, WSMessage{Type: FrameGallery, Code: code, Data: photos})
		case msgs, ok := <-transcript.Snapshots():
			if !ok {
				return h.streamEnded(userID, code, transcript.Err())
			}
			frames = append(frames, WSMessage{Type: FrameMessages, Code: code, Data: Views(msgs, userID)})
		}

		for _, f := range frames {
			if !h.send(userID, f) {
				return nil
			}
		}
	}
}

func (h *WSHub) streamEnded(userID, code string, err error) error {
	if err == nil {
		return nil
	}
	log.Error().Err(err).Str("user_id", userID).Str("code", code).Msg("Live subscription failed")
	h.send(userID, WSMessage{Type: FrameError, Code: code, Message: "live updates unavailable"})
	return fmt.Errorf("subscription for %s ended: %w", code, err)
}

func (h *WSHub) send(userID string, message WSMessage) bool {
	if err := h.SendToUser(userID, message); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Str("type", message.Type).Msg("Stopping stream")
		return false
	}
	return true
}
