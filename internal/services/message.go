package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

const (
	DeletedForEveryoneText = "Message deleted for everyone"
	DeletedForYouText      = "Message deleted for you"

	maxMessageLength = 4096
	previewLength    = 80
)

// MessageService handles the pair's chat transcript
type MessageService struct {
	messageRepo *repository.MessageRepository
	pairService *PairService
	pusher      *Pusher
	now         func() time.Time
}

// NewMessageService creates a new message service
func NewMessageService(messageRepo *repository.MessageRepository, pairService *PairService, pusher *Pusher) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		pairService: pairService,
		pusher:      pusher,
		now:         time.Now,
	}
}

// Send appends a message from userID to the transcript
func (s *MessageService) Send(ctx context.Context, code, userID, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("message text is empty: %w", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return nil, fmt.Errorf("message longer than %d characters: %w", maxMessageLength, ErrInvalidInput)
	}
	link, err := s.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		Text:       text,
		Sender:     userID,
		Timestamp:  s.now().UnixMilli(),
		SeenBy:     []string{userID},
		DeletedFor: []string{},
	}
	if err := s.messageRepo.Create(ctx, link.Code, msg); err != nil {
		return nil, err
	}

	log.Debug().Str("user_id", userID).Str("code", link.Code).Str("message_id", msg.ID).Msg("Message sent")
	s.pusher.NotifyUser(ctx, link.PartnerOf(userID), notify.Notification{
		Title: "New message",
		Body:  preview(text),
		Data:  map[string]string{"type": "message", "code": link.Code, "message_id": msg.ID},
	})
	return msg, nil
}

// Subscribe streams the transcript, oldest first
func (s *MessageService) Subscribe(ctx context.Context, code string) *docstore.Subscription[[]models.Message] {
	return s.messageRepo.Watch(ctx, NormalizeCode(code))
}

// List returns the transcript for a member, oldest first
func (s *MessageService) List(ctx context.Context, code, userID string) ([]models.Message, error) {
	link, err := s.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	return s.messageRepo.List(ctx, link.Code)
}

// MarkSeen records userID as having seen the partner's unseen messages and
// returns how many were marked
func (s *MessageService) MarkSeen(ctx context.Context, code, userID string, msgs []models.Message) (int, error) {
	code = NormalizeCode(code)
	marked := 0
	for i := range msgs {
		m := &msgs[i]
		if m.Sender == userID || m.SeenByUser(userID) {
			continue
		}
		err := s.messageRepo.AddSeenBy(ctx, code, m.ID, userID)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// MarkAllSeen loads the transcript and marks everything as seen by userID
func (s *MessageService) MarkAllSeen(ctx context.Context, code, userID string) (int, error) {
	msgs, err := s.List(ctx, code, userID)
	if err != nil {
		return 0, err
	}
	return s.MarkSeen(ctx, code, userID, msgs)
}

// DeleteForMe hides a message from userID only
func (s *MessageService) DeleteForMe(ctx context.Context, code, userID, messageID string) error {
	link, err := s.pairService.RequireMember(ctx, userID, code)
	if err != nil {
		return err
	}
	if err := s.messageRepo.AddDeletedFor(ctx, link.Code, messageID, userID); err != nil {
		return translate(err)
	}
	return nil
}

// DeleteForEveryone tombstones a message; only its sender may do so
func (s *MessageService) DeleteForEveryone(ctx context.Context, code, userID, messageID string) error {
	code = NormalizeCode(code)
	msg, err := s.messageRepo.Get(ctx, code, messageID)
	if err != nil {
		return translate(err)
	}
	if msg.Sender != userID {
		return ErrNotSender
	}

	err = s.messageRepo.Tombstone(ctx, code, messageID, userID)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return ErrNotSender
	}
	if err != nil {
		return translate(err)
	}
	log.Info().Str("user_id", userID).Str("code", code).Str("message_id", messageID).Msg("Message deleted for everyone")
	return nil
}

// DisplayText resolves what viewer sees for a message
func DisplayText(msg *models.Message, viewer string) string {
	switch {
	case msg.Deleted:
		return DeletedForEveryoneText
	case msg.DeletedForUser(viewer):
		return DeletedForYouText
	}
	return msg.Text
}

// View projects a message for one viewer
func View(msg *models.Message, viewer string) models.MessageView {
	seenByPartner := false
	for _, u := range msg.SeenBy {
		if u != viewer {
			seenByPartner = true
			break
		}
	}
	return models.MessageView{
		ID:            msg.ID,
		Text:          DisplayText(msg, viewer),
		Sender:        msg.Sender,
		Timestamp:     msg.Timestamp,
		Mine:          msg.Sender == viewer,
		Hidden:        msg.HiddenFor(viewer),
		SeenByPartner: msg.Sender == viewer && seenByPartner,
		DeletedForAll: msg.Deleted,
		DeletedForMe:  msg.DeletedForUser(viewer),
	}
}

// Views projects a whole transcript for one viewer
func Views(msgs []models.Message, viewer string) []models.MessageView {
	views := make([]models.MessageView, len(msgs))
	for i := range msgs {
		views[i] = View(&msgs[i], viewer)
	}
	return views
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength]) + "…"
}
