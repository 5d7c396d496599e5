package services

import (
	"context"
	"errors"
	"time"

	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"

	"github.com/rs/zerolog/log"
)

const pushTimeout = 10 * time.Second

// Pusher sends push notifications to users by looking up their push token
type Pusher struct {
	userRepo *repository.UserRepository
	notifier notify.Notifier
	async    bool
}

// NewPusher creates a pusher delivering in the background
func NewPusher(userRepo *repository.UserRepository, notifier notify.Notifier) *Pusher {
	return &Pusher{userRepo: userRepo, notifier: notifier, async: true}
}

// NotifyUser delivers n to userID. Failures are logged only.
func (p *Pusher) NotifyUser(ctx context.Context, userID string, n notify.Notification) {
	if p == nil || userID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if p.async {
		go p.send(ctx, userID, n)
		return
	}
	p.send(ctx, userID, n)
}

func (p *Pusher) send(ctx context.Context, userID string, n notify.Notification) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	user, err := p.userRepo.GetByID(ctx, userID)
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Skipping push, no profile")
		return
	}
	if user.PushToken == nil || *user.PushToken == "" {
		return
	}

	if err := p.notifier.Notify(ctx, *user.PushToken, n); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("title", n.Title).Msg("Failed to send push notification")
		if errors.Is(err, notify.ErrInvalidToken) {
			if err := p.userRepo.UpdatePushToken(ctx, userID, nil); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to clear invalid push token")
			}
		}
	}
}
