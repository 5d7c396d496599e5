// Package notify delivers push notifications to member devices.
package notify

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when the provider rejects the device token.
var ErrInvalidToken = errors.New("invalid push token")

// Notification is a provider-neutral push message.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier sends a notification to one device.
type Notifier interface {
	Notify(ctx context.Context, pushToken string, n Notification) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(ctx context.Context, pushToken string, n Notification) error {
	return nil
}
