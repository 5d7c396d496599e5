package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds Apple Push Notification service credentials
type APNsConfig struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// APNs sends notifications through Apple's HTTP/2 API with token auth.
type APNs struct {
	client *apns2.Client
	topic  string
}

// NewAPNs loads the .p8 signing key and builds a client.
func NewAPNs(cfg APNsConfig) (*APNs, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load apns key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNs{client: client, topic: cfg.Topic}, nil
}

func (a *APNs) Notify(ctx context.Context, pushToken string, n Notification) error {
	p := payload.NewPayload().AlertTitle(n.Title).AlertBody(n.Body).Sound("default")
	for k, v := range n.Data {
		p = p.Custom(k, v)
	}

	res, err := a.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: pushToken,
		Topic:       a.topic,
		Payload:     p,
	})
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if !res.Sent() {
		if res.StatusCode == http.StatusGone || res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonUnregistered {
			return fmt.Errorf("apns %d %s: %w", res.StatusCode, res.Reason, ErrInvalidToken)
		}
		return fmt.Errorf("apns push rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
