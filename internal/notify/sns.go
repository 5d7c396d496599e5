package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNS publishes to mobile platform endpoints; the push token is the
// endpoint ARN.
type SNS struct {
	client *sns.Client
}

// NewSNS creates a notifier over an SNS client.
func NewSNS(client *sns.Client) *SNS {
	return &SNS{client: client}
}

func (s *SNS) Notify(ctx context.Context, pushToken string, n Notification) error {
	message, err := snsMessage(n)
	if err != nil {
		return err
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(pushToken),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		if errors.As(err, &disabled) {
			return fmt.Errorf("sns endpoint disabled: %w", ErrInvalidToken)
		}
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// snsMessage builds the per-platform JSON envelope SNS expects.
func snsMessage(n Notification) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": n.Title, "body": n.Body},
			"sound": "default",
		},
		"data": n.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode apns payload: %w", err)
	}
	fcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         n.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode fcm payload: %w", err)
	}
	envelope, err := json.Marshal(map[string]string{
		"default":      n.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(fcm),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode sns message: %w", err)
	}
	return string(envelope), nil
}
