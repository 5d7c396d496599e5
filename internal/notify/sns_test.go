package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSNSMessage(t *testing.T) {
	raw, err := snsMessage(Notification{
		Title: "New photo",
		Body:  "Your partner shared a photo",
		Data:  map[string]string{"type": "photo"},
	})
	require.NoError(t, err)

	var envelope map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	assert.Equal(t, "Your partner shared a photo", envelope["default"])

	var apns map[string]any
	require.NoError(t, json.Unmarshal([]byte(envelope["APNS"]), &apns))
	aps := apns["aps"].(map[string]any)
	assert.Equal(t, "default", aps["sound"])
	assert.Equal(t, map[string]any{"type": "photo"}, apns["data"])

	var gcm map[string]any
	require.NoError(t, json.Unmarshal([]byte(envelope["GCM"]), &gcm))
	assert.Equal(t, map[string]any{"title": "New photo", "body": "Your partner shared a photo"}, gcm["notification"])
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(context.Background(), "token", Notification{Title: "x"}))
}
