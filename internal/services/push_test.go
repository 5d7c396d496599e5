package services

import (
	"context"
	"testing"

	"duo-sync-backend/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, pushToken string, n notify.Notification) error {
	args := m.Called(ctx, pushToken, n)
	return args.Error(0)
}

func ofType(kind string) any {
	return mock.MatchedBy(func(n notify.Notification) bool { return n.Data["type"] == kind })
}

func TestJoinNotifiesCreator(t *testing.T) {
	m := new(mockNotifier)
	f := newFixture(t, &Pusher{notifier: m})
	require.NoError(t, f.users.UpdatePushToken(f.ctx, "u1", ptr("token-u1")))

	m.On("Notify", mock.Anything, "token-u1", ofType("partner_joined")).Return(nil).Once()

	f.pairUp(t, "u1", "u2")
	m.AssertExpectations(t)
}

func TestPushSkipsUsersWithoutToken(t *testing.T) {
	m := new(mockNotifier)
	f := newFixture(t, &Pusher{notifier: m})
	code := f.pairUp(t, "u1", "u2")

	_, err := f.message.Send(f.ctx, code, "u1", "hello")
	require.NoError(t, err)
	m.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestInvalidTokenIsCleared(t *testing.T) {
	m := new(mockNotifier)
	f := newFixture(t, &Pusher{notifier: m})
	code := f.pairUp(t, "u1", "u2")
	require.NoError(t, f.users.UpdatePushToken(f.ctx, "u2", ptr("stale")))

	m.On("Notify", mock.Anything, "stale", ofType("message")).Return(notify.ErrInvalidToken).Once()

	_, err := f.message.Send(f.ctx, code, "u1", "hello")
	require.NoError(t, err)

	m.AssertExpectations(t)
	assert.Nil(t, f.profile(t, "u2").PushToken)
}

func TestNilPusherIsSilent(t *testing.T) {
	var p *Pusher
	assert.NotPanics(t, func() {
		p.NotifyUser(context.Background(), "u1", notify.Notification{Title: "x"})
	})
}

func ptr(s string) *string {
	return &s
}
