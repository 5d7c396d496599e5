package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duo-sync-backend/internal/blobstore"
	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/middleware"
	"duo-sync-backend/internal/repository"
	"duo-sync-backend/internal/services"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type testAPI struct {
	srv *httptest.Server
}

func newTestAPI(t *testing.T, joinLimiter *middleware.RateLimiter) *testAPI {
	t.Helper()

	store := docstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	users := repository.NewUserRepository(store)
	pairs := repository.NewPairRepository(store)
	photos := repository.NewPhotoRepository(store)
	messages := repository.NewMessageRepository(store)

	blobs := blobstore.NewFSStore(afero.NewMemMapFs(), "/", "http://blobs.test")
	pairService := services.NewPairService(store, pairs, users, nil)
	photoService := services.NewPhotoService(photos, pairs, pairService, blobs, nil)
	messageService := services.NewMessageService(messages, pairService, nil)

	router := NewRouter(Deps{
		UserService:    services.NewUserService(users, "handler-test-secret-0123"),
		PairService:    pairService,
		UnlinkService:  services.NewUnlinkService(store, pairs, pairService, nil),
		PhotoService:   photoService,
		MessageService: messageService,
		Hub:            services.NewWSHub(pairService, photoService, messageService),
		JoinLimiter:    joinLimiter,
		AllowedOrigins: []string{"*"},
		Blobs:          blobs.Handler(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv}
}

func (a *testAPI) do(t *testing.T, method, path, token, contentType string, body io.Reader) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (a *testAPI) json(t *testing.T, method, path, token string, in, out any) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	status, data := a.do(t, method, path, token, "application/json", body)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return status
}

func (a *testAPI) newUser(t *testing.T, name string) (string, string) {
	t.Helper()
	var resp CreateUserResponse
	status := a.json(t, http.MethodPost, "/api/v1/users", "", map[string]string{"name": name}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Token)
	return resp.User.ID, resp.Token
}

// pair creates two users where the second joined the first one's code
func (a *testAPI) pair(t *testing.T) (string, string, string) {
	t.Helper()
	_, alice := a.newUser(t, "alice")
	_, bob := a.newUser(t, "bob")

	var created PairResponse
	require.Equal(t, http.StatusCreated, a.json(t, http.MethodPost, "/api/v1/pairs", alice, nil, &created))
	require.NotNil(t, created.Link)

	var joined PairResponse
	status := a.json(t, http.MethodPost, "/api/v1/pairs/join", bob,
		JoinRequest{Code: strings.ToLower(created.Link.Code)}, &joined)
	require.Equal(t, http.StatusOK, status)
	return alice, bob, created.Link.Code
}

func TestUserEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	id, token := api.newUser(t, "alice")

	status, _ := api.do(t, http.MethodGet, "/api/v1/me", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var me map[string]any
	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/me", token, nil, &me))
	assert.Equal(t, id, me["id"])
	assert.Equal(t, "alice", me["name"])

	require.Equal(t, http.StatusOK, api.json(t, http.MethodPatch, "/api/v1/me", token, map[string]string{"name": "Al"}, &me))
	assert.Equal(t, "Al", me["name"])

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodPatch, "/api/v1/me", token, map[string]string{}, &errResp))
	assert.NotEmpty(t, errResp.Error)

	assert.Equal(t, http.StatusNoContent, api.json(t, http.MethodPut, "/api/v1/me/push-token", token, map[string]string{"token": "dev"}, nil))
}

func TestPairEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	_, carol := api.newUser(t, "carol")

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodGet, "/api/v1/pairs/current", carol, nil, &errResp))
	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodPost, "/api/v1/pairs/join", carol, JoinRequest{Code: "ZZZZZZ"}, nil))
	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodPost, "/api/v1/pairs/join", carol, map[string]string{}, nil))

	alice, bob, code := api.pair(t)

	var current PairResponse
	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/pairs/current", alice, nil, &current))
	assert.Equal(t, code, current.Link.Code)
	assert.NotEmpty(t, current.PartnerID)
	assert.False(t, current.NeedsResolution)

	assert.Equal(t, http.StatusForbidden, api.json(t, http.MethodPost, "/api/v1/pairs/join", carol, JoinRequest{Code: code}, nil))

	var st StatusResponse
	require.Equal(t, http.StatusOK, api.json(t, http.MethodPost, "/api/v1/pairs/current/delete-request", alice, nil, &st))
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, http.StatusConflict, api.json(t, http.MethodPost, "/api/v1/pairs/current/delete-request", bob, nil, nil))

	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/pairs/current", bob, nil, &current))
	assert.True(t, current.NeedsResolution)

	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodPost, "/api/v1/pairs/current/delete-request/resolve", bob,
		ResolveRequest{Decision: "maybe"}, nil))
	require.Equal(t, http.StatusOK, api.json(t, http.MethodPost, "/api/v1/pairs/current/delete-request/resolve", bob,
		ResolveRequest{Decision: "approve"}, &st))
	assert.Equal(t, "completed", st.Status)

	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodGet, "/api/v1/pairs/current", alice, nil, nil))
}

func TestCodeLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	_, alice := api.newUser(t, "alice")

	var first, second PairResponse
	require.Equal(t, http.StatusCreated, api.json(t, http.MethodPost, "/api/v1/pairs", alice, nil, &first))
	require.Equal(t, http.StatusCreated, api.json(t, http.MethodPost, "/api/v1/pairs/regenerate", alice, nil, &second))
	assert.NotEqual(t, first.Link.Code, second.Link.Code)

	assert.Equal(t, http.StatusNoContent, api.json(t, http.MethodDelete, "/api/v1/pairs/current", alice, nil, nil))
	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodGet, "/api/v1/pairs/current", alice, nil, nil))
}

func TestMessageEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	alice, bob, _ := api.pair(t)

	var sent map[string]any
	require.Equal(t, http.StatusCreated, api.json(t, http.MethodPost, "/api/v1/messages", bob, SendMessageRequest{Text: "hi"}, &sent))
	id, _ := sent["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, sent["mine"])

	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodPost, "/api/v1/messages", bob, SendMessageRequest{}, nil))

	var views []map[string]any
	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/messages", alice, nil, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "hi", views[0]["text"])
	assert.Equal(t, false, views[0]["mine"])

	var seen MarkSeenResponse
	require.Equal(t, http.StatusOK, api.json(t, http.MethodPost, "/api/v1/messages/seen", alice, nil, &seen))
	assert.Equal(t, 1, seen.Marked)

	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodDelete, "/api/v1/messages/"+id+"?scope=all", alice, nil, nil))
	assert.Equal(t, http.StatusForbidden, api.json(t, http.MethodDelete, "/api/v1/messages/"+id+"?scope=everyone", alice, nil, nil))
	assert.Equal(t, http.StatusNoContent, api.json(t, http.MethodDelete, "/api/v1/messages/"+id, alice, nil, nil))

	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/messages", alice, nil, &views))
	assert.Equal(t, services.DeletedForYouText, views[0]["text"])

	assert.Equal(t, http.StatusNoContent, api.json(t, http.MethodDelete, "/api/v1/messages/"+id+"?scope=everyone", bob, nil, nil))
	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/messages", bob, nil, &views))
	assert.Equal(t, services.DeletedForEveryoneText, views[0]["text"])
}

func TestPhotoEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	alice, bob, _ := api.pair(t)

	status, _ := api.do(t, http.MethodPost, "/api/v1/photos", alice, "text/plain", strings.NewReader("nope"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, data := api.do(t, http.MethodPost, "/api/v1/photos", alice, "image/jpeg", strings.NewReader("jpeg-bytes"))
	require.Equal(t, http.StatusCreated, status, string(data))
	var photo map[string]any
	require.NoError(t, json.Unmarshal(data, &photo))
	imageID, _ := photo["imageId"].(string)
	require.NotEmpty(t, imageID)

	var page struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	require.Equal(t, http.StatusOK, api.json(t, http.MethodGet, "/api/v1/photos?limit=10", bob, nil, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)

	assert.Equal(t, http.StatusBadRequest, api.json(t, http.MethodGet, "/api/v1/photos?limit=abc", bob, nil, nil))

	var replicated ReplicatedResponse
	require.Equal(t, http.StatusOK, api.json(t, http.MethodPost, "/api/v1/photos/"+imageID+"/replicated", bob, nil, &replicated))
	assert.True(t, replicated.Reclaimed)

	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodPost, "/api/v1/photos/missing/replicated", bob, nil, nil))
}

func TestJoinIsRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := newTestAPI(t, middleware.NewRateLimiter(ctx, rate.Limit(0.001), 1))
	_, token := api.newUser(t, "mallory")

	assert.Equal(t, http.StatusNotFound, api.json(t, http.MethodPost, "/api/v1/pairs/join", token, JoinRequest{Code: "AAAAAA"}, nil))
	assert.Equal(t, http.StatusTooManyRequests, api.json(t, http.MethodPost, "/api/v1/pairs/join", token, JoinRequest{Code: "BBBBBB"}, nil))
}

func TestWebSocketFramesUseCurrentPair(t *testing.T) {
	api := newTestAPI(t, nil)
	_, token := api.newUser(t, "alice")

	wsURL := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first, second PairResponse
	require.Equal(t, http.StatusCreated, api.json(t, http.MethodPost, "/api/v1/pairs", token, nil, &first))
	require.Equal(t, http.StatusCreated, api.json(t, http.MethodPost, "/api/v1/pairs/regenerate", token, nil, &second))

	require.NoError(t, conn.WriteJSON(services.WSMessage{Type: services.FrameMarkSeen}))
	for i := 0; i < 30; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg services.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == services.FrameAck {
			assert.Equal(t, second.Link.Code, msg.Code)
			return
		}
	}
	t.Fatal("no ack frame")
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	api := newTestAPI(t, nil)
	status, _ := api.do(t, http.MethodGet, "/ws?token=nope", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
