package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"duo-sync-backend/internal/blobstore"
	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/repository"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const blobDir = "/blobs"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	ctx      context.Context
	store    *docstore.Store
	fs       afero.Fs
	blobs    *blobstore.FSStore
	users    *repository.UserRepository
	pairs    *repository.PairRepository
	photos   *repository.PhotoRepository
	messages *repository.MessageRepository
	pair     *PairService
	unlink   *UnlinkService
	photo    *PhotoService
	message  *MessageService
	user     *UserService
}

func newFixture(t *testing.T, pusher *Pusher) *fixture {
	t.Helper()

	store := docstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(blobDir, 0o755))

	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		fs:       fs,
		blobs:    blobstore.NewFSStore(fs, blobDir, "http://blobs.test"),
		users:    repository.NewUserRepository(store),
		pairs:    repository.NewPairRepository(store),
		photos:   repository.NewPhotoRepository(store),
		messages: repository.NewMessageRepository(store),
	}
	if pusher != nil {
		pusher.userRepo = f.users
	}

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	codes := 0
	f.pair = NewPairService(store, f.pairs, f.users, pusher)
	f.pair.now = clock.Now
	f.pair.newCode = func() (string, error) {
		codes++
		if codes == 1 {
			return "AB12CD", nil
		}
		return fmt.Sprintf("CODE%02d", codes), nil
	}
	f.unlink = NewUnlinkService(store, f.pairs, f.pair, pusher)
	f.unlink.now = clock.Now
	f.photo = NewPhotoService(f.photos, f.pairs, f.pair, f.blobs, pusher)
	f.photo.now = clock.Now
	f.message = NewMessageService(f.messages, f.pair, pusher)
	f.message.now = clock.Now
	f.user = NewUserService(f.users, "test-secret-0123456789")

	for _, uid := range []string{"u1", "u2", "u3"} {
		require.NoError(t, f.users.Create(f.ctx, &models.UserProfile{ID: uid, Name: uid}))
	}
	return f
}

// serveBlobs exposes the blob store over HTTP and makes new uploads point at it
func (f *fixture) serveBlobs(t *testing.T) {
	t.Helper()
	srv := httptest.NewServer(http.StripPrefix("/blobs", f.blobs.Handler()))
	t.Cleanup(srv.Close)

	f.blobs = blobstore.NewFSStore(f.fs, blobDir, srv.URL+"/blobs")
	f.photo.blobs = f.blobs
}

// pairUp makes creator generate a code that partner joins
func (f *fixture) pairUp(t *testing.T, creator, partner string) string {
	t.Helper()
	link, err := f.pair.GenerateCode(f.ctx, creator)
	require.NoError(t, err)
	_, err = f.pair.Join(f.ctx, partner, link.Code)
	require.NoError(t, err)
	return link.Code
}

func (f *fixture) link(t *testing.T, code string) *models.PairLink {
	t.Helper()
	link, err := f.pairs.GetByCode(f.ctx, code)
	require.NoError(t, err)
	return link
}

func (f *fixture) profile(t *testing.T, uid string) *models.UserProfile {
	t.Helper()
	user, err := f.users.GetByID(f.ctx, uid)
	require.NoError(t, err)
	return user
}

func (f *fixture) pairCodeOf(t *testing.T, uid string) string {
	t.Helper()
	if code := f.profile(t, uid).PairCode; code != nil {
		return *code
	}
	return ""
}
