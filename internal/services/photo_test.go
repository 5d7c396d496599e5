package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"duo-sync-backend/internal/mediacache"
	"duo-sync-backend/internal/models"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls atomic.Int32
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader("jpeg-bytes")), nil
}

func newReplicator(t *testing.T, f *fixture, fetcher mediacache.Fetcher) (*Replicator, *mediacache.Cache) {
	t.Helper()
	cache, err := mediacache.New(afero.NewMemMapFs(), "/media")
	require.NoError(t, err)
	r, err := NewReplicator(f.photo, cache, fetcher, 8)
	require.NoError(t, err)
	return r, cache
}

func (f *fixture) upload(t *testing.T, code, uid string) *models.SharedPhoto {
	t.Helper()
	photo, err := f.photo.Upload(f.ctx, code, uid, bytes.NewReader([]byte("jpeg-bytes")), "image/jpeg")
	require.NoError(t, err)
	return photo
}

func (f *fixture) blobExists(t *testing.T, code, imageID string) bool {
	t.Helper()
	ok, err := f.blobs.Exists(f.ctx, BlobPath(code, imageID))
	require.NoError(t, err)
	return ok
}

func TestUploadStoresBlobAndRecord(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	photo := f.upload(t, code, "u1")
	assert.True(t, strings.HasSuffix(photo.ImageID, "_u1"))
	assert.Equal(t, "http://blobs.test/gallery_pairs/"+code+"/"+photo.ImageID+".jpg", photo.URL)
	assert.Empty(t, photo.DownloadedBy)
	assert.True(t, f.blobExists(t, code, photo.ImageID))

	stored, err := f.photos.Get(f.ctx, code, photo.ImageID)
	require.NoError(t, err)
	assert.Equal(t, photo.URL, stored.URL)
	assert.Equal(t, "u1", stored.UploadedBy)
	assert.Equal(t, photo.CreatedAt, stored.CreatedAt)
}

func TestUploadRequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	_, err := f.photo.Upload(f.ctx, code, "u3", strings.NewReader("x"), "image/jpeg")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.photo.Upload(f.ctx, "NOPE00", "u1", strings.NewReader("x"), "image/jpeg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReclamationConvergence(t *testing.T) {
	f := newFixture(t, nil)
	f.serveBlobs(t)
	code := f.pairUp(t, "u1", "u2")

	photo := f.upload(t, code, "u1")
	require.True(t, f.blobExists(t, code, photo.ImageID))

	r, cache := newReplicator(t, f, mediacache.NewHTTPFetcher(5*time.Second))
	require.NoError(t, r.EnsureLocalCopy(f.ctx, *photo, code, "u2"))

	assert.True(t, cache.Has(photo.ImageID))

	assert.False(t, f.blobExists(t, code, photo.ImageID))
	stored, err := f.photos.Get(f.ctx, code, photo.ImageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, stored.DownloadedBy)
}

func TestEnsureLocalCopySkipsOwnPhotos(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	photo := f.upload(t, code, "u1")

	fetcher := &stubFetcher{}
	r, cache := newReplicator(t, f, fetcher)
	require.NoError(t, r.EnsureLocalCopy(f.ctx, *photo, code, "u1"))

	assert.Zero(t, fetcher.calls.Load())
	assert.False(t, cache.Has(photo.ImageID))
	assert.True(t, f.blobExists(t, code, photo.ImageID))
}

func TestEnsureLocalCopyMarksBroken(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	photo := f.upload(t, code, "u1")

	fetcher := &stubFetcher{err: errors.New("connection reset")}
	r, cache := newReplicator(t, f, fetcher)

	err := r.EnsureLocalCopy(f.ctx, *photo, code, "u2")
	assert.ErrorIs(t, err, ErrReplication)
	assert.True(t, r.Broken(photo.ImageID))
	assert.False(t, cache.Has(photo.ImageID))

	require.NoError(t, r.EnsureLocalCopy(f.ctx, *photo, code, "u2"))
	assert.Equal(t, int32(1), fetcher.calls.Load())

	stored, err := f.photos.Get(f.ctx, code, photo.ImageID)
	require.NoError(t, err)
	assert.Empty(t, stored.DownloadedBy)
	assert.True(t, f.blobExists(t, code, photo.ImageID))
}

func TestEnsureLocalCopyUsesCachedFile(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	photo := f.upload(t, code, "u1")

	fetcher := &stubFetcher{}
	r, cache := newReplicator(t, f, fetcher)
	require.NoError(t, cache.Put(photo.ImageID, strings.NewReader("cached")))

	require.NoError(t, r.EnsureLocalCopy(f.ctx, *photo, code, "u2"))
	assert.Zero(t, fetcher.calls.Load())
	assert.False(t, f.blobExists(t, code, photo.ImageID))
}

func TestReclaimRules(t *testing.T) {
	t.Run("waits for the partner", func(t *testing.T) {
		f := newFixture(t, nil)
		code := f.pairUp(t, "u1", "u2")
		photo := f.upload(t, code, "u1")

		reclaimed, err := f.photo.Reclaim(f.ctx, photo, code)
		require.NoError(t, err)
		assert.False(t, reclaimed)
		assert.True(t, f.blobExists(t, code, photo.ImageID))
	})

	t.Run("keeps blobs of a solo link", func(t *testing.T) {
		f := newFixture(t, nil)
		link, err := f.pair.GenerateCode(f.ctx, "u1")
		require.NoError(t, err)
		photo := f.upload(t, link.Code, "u1")
		photo.DownloadedBy = []string{"u1"}

		reclaimed, err := f.photo.Reclaim(f.ctx, photo, link.Code)
		require.NoError(t, err)
		assert.False(t, reclaimed)
		assert.True(t, f.blobExists(t, link.Code, photo.ImageID))
	})

	t.Run("deleted link falls back to any other downloader", func(t *testing.T) {
		f := newFixture(t, nil)
		code := f.pairUp(t, "u1", "u2")
		photo := f.upload(t, code, "u1")
		_, err := f.unlink.RequestDelete(f.ctx, "u1", code)
		require.NoError(t, err)
		_, err = f.unlink.Approve(f.ctx, "u2", code)
		require.NoError(t, err)

		reclaimed, err := f.photo.Reclaim(f.ctx, photo, code)
		require.NoError(t, err)
		assert.False(t, reclaimed)

		photo.DownloadedBy = []string{"u2"}
		reclaimed, err = f.photo.Reclaim(f.ctx, photo, code)
		require.NoError(t, err)
		assert.True(t, reclaimed)
		assert.False(t, f.blobExists(t, code, photo.ImageID))
	})

	t.Run("missing blob counts as reclaimed", func(t *testing.T) {
		f := newFixture(t, nil)
		code := f.pairUp(t, "u1", "u2")
		photo := f.upload(t, code, "u1")
		require.NoError(t, f.blobs.Delete(f.ctx, BlobPath(code, photo.ImageID)))

		reclaimed, err := f.photo.MarkReplicated(f.ctx, code, "u2", photo.ImageID)
		require.NoError(t, err)
		assert.True(t, reclaimed)
	})
}

func TestMarkReplicatedUnknownPhoto(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	_, err := f.photo.MarkReplicated(f.ctx, code, "u2", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPhotosNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.upload(t, code, "u1").ImageID)
	}

	page, err := f.photo.List(f.ctx, "u2", code, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ImageID)
	assert.Equal(t, ids[1], page.Items[1].ImageID)

	page, err = f.photo.List(f.ctx, "u2", code, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ImageID)

	_, err = f.photo.List(f.ctx, "u3", code, 10, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestReplicatorRun(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	r, cache := newReplicator(t, f, &stubFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, code, "u2") }()

	photo := f.upload(t, code, "u1")
	require.Eventually(t, func() bool {
		return cache.Has(photo.ImageID) && !f.blobExists(t, code, photo.ImageID)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replicator did not stop")
	}
}
