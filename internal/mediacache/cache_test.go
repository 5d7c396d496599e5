package mediacache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutHas(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c, err := New(fsys, "/media")
	require.NoError(t, err)

	assert.False(t, c.Has("1700000000000_u2"))
	require.NoError(t, c.Put("1700000000000_u2", strings.NewReader("jpeg")))
	assert.True(t, c.Has("1700000000000_u2"))
	assert.Equal(t, "/media/1700000000000_u2.jpg", c.Path("1700000000000_u2"))

	raw, err := afero.ReadFile(fsys, c.Path("1700000000000_u2"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(raw))

	ids, err := c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1700000000000_u2"}, ids)
}

func TestCache_RejectsBadIDs(t *testing.T) {
	c, err := New(afero.NewMemMapFs(), "/media")
	require.NoError(t, err)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, c.Put(id, strings.NewReader("x")), id)
		assert.False(t, c.Has(id), id)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)

	body, err := f.Fetch(context.Background(), srv.URL+"/photo.jpg")
	require.NoError(t, err)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "jpeg-bytes", string(raw))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.jpg")
	assert.Error(t, err)
}
