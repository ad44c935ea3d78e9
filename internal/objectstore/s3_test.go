package objectstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeS3 serves path-style GET and HEAD for a single object.
func newFakeS3(t *testing.T, status int) (*objectstore.S3Store, *httptest.Server) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if r.URL.Path != "/images/products/shoe.jpg" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			}
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", "5")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("bytes"))
		}
	}))
	t.Cleanup(srv.Close)

	s, err := objectstore.NewS3Store(context.Background(), config.StorageConfig{
		Region:         "us-east-1",
		EndpointURL:    srv.URL,
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return s, srv
}

func TestS3Store_GetObject(t *testing.T) {
	s, _ := newFakeS3(t, 0)

	data, err := s.GetObject(context.Background(), "images", "products/shoe.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestS3Store_GetObjectNotFound(t *testing.T) {
	s, _ := newFakeS3(t, 0)

	_, err := s.GetObject(context.Background(), "images", "products/missing.jpg")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestS3Store_HeadObject(t *testing.T) {
	s, _ := newFakeS3(t, 0)

	ok, err := s.HeadObject(context.Background(), "images", "products/shoe.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HeadObject(context.Background(), "images", "products/missing.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store_ServerErrorWrapsErrStorage(t *testing.T) {
	s, _ := newFakeS3(t, http.StatusForbidden)

	_, err := s.GetObject(context.Background(), "images", "products/shoe.jpg")
	assert.ErrorIs(t, err, objectstore.ErrStorage)
}

func TestMemoryStore(t *testing.T) {
	m := objectstore.NewMemoryStore()
	m.Put("images", "a.png", []byte{1, 2, 3})

	data, err := m.GetObject(context.Background(), "images", "a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = m.GetObject(context.Background(), "images", "b.png")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}
