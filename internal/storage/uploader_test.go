package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedsync/internal/session"
	"github.com/feedline/feedsync/pkg/config"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	gifHeader = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\xff\xff\xff\x00\x00\x00;")
)

func newTestUploader(url string) *Uploader {
	return New(&config.StorageConfig{
		URL:           url,
		Bucket:        "post-images",
		MaxImageBytes: 64,
	}, func() string { return "token-1" })
}

func TestValidate(t *testing.T) {
	u := newTestUploader("http://storage")

	tests := []struct {
		name    string
		data    []byte
		mime    string
		ext     string
		wantErr error
	}{
		{name: "png", data: pngHeader, mime: "image/png", ext: "png"},
		{name: "gif", data: gifHeader, mime: "image/gif", ext: "gif"},
		{name: "empty", data: nil, wantErr: ErrEmptyImage},
		{name: "too large", data: append(append([]byte{}, pngHeader...), make([]byte, 64)...), wantErr: ErrImageTooLarge},
		{name: "text", data: []byte("hello, this is not an image"), wantErr: ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, ext, err := u.Validate(Image{Name: "x", Data: tt.data})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrInvalidImage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mime, mime)
			assert.Equal(t, tt.ext, ext)
		})
	}
}

func TestUploadAndDelete(t *testing.T) {
	var mu sync.Mutex
	objects := map[string][]byte{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/object/post-images/")
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
			data, _ := io.ReadAll(r.Body)
			objects[path] = data
			w.Write([]byte(`{"Key":"` + path + `"}`))
		case http.MethodDelete:
			if _, ok := objects[path]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(objects, path)
		}
	}))
	defer server.Close()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(objects)
	}

	ctx := context.Background()
	u := newTestUploader(server.URL)

	url, err := u.UploadImage(ctx, Image{Name: "a.png", Data: pngHeader})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, server.URL+"/object/public/post-images/posts/"), url)
	assert.True(t, strings.HasSuffix(url, ".png"), url)
	assert.Equal(t, 1, count())

	require.NoError(t, u.DeleteImage(ctx, url))
	assert.Equal(t, 0, count())
	assert.Error(t, u.DeleteImage(ctx, url))
	assert.Error(t, u.DeleteImage(ctx, "https://elsewhere/image.png"))
}

func TestUploadUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("jwt expired"))
	}))
	defer server.Close()

	_, err := newTestUploader(server.URL).UploadImage(context.Background(), Image{Data: pngHeader})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	assert.True(t, session.IsAuthError(err))
}

func TestUploadRejectsInvalidWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	_, err := newTestUploader(server.URL).UploadImage(context.Background(), Image{Data: []byte("plain text")})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, int32(0), calls.Load())
}
