package storage

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bobarin/hookreel/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDataURI(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	tests := []struct {
		name        string
		uri         string
		data        []byte
		contentType string
		wantErr     bool
	}{
		{name: "base64", uri: "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload), data: payload, contentType: "image/png"},
		{name: "unpadded", uri: "data:image/png;base64," + base64.RawStdEncoding.EncodeToString(payload), data: payload, contentType: "image/png"},
		{name: "plain text", uri: "data:,hello%20world", data: []byte("hello world"), contentType: "text/plain"},
		{name: "missing comma", uri: "data:image/png;base64", wantErr: true},
		{name: "bad base64", uri: "data:image/png;base64,@@@", wantErr: true},
		{name: "not data", uri: "https://x/y.png", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ct, err := DecodeDataURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.data, data)
			assert.Equal(t, tt.contentType, ct)
		})
	}
}

func TestFetchDataURI(t *testing.T) {
	dir := t.TempDir()
	f := NewFetcher(logger.Discard())

	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpegbytes"))
	path, err := f.Fetch(context.Background(), uri, dir, "part-000")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "part-000.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpegbytes", string(data))
}

func TestFetchHTTPRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("partial garbage"))
			return
		}
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(logger.Discard())
	f.Retries = 1

	path, err := f.Fetch(context.Background(), srv.URL+"/clips/b.MP4", dir, "part-001")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "part-001.mp4"), path)
	assert.EqualValues(t, 2, calls.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestFetchHTTPNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(logger.Discard())
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.png", t.TempDir(), "part-000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchHTTPUsesContentTypeWithoutPathExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(logger.Discard())
	f.Retries = 0

	path, err := f.Fetch(context.Background(), srv.URL+"/t/abc?fmt=png", dir, "template")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "template.png"), path)
	assert.NoFileExists(t, filepath.Join(dir, "template.part"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	f := NewFetcher(logger.Discard())
	_, err := f.Fetch(context.Background(), "ftp://example.com/a.png", t.TempDir(), "x")
	assert.ErrorContains(t, err, "unsupported media reference")

	_, err = f.Fetch(context.Background(), "file:///etc/passwd", t.TempDir(), "x")
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("/a/b.PNG", ""))
	assert.Equal(t, ".mp3", extensionFor("", "audio/mpeg"))
	assert.Equal(t, ".bin", extensionFor("/noext", ""))
	assert.Equal(t, ".mp4", extensionFor("/x.averylongext", "video/mp4"))
}

func TestSupabasePutAndGet(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/storage/v1/object/videos/renders/j1/output.mp4", r.URL.Path)
			assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
			buf, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			uploaded = buf
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			assert.Equal(t, "/storage/v1/object/videos/renders/j1/output.mp4", r.URL.Path)
			_, _ = w.Write(uploaded)
		}
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "service-key", "videos", logger.Discard())
	ctx := context.Background()

	publicURL, err := s.Put(ctx, ObjectKey("renders", "j1", "output.mp4"), []byte("mp4"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/videos/renders/j1/output.mp4", publicURL)

	data, err := s.Get(ctx, publicURL)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(data))
}

func TestSupabaseUploadNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := New(srv.URL, "k", "videos", logger.Discard())
	_, err := s.Put(context.Background(), "a/b", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.EqualValues(t, 1, calls.Load())
}

func TestS3PublicURL(t *testing.T) {
	s, err := NewS3("minio.local:9000", "ak", "sk", "videos", false, "")
	require.NoError(t, err)
	assert.Equal(t, "http://minio.local:9000/videos/renders/j1/output.mp4", s.PublicURL("renders/j1/output.mp4"))

	key, ok := s.keyFromURL("http://minio.local:9000/videos/renders/j1/output.mp4")
	assert.True(t, ok)
	assert.Equal(t, "renders/j1/output.mp4", key)

	_, err = s.Get(context.Background(), "https://elsewhere/x.mp4")
	assert.Error(t, err)

	cdn, err := NewS3("s3.amazonaws.com", "ak", "sk", "videos", true, "https://cdn.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k", cdn.PublicURL("k"))
}

type memObjects struct {
	puts map[string]string
}

func (m *memObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.puts == nil {
		m.puts = map[string]string{}
	}
	m.puts[key] = contentType
	return "https://cdn.test/" + key, nil
}

func (m *memObjects) Get(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}

func TestPersistDataURI(t *testing.T) {
	objects := &memObjects{}

	url, err := PersistDataURI(context.Background(), objects, "uploads/abc/part-000", "data:image/png;base64,iVBORw0KGgo=")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/uploads/abc/part-000.png", url)
	assert.Equal(t, "image/png", objects.puts["uploads/abc/part-000.png"])

	url, err = PersistDataURI(context.Background(), objects, "uploads/abc/part-001", "https://assets.test/b.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://assets.test/b.mp4", url)
	assert.Len(t, objects.puts, 1)

	_, err = PersistDataURI(context.Background(), objects, "uploads/abc/part-002", "data:image/png;base64,@@@")
	assert.Error(t, err)
}
