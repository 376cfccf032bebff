package blobstorage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Key([]byte("hello")))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	k1, err := m.Put(ctx, []byte("body"))
	require.NoError(t, err)
	k2, err := m.Put(ctx, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, m.Len())

	data, err := m.Get(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	require.NoError(t, m.Delete(ctx, k1))
	_, err = m.Get(ctx, k1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// fakeS3 answers path-style object requests for a single bucket.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]string
	requests []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	switch r.Method {
	case http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		w.Write([]byte(body))
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3(t *testing.T) (*fakeS3, *S3BlobStorage) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3BlobStorage(context.Background(), Config{
		Enabled:      true,
		Endpoint:     srv.URL,
		Bucket:       "mail",
		Prefix:       "bodies",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return fake, store
}

func TestS3_PutUsesContentAddress(t *testing.T) {
	fake, store := newFakeS3(t)

	key, err := store.Put(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Key([]byte("hello")), key)
	require.Len(t, fake.requests, 1)
	assert.Equal(t, "PUT /mail/bodies/"+key, fake.requests[0])
}

func TestS3_Get(t *testing.T) {
	fake, store := newFakeS3(t)
	fake.objects["/mail/bodies/abc"] = "stored body"

	data, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "stored body", string(data))

	_, err = store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), err.Error())
}

func TestS3_Delete(t *testing.T) {
	fake, store := newFakeS3(t)
	require.NoError(t, store.Delete(context.Background(), "abc"))
	require.Len(t, fake.requests, 1)
	assert.True(t, strings.HasPrefix(fake.requests[0], "DELETE /mail/bodies/abc"))
}

func TestNewS3BlobStorage_RequiresBucket(t *testing.T) {
	_, err := NewS3BlobStorage(context.Background(), Config{Enabled: true})
	assert.Error(t, err)
}
