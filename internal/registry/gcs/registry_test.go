package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

const bucket = "test-bucket"

// fakeGCS implements the JSON API calls used by the registry: multipart
// uploads and prefix listings.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
	acls    map[string]string
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/storage/v1/b/"+bucket+"/o"):
		f.upload(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/"+bucket+"/o"):
		f.list(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}

	f.mu.Lock()
	f.objects[name] = data
	f.acls[name] = r.URL.Query().Get("predefinedAcl")
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"name": name, "bucket": bucket})
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	f.mu.Lock()
	var items []map[string]string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			items = append(items, map[string]string{"name": name, "bucket": bucket})
		}
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
}

func newTestRegistry(t *testing.T) (*Registry, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{objects: map[string][]byte{}, acls: map[string]string{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reg, err := New(client, Config{Bucket: bucket, Prefix: "/exports/"}, nil)
	require.NoError(t, err)
	return reg, fake
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: bucket}, nil)
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{}, nil)
	require.Error(t, err)
}

func TestPublishThenHas(t *testing.T) {
	t.Parallel()

	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	has, err := reg.Has(ctx, "me/news", "CC-MAIN-2013-20")
	require.NoError(t, err)
	assert.False(t, has)

	records := []extract.Record{
		{URL: "http://news.example.com/a", Text: "alpha"},
		{URL: "http://example.com/news/", Text: "beta"},
	}
	res, err := reg.Publish(ctx, "me/news", "CC-MAIN-2013-20", parquetio.Slice(records), extract.VisibilityPublic)
	require.NoError(t, err)
	assert.Equal(t, extract.PublishResult{URI: "gs://test-bucket/exports/me/news/CC-MAIN-2013-20", Rows: 2}, res)

	fake.mu.Lock()
	data := fake.objects["exports/me/news/CC-MAIN-2013-20/"+dataObject]
	marker := fake.objects["exports/me/news/CC-MAIN-2013-20/"+markerObject]
	acl := fake.acls["exports/me/news/CC-MAIN-2013-20/"+dataObject]
	fake.mu.Unlock()

	got, err := parquetio.Collect(parquetio.Rows[extract.Record](ctx, bytes.NewReader(data), int64(len(data)), 0))
	require.NoError(t, err)
	assert.Equal(t, records, got)
	assert.JSONEq(t, `{"rows":2,"object":"exports/me/news/CC-MAIN-2013-20/`+dataObject+`"}`, string(marker))
	assert.Equal(t, "publicRead", acl)

	has, err = reg.Has(ctx, "me/news", "CC-MAIN-2013-20")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPublishPrivateSetsNoACL(t *testing.T) {
	t.Parallel()

	reg, fake := newTestRegistry(t)
	_, err := reg.Publish(context.Background(), "me/news", "s", parquetio.Slice([]extract.Record{{URL: "u"}}), extract.VisibilityPrivate)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.acls["exports/me/news/s/"+dataObject])
}

func TestPublishRowErrorLeavesNoMarker(t *testing.T) {
	t.Parallel()

	reg, fake := newTestRegistry(t)
	boom := errors.New("cache corrupted")
	rows := func(yield func(extract.Record, error) bool) {
		if !yield(extract.Record{URL: "u"}, nil) {
			return
		}
		yield(extract.Record{}, boom)
	}

	_, err := reg.Publish(context.Background(), "me/news", "s", rows, extract.VisibilityPublic)
	require.ErrorIs(t, err, boom)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.NotContains(t, fake.objects, "exports/me/news/s/"+markerObject)
}
