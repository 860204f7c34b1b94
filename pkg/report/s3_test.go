package report

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/skelstream/pkg/errors"
)

// fakeS3 serves the path-style object subset the backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

type listBucketResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listBucketResult{Name: bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, listContent{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) (*S3Backend, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "reports", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultS3Config("reports")
	cfg.Region = "us-east-1"
	cfg.Endpoint = srv.URL
	cfg.UsePathStyle = true
	cfg.AccessKeyID = "test"
	cfg.SecretAccessKey = "test"

	b, err := NewS3Backend(context.Background(), cfg)
	require.NoError(t, err)
	return b, fake
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestS3(t)

	require.NoError(t, b.Save(ctx, testSnapshot("run-1")))
	require.NoError(t, b.Save(ctx, testSnapshot("run-2")))
	fake.mu.Lock()
	_, stored := fake.objects["reports/run-1.json"]
	fake.objects["reports/nested/ignored.json"] = []byte("{}")
	fake.mu.Unlock()
	assert.True(t, stored)

	got, err := b.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testSnapshot("run-1"), got)

	list, err := b.List(ctx, "run-")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[1].ID)

	require.NoError(t, b.Delete(ctx, "run-1"))
	_, err = b.Load(ctx, "run-1")
	assert.True(t, errors.IsCode(err, errors.CodeReportNotFound))
}

func TestS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Config{})
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))
}

func TestS3Backend_IDFromKey(t *testing.T) {
	b := &S3Backend{cfg: DefaultS3Config("bucket")}

	id, ok := b.idFromKey("reports/abc.json")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "reports/abc.json", b.key("abc"))

	for _, key := range []string{"reports/abc.txt", "other/abc.json", "reports/.json", "reports/a/b.json"} {
		_, ok := b.idFromKey(key)
		assert.False(t, ok, key)
	}
}
