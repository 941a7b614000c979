package s3_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/s3"
)

type fakeBucket struct {
	mu          sync.Mutex
	path        string
	contentType string
	body        string
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, _ := io.ReadAll(r.Body)
	f.path = r.URL.Path
	f.contentType = r.Header.Get("Content-Type")
	f.body = string(data)
	w.Header().Set("ETag", `"abc"`)
	w.WriteHeader(http.StatusOK)
}

func TestArchive_Put(t *testing.T) {
	bucket := &fakeBucket{}
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	archive, err := s3.New(context.Background(), s3.Config{
		Bucket:       "invoices",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "minio",
		SecretKey:    "minio123",
		UsePathStyle: true,
		Prefix:       "exports/",
	})
	require.NoError(t, err)

	loc, err := archive.Put(context.Background(), "user-1/2024-03.csv", "text/csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	require.Equal(t, "s3://invoices/exports/user-1/2024-03.csv", loc)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	require.Equal(t, "/invoices/exports/user-1/2024-03.csv", bucket.path)
	require.Equal(t, "text/csv", bucket.contentType)
	require.Contains(t, bucket.body, "a,b\n1,2\n")
}

func TestArchive_PutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
	}))
	defer srv.Close()

	archive, err := s3.New(context.Background(), s3.Config{
		Bucket: "invoices", Endpoint: srv.URL, AccessKey: "k", SecretKey: "s", UsePathStyle: true,
	})
	require.NoError(t, err)

	_, err = archive.Put(context.Background(), "x.csv", "text/csv", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := s3.New(context.Background(), s3.Config{})
	require.Error(t, err)
}
