package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/parley/internal/config"
)

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	ref, err := store.Put(ctx, "report-1", strings.NewReader("a,b\n1,2\n"), PutOptions{
		MimeType: "text/csv",
		Filename: "report.csv",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "artifact://report-1" {
		t.Errorf("ref = %q", ref)
	}

	exists, err := store.Exists(ctx, "report-1")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	rc, info, err := store.Get(ctx, "report-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("data = %q", data)
	}
	if info.MimeType != "text/csv" || info.Filename != "report.csv" || info.Size != 8 {
		t.Errorf("info = %+v", info)
	}

	if err := store.Delete(ctx, "report-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := store.Get(ctx, "report-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "report-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, _ := NewLocalStore(dir)
	if _, err := first.Put(context.Background(), "img", bytes.NewReader([]byte{1, 2, 3}), PutOptions{MimeType: "image/png"}); err != nil {
		t.Fatal(err)
	}

	second, _ := NewLocalStore(dir)
	rc, info, err := second.Get(context.Background(), "img")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	rc.Close()
	if info.MimeType != "image/png" {
		t.Errorf("mime = %q", info.MimeType)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref    string
		wantID string
		wantOK bool
	}{
		{ref: "artifact://abc", wantID: "abc", wantOK: true},
		{ref: "artifact://", wantOK: false},
		{ref: "artifact://../etc/passwd", wantOK: false},
		{ref: "artifact://a/b", wantOK: false},
		{ref: "https://example.com/x", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, ok := ParseRef(tt.ref)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("ParseRef(%q) = %q, %v", tt.ref, id, ok)
			}
		})
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	if _, err := store.Put(context.Background(), "../escape", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Fatal("expected error for traversal id")
	}
}

// fakeS3 is a minimal path-style S3 endpoint.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	methods []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, r.Method+" "+r.URL.Path)
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Amz-Meta-Filename", "notes.txt")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("stored"))
		}
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"/bucket/parley/existing": []byte("stored")}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	store, err := Open(ctx, config.ArtifactsConfig{
		Backend: "s3",
		S3: config.S3Config{
			Bucket:          "bucket",
			Region:          "us-east-1",
			Endpoint:        srv.URL,
			Prefix:          "parley",
			AccessKeyID:     "test",
			SecretAccessKey: "test",
			UsePathStyle:    true,
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ref, err := store.Put(ctx, "new", strings.NewReader("payload"), PutOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "artifact://new" {
		t.Errorf("ref = %q", ref)
	}

	rc, info, err := store.Get(ctx, "existing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "stored" || info.Filename != "notes.txt" || info.MimeType != "text/plain" {
		t.Errorf("Get = %q, %+v", data, info)
	}

	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if ok, err := store.Exists(ctx, "missing"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.objects["/bucket/parley/new"]; !ok {
		t.Errorf("object not written under prefix; requests = %v", fake.methods)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), config.ArtifactsConfig{Backend: "ftp"}); err == nil {
		t.Fatal("expected error")
	}
}
