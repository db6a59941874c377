package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
}

type memoryS3Request struct {
	Method        string
	Key           string
	Authorization string
	ContentSHA    string
	ContentType   string
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{objects: make(map[string]map[string][]byte)}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; !exists {
		m.objects[name] = make(map[string][]byte)
	}
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func parseS3Path(path string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unexpected object path %q", path)
	}
	return parts[0], parts[1], nil
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Key:           key,
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
		ContentType:   r.Header.Get("Content-Type"),
	})
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func newTestObjectStorage(t *testing.T, server *memoryS3Server, prefix string) ObjectStorage {
	t.Helper()
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return NewObjectStorage(ObjectStorageConfig{
		Endpoint:  ts.URL,
		Region:    "us-east-1",
		Bucket:    "vod",
		Prefix:    prefix,
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})
}

func TestObjectStorageUploadSignsAndStores(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("vod")
	client := newTestObjectStorage(t, server, "")

	ref, err := client.Upload(context.Background(), "abc/master.m3u8", "application/vnd.apple.mpegurl", []byte("#EXTM3U\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Key != "abc/master.m3u8" {
		t.Fatalf("key = %q", ref.Key)
	}
	stored, ok := server.getObject("vod", "abc/master.m3u8")
	if !ok {
		t.Fatal("object not stored")
	}
	if string(stored) != "#EXTM3U\n" {
		t.Fatalf("stored body = %q", stored)
	}
	request := server.lastRequest()
	if !strings.HasPrefix(request.Authorization, "AWS4-HMAC-SHA256 Credential=test-access/") {
		t.Fatalf("authorization = %q", request.Authorization)
	}
	if request.ContentSHA == "" {
		t.Fatal("payload hash header missing")
	}
	if request.ContentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q", request.ContentType)
	}
}

func TestObjectStorageAppliesPrefix(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("vod")
	client := newTestObjectStorage(t, server, "videos")

	ref, err := client.Upload(context.Background(), "abc/720p.m3u8", "", []byte("data"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Key != "videos/abc/720p.m3u8" {
		t.Fatalf("key = %q", ref.Key)
	}
	if _, ok := server.getObject("vod", "videos/abc/720p.m3u8"); !ok {
		t.Fatal("prefixed object not stored")
	}
}

func TestObjectStorageDelete(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("vod")
	client := newTestObjectStorage(t, server, "")

	if _, err := client.Upload(context.Background(), "abc/thumbnail.jpg", "image/jpeg", []byte("jpg")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := client.Delete(context.Background(), "abc/thumbnail.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := server.getObject("vod", "abc/thumbnail.jpg"); ok {
		t.Fatal("object survived delete")
	}
}

func TestObjectStorageUploadFailureStatus(t *testing.T) {
	server := newMemoryS3Server()
	// Bucket never created, so every request is a 404.
	client := newTestObjectStorage(t, server, "")

	if _, err := client.Upload(context.Background(), "abc/master.m3u8", "", []byte("data")); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestPublicURLVirtualHostedDefault(t *testing.T) {
	client := NewObjectStorage(ObjectStorageConfig{
		Bucket: "vod-bucket",
		Region: "eu-west-1",
	})
	got := client.PublicURL("abc/master.m3u8")
	want := "https://vod-bucket.s3.eu-west-1.amazonaws.com/abc/master.m3u8"
	if got != want {
		t.Fatalf("public url = %q, want %q", got, want)
	}
}

func TestPublicURLConfiguredEndpointWins(t *testing.T) {
	client := NewObjectStorage(ObjectStorageConfig{
		Bucket:         "vod",
		Region:         "us-east-1",
		PublicEndpoint: "https://cdn.example.com/media/",
	})
	got := client.PublicURL("/abc/master.m3u8")
	if got != "https://cdn.example.com/media/abc/master.m3u8" {
		t.Fatalf("public url = %q", got)
	}
}

func TestNewObjectStorageWithoutBucketIsNoop(t *testing.T) {
	client := NewObjectStorage(ObjectStorageConfig{})
	if client.Enabled() {
		t.Fatal("expected noop client")
	}
	if _, err := client.Upload(context.Background(), "key", "", nil); err != nil {
		t.Fatalf("noop upload: %v", err)
	}
}
