package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type recordingObjectStorage struct {
	mu      sync.Mutex
	uploads map[string]string // key -> content type
	failOn  map[string]error
}

func newRecordingObjectStorage() *recordingObjectStorage {
	return &recordingObjectStorage{uploads: make(map[string]string), failOn: make(map[string]error)}
}

func (r *recordingObjectStorage) Enabled() bool { return true }

func (r *recordingObjectStorage) Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	if err, ok := r.failOn[key]; ok {
		return ObjectReference{}, err
	}
	r.mu.Lock()
	r.uploads[key] = contentType
	r.mu.Unlock()
	return ObjectReference{Key: key, URL: "https://cdn.example.com/" + key}, nil
}

func (r *recordingObjectStorage) Delete(ctx context.Context, key string) error { return nil }

func (r *recordingObjectStorage) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func publisherTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePackageTree(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"master.m3u8":             "#EXTM3U\n",
		"720p.m3u8":               "#EXTM3U\n",
		"720p_000.ts":             "segment",
		"thumbnail.jpg":           "jpg",
		"temp_frames/frame-1.png": "png",
		"temp_frames/frame-2.png": "png",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestPublishDirectoryUploadsEverything(t *testing.T) {
	dir := t.TempDir()
	writePackageTree(t, dir)
	client := newRecordingObjectStorage()
	publisher := NewPublisher(client, publisherTestLogger())

	refs, err := publisher.PublishDirectory(context.Background(), dir, "videos/abc")
	if err != nil {
		t.Fatalf("PublishDirectory: %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("expected 4 uploads, got %d", len(refs))
	}
	if ct := client.uploads["videos/abc/master.m3u8"]; ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("manifest content type = %q", ct)
	}
	if ct := client.uploads["videos/abc/720p_000.ts"]; ct != "video/mp2t" {
		t.Fatalf("segment content type = %q", ct)
	}
	if ct := client.uploads["videos/abc/thumbnail.jpg"]; ct != "image/jpeg" {
		t.Fatalf("thumbnail content type = %q", ct)
	}
}

func TestPublishDirectorySkipsScratchDirs(t *testing.T) {
	dir := t.TempDir()
	writePackageTree(t, dir)
	client := newRecordingObjectStorage()
	publisher := NewPublisher(client, publisherTestLogger())

	if _, err := publisher.PublishDirectory(context.Background(), dir, "videos/abc"); err != nil {
		t.Fatalf("PublishDirectory: %v", err)
	}
	for key := range client.uploads {
		if filepath.Base(filepath.Dir(key)) == "temp_frames" {
			t.Fatalf("scratch file uploaded: %s", key)
		}
	}
}

func TestPublishDirectoryFailsWhole(t *testing.T) {
	dir := t.TempDir()
	writePackageTree(t, dir)
	client := newRecordingObjectStorage()
	client.failOn["videos/abc/720p_000.ts"] = errors.New("remote unavailable")
	publisher := NewPublisher(client, publisherTestLogger())

	_, err := publisher.PublishDirectory(context.Background(), dir, "videos/abc")
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if len(publishErr.Keys) == 0 || publishErr.Keys[0] != "videos/abc/720p_000.ts" {
		t.Fatalf("failed keys = %v", publishErr.Keys)
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"master.m3u8": "application/vnd.apple.mpegurl",
		"720p_001.ts": "video/mp2t",
		"poster.jpeg": "image/jpeg",
		"frame.png":   "image/png",
		"blob.bin":    "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeFor(name); got != want {
			t.Fatalf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}
