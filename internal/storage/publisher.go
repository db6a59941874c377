package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultPublishConcurrency = 4

// PublishError reports which object keys failed to upload. Publication is all
// or nothing; a partial remote package is worse than none.
type PublishError struct {
	Keys []string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed for %s: %v", strings.Join(e.Keys, ", "), e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher mirrors a local output directory into object storage.
type Publisher struct {
	Client      ObjectStorage
	Concurrency int
	ExcludeDirs []string
	Logger      *slog.Logger
}

// NewPublisher returns a Publisher that skips analysis scratch directories.
func NewPublisher(client ObjectStorage, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		Client:      client,
		Concurrency: defaultPublishConcurrency,
		ExcludeDirs: []string{"temp_frames"},
		Logger:      logger,
	}
}

// PublishDirectory uploads every regular file under dir to keyPrefix,
// preserving relative paths as key segments. The first failed upload cancels
// the remainder.
func (p *Publisher) PublishDirectory(ctx context.Context, dir, keyPrefix string) ([]ObjectReference, error) {
	files, err := p.collect(dir)
	if err != nil {
		return nil, err
	}

	limit := p.Concurrency
	if limit <= 0 {
		limit = defaultPublishConcurrency
	}

	var (
		mu     sync.Mutex
		refs   []ObjectReference
		failed []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, relative := range files {
		relative := relative
		group.Go(func() error {
			key := path.Join(keyPrefix, filepath.ToSlash(relative))
			body, err := os.ReadFile(filepath.Join(dir, relative))
			if err == nil {
				var ref ObjectReference
				ref, err = p.Client.Upload(groupCtx, key, contentTypeFor(relative), body)
				if err == nil {
					mu.Lock()
					refs = append(refs, ref)
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			failed = append(failed, key)
			mu.Unlock()
			return fmt.Errorf("publish %s: %w", key, err)
		})
	}
	if err := group.Wait(); err != nil {
		sort.Strings(failed)
		return nil, &PublishError{Keys: failed, Err: err}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	p.Logger.Info("published package", "dir", dir, "prefix", keyPrefix, "objects", len(refs))
	return refs, nil
}

// collect lists the relative paths of every publishable file under dir.
func (p *Publisher) collect(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			for _, excluded := range p.ExcludeDirs {
				if entry.Name() == excluded {
					return filepath.SkipDir
				}
			}
			return nil
		}
		relative, err := filepath.Rel(dir, entryPath)
		if err != nil {
			return err
		}
		files = append(files, relative)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk package dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
			return byExt
		}
		return "application/octet-stream"
	}
}
