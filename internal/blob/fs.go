package blob

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore keeps blobs under a local directory, one subdirectory per
// container. A blob's expiry is recorded as its modification time.
type FSStore struct {
	root      string
	publicURL string
	logger    *slog.Logger
}

func NewFSStore(root, publicURL string, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root, publicURL: strings.TrimSuffix(publicURL, "/"), logger: logger}, nil
}

func (s *FSStore) Fetch(ctx context.Context, container, name string) ([]byte, error) {
	key, err := objectKey(container, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, dependencyErr("fetch", key, err)
	}
	return data, nil
}

func (s *FSStore) Put(ctx context.Context, container, name string, data []byte, ttl time.Duration) (string, error) {
	key, err := objectKey(container, name)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", dependencyErr("put", key, err)
	}

	// Write then rename so readers never see a partial file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", dependencyErr("put", key, err)
	}
	expires := time.Now().Add(ttl)
	if err := os.Chtimes(tmp, expires, expires); err != nil {
		os.Remove(tmp)
		return "", dependencyErr("put", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", dependencyErr("put", key, err)
	}

	return s.publicURL + "/" + key, nil
}

// Sweep deletes every blob in container whose expiry has passed and returns
// how many were removed.
func (s *FSStore) Sweep(container string, now time.Time) (int, error) {
	dir := filepath.Join(s.root, container)
	removed := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(now) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep %s: %w", container, err)
	}
	return removed, nil
}

// RunSweeper calls Sweep on container every interval until ctx is done.
func (s *FSStore) RunSweeper(ctx context.Context, container string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Sweep(container, now)
			if err != nil {
				s.logger.Warn("blob sweep failed", "container", container, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired blobs removed", "container", container, "count", n)
			}
		}
	}
}

// Handler serves the blobs of container. Expired blobs are reported as not
// found even before the sweeper removes them.
func (s *FSStore) Handler(container string) http.Handler {
	dir := filepath.Join(s.root, container)
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := objectKey(container, strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		info, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(key)))
		if err != nil || info.IsDir() || info.ModTime().Before(time.Now()) {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(key, ".glb") {
			w.Header().Set("Content-Type", GLBContentType)
		}
		files.ServeHTTP(w, r)
	})
}

var _ Store = (*FSStore)(nil)
