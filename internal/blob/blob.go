// Package blob stores style templates and generated previews.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrDependency wraps every storage failure. The executor treats it as a
// dependency outage and fails the job without retrying.
var ErrDependency = errors.New("blob storage unavailable")

// ErrInvalidName is returned for names that would escape their container.
var ErrInvalidName = errors.New("invalid blob name")

// GLBContentType is the media type of generated previews.
const GLBContentType = "model/gltf-binary"

// Store reads and writes blobs grouped into containers.
type Store interface {
	// Fetch returns the full contents of container/name.
	Fetch(ctx context.Context, container, name string) ([]byte, error)
	// Put writes data to container/name and returns a URL that serves it
	// until ttl has elapsed.
	Put(ctx context.Context, container, name string, data []byte, ttl time.Duration) (string, error)
}

// objectKey joins container and name, rejecting names that are empty,
// absolute, or climb out of the container.
func objectKey(container, name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if container == "" || clean == "" || clean != strings.TrimPrefix(name, "/") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return container + "/" + clean, nil
}

func dependencyErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrDependency, op, key, err)
}
