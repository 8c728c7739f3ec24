package blob

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mss-industries/configurator/internal/config"
)

// New constructs the blob store selected by cfg.Backend.
// Called once at server startup.
func New(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "fs":
		return NewFSStore(cfg.FS.Root, cfg.FS.PublicURL, logger)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsFile, cfg.GCS.PublicURL)
	default:
		return nil, fmt.Errorf("unknown blob backend %q: must be one of fs, gcs", cfg.Backend)
	}
}
