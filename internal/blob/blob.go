// Package blob stores uploads, reports and cache exports as opaque objects.
package blob

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/config"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = eris.New("blob: not found")

// Store reads and writes whole objects by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the Store selected by cfg.Driver.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Driver {
	case "gcs":
		g, err := NewGCS(ctx, cfg.Bucket, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "fs", "":
		f, err := NewFS(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, eris.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}

// JobOutputKey is the report locator for a job.
func JobOutputKey(jobID string) string {
	return "jobs/" + jobID + "/output.csv"
}

// JobCacheKey is the cache export locator for a job.
func JobCacheKey(jobID string) string {
	return "jobs/" + jobID + "/cache.csv"
}

// UploadKey is the locator for an uploaded spreadsheet.
func UploadKey(uploadID, filename string) string {
	return "uploads/" + uploadID + "/" + filename
}
