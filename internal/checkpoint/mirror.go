package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/storage"
)

// Mirror uploads finished checkpoint directories to a blob store so a
// crawl can be recovered on another host.
type Mirror struct {
	blobs  storage.BlobStore
	logger *zap.Logger
}

// NewMirror returns a Mirror writing to blobs.
func NewMirror(blobs storage.BlobStore, logger *zap.Logger) (*Mirror, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{blobs: blobs, logger: logger}, nil
}

// Upload copies every regular file under dir to <name>/<relative path>
// and returns the number of files written.
func (m *Mirror) Upload(ctx context.Context, dir, name string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(name, filepath.ToSlash(rel))
		f, err := os.Open(p) // #nosec G304 -- walking our own checkpoint dir.
		if err != nil {
			return err
		}
		uri, err := m.blobs.PutObject(ctx, key, contentType(rel), f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		if closeErr != nil {
			return closeErr
		}
		m.logger.Debug("checkpoint file mirrored", zap.String("uri", uri))
		uploaded++
		return nil
	})
	return uploaded, err
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".manifest", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
