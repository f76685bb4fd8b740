package filesvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/nodeforge/internal/apperr"
)

// LocalObjects is a filesystem-backed ObjectStore rooted at a directory,
// with the same traversal-confinement resolve step the teacher's
// internal/memory.Workspace uses for its sandboxed file workspace: every
// storage path is cleaned, joined under the root, symlink-resolved, and
// rejected unless it still falls under the root. It stands in for the
// real object store (S3, GCS, ...) this service is deployed against; spec
// §1 explicitly places the object store itself out of scope.
type LocalObjects struct {
	rootDir string
}

func NewLocalObjects(rootDir string) (*LocalObjects, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("filesvc: resolve object root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filesvc: create object root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("filesvc: eval symlinks on object root: %w", err)
	}
	return &LocalObjects{rootDir: resolved}, nil
}

func (o *LocalObjects) resolve(storagePath string) (string, error) {
	if storagePath == "" {
		return "", apperr.InvalidArgumentf("empty storage path")
	}
	cleaned := filepath.Clean(storagePath)
	full := filepath.Join(o.rootDir, cleaned)
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", apperr.Internalf("resolve storage path: %v", err)
	}
	if abs != o.rootDir && !strings.HasPrefix(abs, o.rootDir+string(filepath.Separator)) {
		return "", apperr.PermissionDeniedf("storage path escapes object root: %s", storagePath)
	}
	return abs, nil
}

// Get implements ObjectStore.Get.
func (o *LocalObjects) Get(ctx context.Context, storagePath string) ([]byte, error) {
	full, err := o.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("object %q not found", storagePath)
		}
		return nil, fmt.Errorf("filesvc: read object: %w", err)
	}
	return data, nil
}

// Put writes data at storagePath, used by the upload endpoint that assigns
// a File row its storage_path before the row is committed.
func (o *LocalObjects) Put(ctx context.Context, storagePath string, data []byte) error {
	full, err := o.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("filesvc: create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("filesvc: write object: %w", err)
	}
	return nil
}
