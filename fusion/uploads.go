package fusion

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// maxImageBytes caps a single uploaded frame.
const maxImageBytes = 32 << 20

// UploadStore keeps uploaded frames on local disk until they are resolved
type UploadStore struct {
	dir string
}

// NewUploadStore creates the upload directory if needed
func NewUploadStore(dir string) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir %s: %w", dir, err)
	}
	return &UploadStore{dir: dir}, nil
}

// Dir returns the upload directory
func (us *UploadStore) Dir() string {
	return us.dir
}

// Save writes r under a unique name derived from name and returns the
// stored file name and full path.
func (us *UploadStore) Save(name string, r io.Reader) (string, string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "frame.jpg"
	}
	stored := uuid.NewString() + "_" + base
	path := filepath.Join(us.dir, stored)

	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("saving upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxImageBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxImageBytes {
		err = fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("saving upload: %w", err)
	}
	return stored, path, nil
}

// Remove deletes a stored frame; paths outside the upload dir are ignored
func (us *UploadStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(us.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s outside %s", path, us.dir)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload: %w", err)
	}
	return nil
}

// Clear removes every file in the upload directory
func (us *UploadStore) Clear() (int, error) {
	entries, err := os.ReadDir(us.dir)
	if err != nil {
		return 0, fmt.Errorf("reading upload dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(us.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("clearing upload dir: %w", err)
		}
		removed++
	}
	return removed, nil
}
