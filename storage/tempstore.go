package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/tumorscan/tumor-analyzer/logging"
)

var log = logging.Logger("tumor-storage")

const tempSuffix = ".jpg"

var (
	ErrEmptyUpload = errors.New("empty upload")
	ErrNotImage    = errors.New("upload is not an image")
)

// TempStore keeps each request's upload in its own uniquely named file.
type TempStore struct {
	dir string
}

func NewTempStore(dir string) (*TempStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tumor-analyzer")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempStore{dir: dir}, nil
}

func (s *TempStore) Dir() string {
	return s.dir
}

// Save writes data to <dir>/<uuid>.jpg and returns the path. The file is
// created exclusively, so a name is never shared between requests.
func (s *TempStore) Save(data []byte) (string, error) {
	path := filepath.Join(s.dir, uuid.NewString()+tempSuffix)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

// SniffImage checks the upload's magic bytes and returns the detected type.
func SniffImage(data []byte) (types.Type, error) {
	if len(data) == 0 {
		return types.Unknown, ErrEmptyUpload
	}
	kind, err := filetype.Image(data)
	if err != nil {
		return types.Unknown, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if kind == types.Unknown {
		return types.Unknown, ErrNotImage
	}
	return kind, nil
}
