package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DocumentName is the file each session's data is written to.
const DocumentName = "database.json"

// FileBackend writes one document per identity at <dir>/<identity>/database.json.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a FileBackend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (f *FileBackend) folder(identity string) (string, error) {
	if identity == "" || identity == "." || identity == ".." ||
		strings.ContainsAny(identity, `/\`) {
		return "", fmt.Errorf("store: invalid identity %q", identity)
	}
	return filepath.Join(f.dir, identity), nil
}

// Provision creates the identity's folder.
func (f *FileBackend) Provision(_ context.Context, identity string) error {
	dir, err := f.folder(identity)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o750)
}

func (f *FileBackend) Load(_ context.Context, identity string) ([]byte, error) {
	dir, err := f.folder(identity)
	if err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(filepath.Join(dir, DocumentName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return doc, err
}

// Save replaces the document atomically via a temp file and rename.
func (f *FileBackend) Save(_ context.Context, identity string, doc []byte) error {
	dir, err := f.folder(identity)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, DocumentName+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, DocumentName))
}

func (f *FileBackend) Close() error {
	return nil
}
