// Package blob stores rendered artifacts on the local filesystem and
// hands out stable URLs for them.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// Store persists named artifacts and resolves them to URLs.
type Store interface {
	// Put writes the artifact under name and returns its URL. An
	// existing artifact with the same name is replaced atomically.
	Put(ctx context.Context, name string, r io.Reader) (string, error)

	// Exists reports whether an artifact with the given name is stored.
	Exists(name string) bool

	// URL returns the URL an artifact would be served under.
	URL(name string) string

	// Delete removes the named artifact. Deleting a missing artifact is
	// not an error.
	Delete(name string) error
}

// LocalStore keeps artifacts in a flat directory. URLs are formed by
// joining the configured base URL with the artifact name, so the
// directory can be served by any static file server.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the artifact directory if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeBlobStore,
			fmt.Sprintf("failed to create artifact directory %s", dir), err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return "", deckerrors.New(deckerrors.ErrCodeBlobStore, "failed to create temp artifact", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", deckerrors.New(deckerrors.ErrCodeBlobStore,
			fmt.Sprintf("failed to write artifact %s", name), err)
	}
	if err := tmp.Close(); err != nil {
		return "", deckerrors.New(deckerrors.ErrCodeBlobStore,
			fmt.Sprintf("failed to close artifact %s", name), err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return "", deckerrors.New(deckerrors.ErrCodeBlobStore,
			fmt.Sprintf("failed to publish artifact %s", name), err)
	}
	return s.URL(name), nil
}

func (s *LocalStore) Exists(name string) bool {
	if validName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && !info.IsDir()
}

func (s *LocalStore) URL(name string) string {
	return s.baseURL + "/" + name
}

func (s *LocalStore) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return deckerrors.New(deckerrors.ErrCodeBlobStore,
			fmt.Sprintf("failed to delete artifact %s", name), err)
	}
	return nil
}

// Path returns the filesystem location for name. Renderers write
// through Put; Path exists for serving the directory over HTTP.
func (s *LocalStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Dir returns the artifact directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// validName rejects names that would escape the artifact directory.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return deckerrors.ValidationError(fmt.Sprintf("invalid artifact name %q", name), nil)
	}
	return nil
}
