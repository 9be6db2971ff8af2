// Package vfs provides the per-run virtual file space: a private directory
// that input buffers are staged into before the engine starts and requested
// outputs are collected from after it exits.
package vfs

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

// MaxFileSize caps a single staged or collected file (1 GB).
const MaxFileSize = 1 << 30

// Space is a virtual file space backed by a temporary host directory.
// Virtual paths use forward slashes; a leading slash is relative to Root.
type Space struct {
	root string
}

// New creates an empty space under dir (os.TempDir when empty).
func New(dir string) (*Space, error) {
	root, err := os.MkdirTemp(dir, "stdiobridge-*")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStage, errors.KindInstantiation, err, "create file space")
	}
	return &Space{root: root}, nil
}

// Root returns the host directory backing the space.
func (s *Space) Root() string {
	return s.root
}

// Resolve maps a virtual path to a host path inside Root. Paths that would
// escape the space are rejected.
func (s *Space) Resolve(name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	rel := strings.TrimPrefix(clean, "/")
	if rel == "" || rel == "." {
		return "", errors.New(errors.PhaseStage, errors.KindInvalidInput).
			Path(name).
			Detail("empty virtual path").
			Build()
	}
	if !fs.ValidPath(rel) {
		return "", errors.New(errors.PhaseStage, errors.KindInvalidInput).
			Path(name).
			Detail("invalid virtual path").
			Build()
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// WriteFile writes data at a virtual path, creating parent directories.
func (s *Space) WriteFile(name string, data []byte) error {
	if len(data) > MaxFileSize {
		return errors.New(errors.PhaseStage, errors.KindInvalidInput).
			Path(name).
			Detail("file exceeds %d bytes", MaxFileSize).
			Build()
	}
	p, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(errors.PhaseStage, errors.KindInvalidData, err, "create parent directory")
	}
	if err := os.WriteFile(p, data, 0o644); err != nil { //nolint:gosec // private per-run directory
		return errors.Wrap(errors.PhaseStage, errors.KindInvalidData, err, "write "+name)
	}
	return nil
}

// ReadFile reads a virtual path. A missing file returns an error for which
// errors.Is(err, fs.ErrNotExist) reports true.
func (s *Space) ReadFile(name string) ([]byte, error) {
	p, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New(errors.PhaseCollect, errors.KindInvalidData).
			Path(name).
			Detail("is a directory").
			Build()
	}
	if info.Size() > MaxFileSize {
		return nil, errors.New(errors.PhaseCollect, errors.KindInvalidData).
			Path(name).
			Detail("file exceeds %d bytes", MaxFileSize).
			Build()
	}
	return os.ReadFile(p)
}

// Stage writes every input buffer into the space.
func (s *Space) Stage(files map[string][]byte) error {
	for name, data := range files {
		if err := s.WriteFile(name, data); err != nil {
			return err
		}
	}
	return nil
}

// Collect reads each requested path. Paths the engine never produced are
// absent from the result; other read failures are returned.
func (s *Space) Collect(paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, name := range paths {
		data, err := s.ReadFile(name)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				continue
			}
			var e *errors.Error
			if stderrors.As(err, &e) && e.Kind == errors.KindInvalidInput {
				continue
			}
			return nil, errors.New(errors.PhaseCollect, errors.KindInvalidData).
				Path(name).
				Cause(err).
				Detail("read output").
				Build()
		}
		out[name] = data
	}
	return out, nil
}

// Close removes the space and everything in it.
func (s *Space) Close() error {
	return os.RemoveAll(s.root)
}
