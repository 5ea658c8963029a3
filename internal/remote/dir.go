package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DirStore is a remote store backed by a local directory, such as a synced
// network share.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) Name() string {
	return "dir"
}

func (s *DirStore) resolve(remotePath string) (string, error) {
	rel := cleanRemote(remotePath)
	if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.New("invalid remote path: " + remotePath)
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *DirStore) Upload(ctx context.Context, localPath, remotePath string, policy ConflictPolicy) (bool, error) {
	dest, err := s.resolve(remotePath)
	if err != nil {
		return false, err
	}
	if policy == PolicySkip {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	if err := copyFile(localPath, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DirStore) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := s.resolve(remotePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return copyFile(src, localPath)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
