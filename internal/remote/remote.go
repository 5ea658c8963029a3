package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var ErrNotFound = errors.New("remote file not found")

type ConflictPolicy string

const (
	PolicySkip    ConflictPolicy = "skip"
	PolicyReplace ConflictPolicy = "replace"
)

func ParsePolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicySkip, "":
		return PolicySkip, nil
	case PolicyReplace:
		return PolicyReplace, nil
	}
	return "", fmt.Errorf("unknown upload mode %q", value)
}

// Uploader copies a local file to a slash-separated remote path. It reports
// false when the policy left an existing remote file untouched.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string, policy ConflictPolicy) (bool, error)
}

type Downloader interface {
	Download(ctx context.Context, remotePath, localPath string) error
}

type Store interface {
	Uploader
	Downloader
	Name() string
}

// UploadDir mirrors localDir under remoteDir. Dot-files, such as the .done
// markers, stay local.
func UploadDir(ctx context.Context, up Uploader, localDir, remoteDir string, policy ConflictPolicy) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != localDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		ok, err := up.Upload(ctx, p, path.Join(remoteDir, filepath.ToSlash(rel)), policy)
		if err != nil {
			return err
		}
		if ok {
			uploaded++
		}
		return nil
	})
	return uploaded, err
}

// Layout names the remote folders artefacts go to.
type Layout struct {
	Root           string
	DateSubfolders bool
}

func (l Layout) dated(dir string, at time.Time) string {
	if l.DateSubfolders {
		return path.Join(l.Root, dir, at.Format(time.DateOnly))
	}
	return path.Join(l.Root, dir)
}

func (l Layout) Archives(at time.Time) string {
	return l.dated("adjuntos", at)
}

func (l Layout) Extracted(at time.Time) string {
	return l.dated("extraidos", at)
}

func (l Layout) Workbooks() string {
	return path.Join(l.Root, "excel")
}

func cleanRemote(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}
