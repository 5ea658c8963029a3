package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const maxEntrySize = 64 << 20

var ErrUnsafePath = errors.New("archive entry escapes destination")

type Entry struct {
	Name string
	Data []byte
}

// Entries reads every regular file of a ZIP archive held in memory.
func Entries(content []byte) ([]Entry, error) {
	r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	out := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		out = append(out, Entry{Name: f.Name, Data: data})
	}
	return out, nil
}

// XML filters entries down to .xml files, matched case-insensitively.
func XML(entries []Entry) []Entry {
	out := []Entry{}
	for _, e := range entries {
		if strings.EqualFold(path.Ext(e.Name), ".xml") {
			out = append(out, e)
		}
	}
	return out
}

// ExtractTo writes every file of the archive under dest and returns the
// written paths. Parent references in entry names are clamped to dest.
func ExtractTo(content []byte, dest string) ([]string, error) {
	entries, err := Entries(content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(entries))
	for _, e := range entries {
		target, err := safeJoin(root, e.Name)
		if err != nil {
			return written, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(target, e.Data, 0o644); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(path.Clean("/"+name)))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry too large (%d bytes)", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
}
