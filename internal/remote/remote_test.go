package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type fakeFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	parent   string
	data     []byte
}

// fakeDrive answers the handful of Drive v3 calls DriveStore makes.
type fakeDrive struct {
	mu      sync.Mutex
	files   map[string]*fakeFile
	nextID  int
	uploads int
}

var reQuery = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)' and '([^']*)' in parents`)

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: map[string]*fakeFile{}}
}

func respond(status int, body any) *http.Response {
	var blob []byte
	switch b := body.(type) {
	case []byte:
		blob = b
	default:
		blob, _ = json.Marshal(b)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(blob))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func (d *fakeDrive) roundTrip(r *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/drive/v3/files"):
		m := reQuery.FindStringSubmatch(r.URL.Query().Get("q"))
		out := []*fakeFile{}
		if m != nil {
			name := strings.ReplaceAll(m[1], `\'`, `'`)
			for _, f := range d.files {
				if f.Name == name && f.parent == m[2] {
					out = append(out, f)
				}
			}
		}
		return respond(http.StatusOK, map[string]any{"files": out}), nil

	case r.Method == http.MethodGet && strings.Contains(p, "/drive/v3/files/"):
		f, ok := d.files[p[strings.LastIndex(p, "/")+1:]]
		if !ok {
			return respond(http.StatusNotFound, map[string]any{}), nil
		}
		return respond(http.StatusOK, f.data), nil

	case r.Method == http.MethodPost && strings.HasSuffix(p, "/drive/v3/files") && !strings.Contains(p, "/upload/"):
		var meta drive.File
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			return nil, err
		}
		return respond(http.StatusOK, d.create(meta, nil)), nil

	case strings.Contains(p, "/upload/drive/v3/files"):
		meta, data, err := readMultipart(r)
		if err != nil {
			return nil, err
		}
		d.uploads++
		if r.Method == http.MethodPatch {
			f := d.files[p[strings.LastIndex(p, "/")+1:]]
			f.data = data
			return respond(http.StatusOK, f), nil
		}
		return respond(http.StatusOK, d.create(meta, data)), nil
	}
	return nil, fmt.Errorf("unexpected %s %s", r.Method, p)
}

func (d *fakeDrive) create(meta drive.File, data []byte) *fakeFile {
	d.nextID++
	f := &fakeFile{ID: fmt.Sprintf("id%d", d.nextID), Name: meta.Name, MimeType: meta.MimeType, data: data}
	if len(meta.Parents) > 0 {
		f.parent = meta.Parents[0]
	}
	d.files[f.ID] = f
	return f
}

func (d *fakeDrive) byName(name string) *fakeFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readMultipart(r *http.Request) (drive.File, []byte, error) {
	var meta drive.File
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return meta, nil, err
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		return meta, nil, err
	}
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		return meta, nil, err
	}
	part, err = mr.NextPart()
	if err != nil {
		return meta, nil, err
	}
	data, err := io.ReadAll(part)
	return meta, data, err
}

func newDriveStore(t *testing.T, fake *fakeDrive) *DriveStore {
	client := &http.Client{Transport: roundTripFunc(fake.roundTrip)}
	svc, err := drive.NewService(context.Background(), option.WithHTTPClient(client))
	require.NoError(t, err)
	return NewDriveStoreWithService(svc, "root", zap.NewNop())
}

func writeFile(t *testing.T, p, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDriveStoreUploadPolicies(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive()
	store := newDriveStore(t, fake)
	local := writeFile(t, filepath.Join(t.TempDir(), "facturas.xlsx"), "v1")

	ok, err := store.Upload(ctx, local, "Facturas/excel/facturas.xlsx", PolicyReplace)
	require.NoError(t, err)
	assert.True(t, ok)

	folder := fake.byName("excel")
	require.NotNil(t, folder)
	assert.Equal(t, folderMimeType, folder.MimeType)
	assert.Equal(t, fake.byName("Facturas").ID, folder.parent)

	writeFile(t, local, "v2")
	ok, err = store.Upload(ctx, local, "Facturas/excel/facturas.xlsx", PolicySkip)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "v1", string(fake.byName("facturas.xlsx").data))

	ok, err = store.Upload(ctx, local, "Facturas/excel/facturas.xlsx", PolicyReplace)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(fake.byName("facturas.xlsx").data))
	assert.Equal(t, 2, fake.uploads)
}

func TestDriveStoreDownload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDrive()
	store := newDriveStore(t, fake)
	local := writeFile(t, filepath.Join(t.TempDir(), "a.xlsx"), "approvals")

	_, err := store.Upload(ctx, local, "Facturas/excel/Aprobaciones.xlsx", PolicySkip)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.xlsx")
	require.NoError(t, store.Download(ctx, "Facturas/excel/Aprobaciones.xlsx", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "approvals", string(data))

	err = store.Download(ctx, "Facturas/excel/missing.xlsx", dest)
	assert.ErrorIs(t, err, ErrNotFound)
	err = store.Download(ctx, "Otra/x.xlsx", dest)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadDirSkipsDotFiles(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "FE1", "fe1.xml"), "<x/>")
	writeFile(t, filepath.Join(src, "FE1", ".done"), "2025")
	writeFile(t, filepath.Join(src, "FE2", "sub", "fe2.pdf"), "%PDF")
	writeFile(t, filepath.Join(src, ".cache", "junk"), "x")

	root := t.TempDir()
	store := NewDirStore(root)

	n, err := UploadDir(ctx, store, src, "Facturas/extraidos", PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(root, "Facturas", "extraidos", "FE1", "fe1.xml"))
	assert.FileExists(t, filepath.Join(root, "Facturas", "extraidos", "FE2", "sub", "fe2.pdf"))
	assert.NoFileExists(t, filepath.Join(root, "Facturas", "extraidos", "FE1", ".done"))
	assert.NoDirExists(t, filepath.Join(root, "Facturas", "extraidos", ".cache"))

	n, err = UploadDir(ctx, store, src, "Facturas/extraidos", PolicySkip)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	local := writeFile(t, filepath.Join(t.TempDir(), "f.txt"), "one")

	_, err := store.Upload(ctx, local, "../escape.txt", PolicyReplace)
	assert.Error(t, err)

	ok, err := store.Upload(ctx, local, "a/f.txt", PolicySkip)
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.Download(ctx, "a/none.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayout(t *testing.T) {
	at := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)
	flat := Layout{Root: "Facturas"}
	assert.Equal(t, "Facturas/adjuntos", flat.Archives(at))
	assert.Equal(t, "Facturas/excel", flat.Workbooks())

	dated := Layout{Root: "Facturas", DateSubfolders: true}
	assert.Equal(t, "Facturas/extraidos/2025-11-20", dated.Extracted(at))

	p, err := ParsePolicy(" Replace ")
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p)
	_, err = ParsePolicy("merge")
	assert.Error(t, err)
}
