package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"golang.org/x/oauth2"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveStore keeps artefacts in Google Drive under a root folder. Paths are
// resolved segment by segment and folders are created on demand.
type DriveStore struct {
	service *drive.Service
	rootID  string
	log     *zap.Logger

	mu      sync.Mutex
	folders map[string]string
}

func NewDriveStore(ctx context.Context, tokenSource oauth2.TokenSource, rootID string, log *zap.Logger) (*DriveStore, error) {
	svc, err := drive.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}
	return NewDriveStoreWithService(svc, rootID, log), nil
}

func NewDriveStoreWithService(svc *drive.Service, rootID string, log *zap.Logger) *DriveStore {
	if rootID == "" {
		rootID = "root"
	}
	return &DriveStore{service: svc, rootID: rootID, log: log.Named("drive"), folders: map[string]string{}}
}

func (s *DriveStore) Name() string {
	return "drive"
}

func quote(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func (s *DriveStore) child(ctx context.Context, parentID, name string, folder bool) (*drive.File, error) {
	q := fmt.Sprintf("name = %s and %s in parents and trashed = false", quote(name), quote(parentID))
	if folder {
		q += " and mimeType = " + quote(folderMimeType)
	}
	resp, err := s.service.Files.List().Q(q).Fields("files(id, name, mimeType)").PageSize(10).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Files) == 0 {
		return nil, nil
	}
	return resp.Files[0], nil
}

// folderID returns the id of dir, creating missing segments when create is set.
func (s *DriveStore) folderID(ctx context.Context, dir string, create bool) (string, error) {
	dir = cleanRemote(dir)
	if dir == "" || dir == "." {
		return s.rootID, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.folders[dir]; ok {
		return id, nil
	}

	parent := s.rootID
	current := ""
	for _, seg := range strings.Split(dir, "/") {
		current = path.Join(current, seg)
		if id, ok := s.folders[current]; ok {
			parent = id
			continue
		}
		f, err := s.child(ctx, parent, seg, true)
		if err != nil {
			return "", err
		}
		if f == nil {
			if !create {
				return "", fmt.Errorf("%w: %s", ErrNotFound, current)
			}
			f, err = s.service.Files.Create(&drive.File{Name: seg, MimeType: folderMimeType, Parents: []string{parent}}).
				Fields("id").Context(ctx).Do()
			if err != nil {
				return "", fmt.Errorf("create folder %s: %w", current, err)
			}
			s.log.Debug("folder created", zap.String("path", current))
		}
		s.folders[current] = f.Id
		parent = f.Id
	}
	return parent, nil
}

func (s *DriveStore) Upload(ctx context.Context, localPath, remotePath string, policy ConflictPolicy) (bool, error) {
	remotePath = cleanRemote(remotePath)
	parentID, err := s.folderID(ctx, path.Dir(remotePath), true)
	if err != nil {
		return false, err
	}
	name := path.Base(remotePath)

	existing, err := s.child(ctx, parentID, name, false)
	if err != nil {
		return false, err
	}
	if existing != nil && policy == PolicySkip {
		s.log.Debug("upload skipped", zap.String("path", remotePath))
		return false, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if existing != nil {
		_, err = s.service.Files.Update(existing.Id, &drive.File{}).Media(f).Context(ctx).Do()
	} else {
		_, err = s.service.Files.Create(&drive.File{Name: name, Parents: []string{parentID}}).Media(f).Context(ctx).Do()
	}
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", remotePath, err)
	}
	s.log.Info("uploaded", zap.String("path", remotePath))
	return true, nil
}

func (s *DriveStore) Download(ctx context.Context, remotePath, localPath string) error {
	remotePath = cleanRemote(remotePath)
	parentID, err := s.folderID(ctx, path.Dir(remotePath), false)
	if err != nil {
		return err
	}
	file, err := s.child(ctx, parentID, path.Base(remotePath), false)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}

	resp, err := s.service.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
