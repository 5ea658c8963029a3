package connectors

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"facturas/internal"
	"facturas/internal/storage"
)

// ArchiveStore persists matched supplier archives next to each other in one
// directory and records them in the state database.
type ArchiveStore struct {
	db       *storage.DB
	dir      string
	provider string
}

func NewArchiveStore(db *storage.DB, dir, provider string) *ArchiveStore {
	return &ArchiveStore{db: db, dir: dir, provider: provider}
}

// Store writes the archive once. A different archive with the same name is
// kept under a hash-suffixed name.
func (s *ArchiveStore) Store(doc *internal.SourceDocument) (string, error) {
	hashBytes := sha256.Sum256(doc.Content)
	hash := hex.EncodeToString(hashBytes[:])

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, doc.SafeFileName())
	existing, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.WriteFile(path, doc.Content, 0o644); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	case !bytes.Equal(existing, doc.Content):
		ext := filepath.Ext(path)
		path = strings.TrimSuffix(path, ext) + "_" + hash[:8] + ext
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, doc.Content, 0o644); err != nil {
				return "", err
			}
		}
	}

	if s.db != nil {
		err := s.db.UpsertSourceDocument(internal.SourceDocumentRow{
			Provider:     s.provider,
			MessageID:    doc.MessageID,
			AttachmentID: doc.AttachmentID,
			FileName:     doc.FileName,
			Folder:       doc.Folder(),
			ReceivedAt:   doc.ReceivedAt.UTC().Format(time.RFC3339),
			Hash:         hash,
			LocalPath:    path,
		})
		if err != nil {
			return path, err
		}
	}
	return path, nil
}
