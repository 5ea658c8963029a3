package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"facturas/internal"
	"facturas/internal/connectors"
	"facturas/internal/storage"
)

const doneMarker = ".done"

// ErrAlreadyProcessed is returned by MarkProcessed when another run set the
// marker first.
var ErrAlreadyProcessed = errors.New("source document already processed")

// Tracker owns the two durable "once" boundaries: the .done marker of an
// extraction folder and the acknowledged flag of an approval.
type Tracker struct {
	extractDir string
	mailbox    connectors.Mailbox
	db         *storage.DB
}

func New(extractDir string, mailbox connectors.Mailbox, db *storage.DB) *Tracker {
	return &Tracker{extractDir: extractDir, mailbox: mailbox, db: db}
}

func (t *Tracker) FolderPath(doc *internal.SourceDocument) string {
	return filepath.Join(t.extractDir, doc.Folder())
}

func (t *Tracker) markerPath(doc *internal.SourceDocument) string {
	return filepath.Join(t.FolderPath(doc), doneMarker)
}

func (t *Tracker) IsProcessed(doc *internal.SourceDocument) bool {
	_, err := os.Stat(t.markerPath(doc))
	return err == nil
}

// MarkProcessed creates the marker exclusively so two writers cannot both
// claim the folder.
func (t *Tracker) MarkProcessed(doc *internal.SourceDocument, records int) error {
	if err := os.MkdirAll(t.FolderPath(doc), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.markerPath(doc), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, doc.Folder())
		}
		return err
	}
	_, werr := fmt.Fprintf(f, "%s\n", time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return werr
	}

	if t.db != nil {
		return t.db.MarkSourceDocumentDone(doc.Folder(), records)
	}
	return nil
}

func (t *Tracker) IsAcknowledged(approval *internal.ApprovalDocument) bool {
	if approval.Acknowledged {
		return true
	}
	if t.db == nil {
		return false
	}
	row, err := t.db.GetApproval(t.mailbox.Name(), approval.MessageID)
	return err == nil && row != nil && row.Status == string(internal.ApprovalAcknowledged)
}

// Acknowledge flags the message in the mailbox first; the local record only
// follows a successful mailbox update.
func (t *Tracker) Acknowledge(ctx context.Context, approval *internal.ApprovalDocument) error {
	if err := t.mailbox.MarkAcknowledged(ctx, approval.MessageID); err != nil {
		return fmt.Errorf("acknowledge %s: %w", approval.MessageID, err)
	}
	approval.Acknowledged = true
	if t.db != nil {
		return t.db.SetApprovalStatus(t.mailbox.Name(), approval.MessageID, internal.ApprovalAcknowledged)
	}
	return nil
}
