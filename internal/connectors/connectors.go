package connectors

import (
	"context"
	"errors"
	"time"

	"facturas/internal"
)

var ErrFolderNotFound = errors.New("mail folder not found")

// Mailbox is the mail collaborator of a reconciliation run. Message IDs are
// provider specific and opaque to callers.
type Mailbox interface {
	Name() string
	// ListApprovals returns unacknowledged messages of folder, newest first.
	// A missing folder yields ErrFolderNotFound.
	ListApprovals(ctx context.Context, folder string, max int) ([]internal.MessageMeta, error)
	// ListCandidateMessages returns inbox messages received since the given time.
	ListCandidateMessages(ctx context.Context, since time.Time, max int) ([]internal.MessageMeta, error)
	ListAttachments(ctx context.Context, messageID string, kind internal.AttachmentKind) ([]internal.AttachmentMeta, error)
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	MarkAcknowledged(ctx context.Context, messageID string) error
	Close() error
}
