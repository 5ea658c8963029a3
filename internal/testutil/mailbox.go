package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"facturas/internal"
	"facturas/internal/connectors"
)

const InboxFolder = "INBOX"

type Attachment struct {
	ID   string
	Name string
	Data []byte
}

type Message struct {
	Meta        internal.MessageMeta
	Folder      string
	Attachments []Attachment
}

// Mailbox is an in-memory connectors.Mailbox. ListCandidateMessages ignores
// the since bound so callers can be tested against out-of-window messages.
type Mailbox struct {
	mu           sync.Mutex
	folders      map[string]bool
	messages     []*Message
	Acked        map[string]int
	FailDownload map[string]error
	Downloads    map[string]int
}

func NewMailbox(folders ...string) *Mailbox {
	known := map[string]bool{InboxFolder: true}
	for _, f := range folders {
		known[f] = true
	}
	return &Mailbox{
		folders:      known,
		Acked:        map[string]int{},
		FailDownload: map[string]error{},
		Downloads:    map[string]int{},
	}
}

func (m *Mailbox) Add(msg *Message) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Folder == "" {
		msg.Folder = InboxFolder
	}
	m.messages = append(m.messages, msg)
	return msg
}

// AddApproval adds an unread approval with one PDF attachment.
func (m *Mailbox) AddApproval(folder, id, subject, pdfName string, pdf []byte, at time.Time) *Message {
	return m.Add(&Message{
		Meta:        internal.MessageMeta{ID: id, Subject: subject, ReceivedAt: at},
		Folder:      folder,
		Attachments: []Attachment{{ID: id + "-pdf", Name: pdfName, Data: pdf}},
	})
}

// AddArchive adds an inbox message carrying one ZIP attachment.
func (m *Mailbox) AddArchive(id, zipName string, zip []byte, at time.Time) *Message {
	return m.Add(&Message{
		Meta:        internal.MessageMeta{ID: id, Subject: "Factura " + zipName, ReceivedAt: at},
		Attachments: []Attachment{{ID: id + "-zip", Name: zipName, Data: zip}},
	})
}

func (m *Mailbox) Name() string {
	return "fake"
}

func (m *Mailbox) find(id string) (*Message, error) {
	for _, msg := range m.messages {
		if msg.Meta.ID == id {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func newestFirst(out []internal.MessageMeta, max int) []internal.MessageMeta {
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func (m *Mailbox) ListApprovals(ctx context.Context, folder string, max int) ([]internal.MessageMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.folders[folder] {
		return nil, fmt.Errorf("%w: %s", connectors.ErrFolderNotFound, folder)
	}
	out := []internal.MessageMeta{}
	for _, msg := range m.messages {
		if strings.EqualFold(msg.Folder, folder) && !msg.Meta.Seen {
			out = append(out, msg.Meta)
		}
	}
	return newestFirst(out, max), nil
}

func (m *Mailbox) ListCandidateMessages(ctx context.Context, since time.Time, max int) ([]internal.MessageMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []internal.MessageMeta{}
	for _, msg := range m.messages {
		if msg.Folder == InboxFolder {
			out = append(out, msg.Meta)
		}
	}
	return newestFirst(out, max), nil
}

func (m *Mailbox) ListAttachments(ctx context.Context, messageID string, kind internal.AttachmentKind) ([]internal.AttachmentMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(messageID)
	if err != nil {
		return nil, err
	}
	out := []internal.AttachmentMeta{}
	for _, a := range msg.Attachments {
		if kind.Accepts(a.Name) {
			out = append(out, internal.AttachmentMeta{ID: a.ID, Name: a.Name, Size: len(a.Data)})
		}
	}
	return out, nil
}

func (m *Mailbox) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailDownload[attachmentID]; err != nil {
		return nil, err
	}
	msg, err := m.find(messageID)
	if err != nil {
		return nil, err
	}
	for _, a := range msg.Attachments {
		if a.ID == attachmentID {
			m.Downloads[attachmentID]++
			return a.Data, nil
		}
	}
	return nil, fmt.Errorf("attachment %s not found", attachmentID)
}

func (m *Mailbox) MarkAcknowledged(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(messageID)
	if err != nil {
		return err
	}
	msg.Meta.Seen = true
	m.Acked[messageID]++
	return nil
}

// MarkUnseen clears the seen flag, as if acknowledgements were lost.
func (m *Mailbox) MarkUnseen(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if msg, err := m.find(id); err == nil {
			msg.Meta.Seen = false
		}
	}
}

func (m *Mailbox) Close() error {
	return nil
}
