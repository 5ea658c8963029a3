package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"facturas/internal"
	"facturas/internal/config"
	"facturas/internal/connectors"
)

type Connector struct {
	host     string
	port     int
	secure   bool
	user     string
	password string
	inbox    string
	log      *zap.Logger

	mu        sync.Mutex
	client    *imapclient.Client
	selected  string
	envelopes map[string]*enmime.Envelope
}

func NewConnector(cfg config.Config, log *zap.Logger) (*Connector, error) {
	if err := cfg.Require("IMAP_HOST", cfg.IMAPHost); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_USER", cfg.IMAPUser); err != nil {
		return nil, err
	}
	if err := cfg.Require("IMAP_PASSWORD", cfg.IMAPPassword); err != nil {
		return nil, err
	}

	return &Connector{
		host:      cfg.IMAPHost,
		port:      cfg.IMAPPort,
		secure:    cfg.IMAPSecure,
		user:      cfg.IMAPUser,
		password:  cfg.IMAPPassword,
		inbox:     cfg.InboxFolder,
		log:       log.Named("imap"),
		envelopes: map[string]*enmime.Envelope{},
	}, nil
}

func (c *Connector) Name() string {
	return "imap"
}

// connect reuses the logged-in client unless its connection has closed.
func (c *Connector) connect() (*imapclient.Client, error) {
	if c.client != nil {
		select {
		case <-c.client.LoggedOut():
			c.client = nil
			c.selected = ""
		default:
			return c.client, nil
		}
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	var client *imapclient.Client
	var err error
	if c.secure {
		client, err = imapclient.DialTLS(addr, &tls.Config{ServerName: c.host})
	} else {
		client, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	if err := client.Login(c.user, c.password); err != nil {
		_ = client.Logout()
		return nil, err
	}
	c.client = client
	c.selected = ""
	return client, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	c.selected = ""
	return err
}

// resolveFolder finds a mailbox by full name or by its last path component,
// ignoring case.
func (c *Connector) resolveFolder(client *imapclient.Client, folder string) (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- client.List("", "*", mailboxes) }()

	names := []string{}
	delims := map[string]string{}
	for m := range mailboxes {
		names = append(names, m.Name)
		delims[m.Name] = m.Delimiter
	}
	if err := <-done; err != nil {
		return "", err
	}
	return matchFolder(names, delims, folder)
}

func matchFolder(names []string, delims map[string]string, folder string) (string, error) {
	want := strings.TrimSpace(folder)
	for _, name := range names {
		if strings.EqualFold(name, want) {
			return name, nil
		}
	}
	for _, name := range names {
		delim := delims[name]
		if delim == "" {
			continue
		}
		parts := strings.Split(name, delim)
		if strings.EqualFold(parts[len(parts)-1], want) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", connectors.ErrFolderNotFound, folder)
}

func (c *Connector) selectFolder(client *imapclient.Client, folder string) error {
	if c.selected == folder {
		return nil
	}
	if _, err := client.Select(folder, false); err != nil {
		return err
	}
	c.selected = folder
	return nil
}

func (c *Connector) ListApprovals(ctx context.Context, folder string, max int) ([]internal.MessageMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// a new listing starts a new run
	c.envelopes = map[string]*enmime.Envelope{}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	name, err := c.resolveFolder(client, folder)
	if err != nil {
		return nil, err
	}
	if err := c.selectFolder(client, name); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	uids = newestFirst(uids, max)

	return c.fetch(client, name, uids, true)
}

func (c *Connector) ListCandidateMessages(ctx context.Context, since time.Time, max int) ([]internal.MessageMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	name, err := c.resolveFolder(client, c.inbox)
	if err != nil {
		return nil, err
	}
	if err := c.selectFolder(client, name); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	uids = newestFirst(uids, max)

	return c.fetch(client, name, uids, false)
}

func (c *Connector) fetch(client *imapclient.Client, folder string, uids []uint32, withBody bool) ([]internal.MessageMeta, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, imap.FetchFlags}
	if withBody {
		items = append(items, section.FetchItem())
	}

	messages := make(chan *imap.Message, len(uids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.UidFetch(seqset, items, messages) }()

	out := make([]internal.MessageMeta, 0, len(uids))
	for msg := range messages {
		if msg == nil {
			continue
		}
		meta := internal.MessageMeta{
			ID:         messageID(folder, msg.Uid),
			ReceivedAt: msg.InternalDate.UTC(),
		}
		if msg.Envelope != nil {
			meta.Subject = msg.Envelope.Subject
			meta.From = formatAddresses(msg.Envelope.From)
			if meta.ReceivedAt.IsZero() {
				meta.ReceivedAt = msg.Envelope.Date.UTC()
			}
		}
		for _, f := range msg.Flags {
			if f == imap.SeenFlag {
				meta.Seen = true
			}
		}
		if withBody {
			if body := msg.GetBody(section); body != nil {
				env, err := readEnvelope(body)
				if err != nil {
					c.log.Warn("cannot parse message body", zap.String("message", meta.ID), zap.Error(err))
				} else {
					c.envelopes[meta.ID] = env
					meta.BodyText = connectors.BodyText(env.Text, env.HTML)
				}
			}
		}
		out = append(out, meta)
	}

	if err := <-fetchDone; err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (c *Connector) envelope(messageID string) (*enmime.Envelope, error) {
	if env, ok := c.envelopes[messageID]; ok {
		return env, nil
	}

	folder, uid, err := splitMessageID(messageID)
	if err != nil {
		return nil, err
	}
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	if err := c.selectFolder(client, folder); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages) }()

	var env *enmime.Envelope
	var parseErr error
	for msg := range messages {
		if msg == nil {
			continue
		}
		if body := msg.GetBody(section); body != nil {
			env, parseErr = readEnvelope(body)
		}
	}
	if err := <-fetchDone; err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if env == nil {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	c.envelopes[messageID] = env
	return env, nil
}

func (c *Connector) ListAttachments(ctx context.Context, messageID string, kind internal.AttachmentKind) ([]internal.AttachmentMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := c.envelope(messageID)
	if err != nil {
		return nil, err
	}

	out := []internal.AttachmentMeta{}
	for i, att := range env.Attachments {
		name := strings.TrimSpace(att.FileName)
		if name == "" || !kind.Accepts(name) {
			continue
		}
		out = append(out, internal.AttachmentMeta{
			ID:          strconv.Itoa(i),
			Name:        name,
			ContentType: att.ContentType,
			Size:        len(att.Content),
		})
	}
	return out, nil
}

func (c *Connector) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := c.envelope(messageID)
	if err != nil {
		return nil, err
	}
	i, err := strconv.Atoi(attachmentID)
	if err != nil || i < 0 || i >= len(env.Attachments) {
		return nil, fmt.Errorf("attachment %s not found in %s", attachmentID, messageID)
	}
	return env.Attachments[i].Content, nil
}

// MarkAcknowledged sets \Seen so the approval is not listed again.
func (c *Connector) MarkAcknowledged(ctx context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	folder, uid, err := splitMessageID(messageID)
	if err != nil {
		return err
	}
	client, err := c.connect()
	if err != nil {
		return err
	}
	if err := c.selectFolder(client, folder); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func readEnvelope(body io.Reader) (*enmime.Envelope, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return enmime.ReadEnvelope(bytes.NewReader(raw))
}

func newestFirst(uids []uint32, max int) []uint32 {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}
	return uids
}

func messageID(folder string, uid uint32) string {
	return folder + "/" + strconv.FormatUint(uint64(uid), 10)
}

func splitMessageID(id string) (string, uint32, error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid imap message id %q", id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid imap message id %q: %w", id, err)
	}
	return id[:i], uint32(uid), nil
}

func formatAddresses(addrs []*imap.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := strings.Trim(strings.Join([]string{a.MailboxName, a.HostName}, "@"), "@")
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, email))
		} else {
			parts = append(parts, email)
		}
	}
	return strings.Join(parts, ", ")
}
