package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"facturas/internal"
	"facturas/internal/config"
	"facturas/internal/connectors"
)

const (
	user         = "me"
	inlinePrefix = "part:"
	pageSize     = 100
)

type Connector struct {
	service *gmail.Service
	inbox   string
	log     *zap.Logger

	mu       sync.Mutex
	labels   map[string]string
	messages map[string]*gmail.Message
}

// TokenSource builds the OAuth token source shared by the Gmail and Drive clients.
func TokenSource(ctx context.Context, cfg config.Config, scopes ...string) (oauth2.TokenSource, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       scopes,
	}
	return oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken}), nil
}

func NewConnector(ctx context.Context, cfg config.Config, log *zap.Logger) (*Connector, error) {
	tokenSource, err := TokenSource(ctx, cfg, gmail.GmailModifyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}
	return NewConnectorWithService(svc, cfg.InboxFolder, log), nil
}

func NewConnectorWithService(svc *gmail.Service, inbox string, log *zap.Logger) *Connector {
	return &Connector{
		service:  svc,
		inbox:    inbox,
		log:      log.Named("gmail"),
		messages: map[string]*gmail.Message{},
	}
}

func (c *Connector) Name() string {
	return "gmail"
}

func (c *Connector) Close() error {
	return nil
}

// labelID resolves a label by id or display name, ignoring case.
func (c *Connector) labelID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.labels == nil {
		resp, err := c.service.Users.Labels.List(user).Context(ctx).Do()
		if err != nil {
			return "", err
		}
		c.labels = map[string]string{}
		for _, l := range resp.Labels {
			c.labels[strings.ToLower(l.Id)] = l.Id
			c.labels[strings.ToLower(l.Name)] = l.Id
		}
	}
	if id, ok := c.labels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", connectors.ErrFolderNotFound, name)
}

func (c *Connector) ListApprovals(ctx context.Context, folder string, max int) ([]internal.MessageMeta, error) {
	c.mu.Lock()
	c.labels = nil
	c.messages = map[string]*gmail.Message{}
	c.mu.Unlock()

	label, err := c.labelID(ctx, folder)
	if err != nil {
		return nil, err
	}
	return c.list(ctx, label, "is:unread has:attachment", max)
}

func (c *Connector) ListCandidateMessages(ctx context.Context, since time.Time, max int) ([]internal.MessageMeta, error) {
	label, err := c.labelID(ctx, c.inbox)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("has:attachment filename:zip after:%d", since.Unix())
	return c.list(ctx, label, query, max)
}

func (c *Connector) list(ctx context.Context, label, query string, max int) ([]internal.MessageMeta, error) {
	refs := []*gmail.Message{}
	pageToken := ""
	for {
		call := c.service.Users.Messages.List(user).LabelIds(label).Q(query).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, err
		}
		refs = append(refs, resp.Messages...)
		if resp.NextPageToken == "" || (max > 0 && len(refs) >= max) {
			break
		}
		pageToken = resp.NextPageToken
	}
	if max > 0 && len(refs) > max {
		refs = refs[:max]
	}

	out := make([]internal.MessageMeta, 0, len(refs))
	for _, ref := range refs {
		if ref.Id == "" {
			continue
		}
		msg, err := c.message(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		out = append(out, toMeta(msg))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (c *Connector) message(ctx context.Context, id string) (*gmail.Message, error) {
	c.mu.Lock()
	msg, ok := c.messages[id]
	c.mu.Unlock()
	if ok {
		return msg, nil
	}

	msg, err := c.service.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.messages[id] = msg
	c.mu.Unlock()
	return msg, nil
}

func (c *Connector) ListAttachments(ctx context.Context, messageID string, kind internal.AttachmentKind) ([]internal.AttachmentMeta, error) {
	msg, err := c.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := []internal.AttachmentMeta{}
	walkParts(msg.Payload, func(p *gmail.MessagePart) {
		name := strings.TrimSpace(p.Filename)
		if name == "" || p.Body == nil || !kind.Accepts(name) {
			return
		}
		id := p.Body.AttachmentId
		if id == "" {
			id = inlinePrefix + p.PartId
		}
		out = append(out, internal.AttachmentMeta{ID: id, Name: name, ContentType: p.MimeType, Size: int(p.Body.Size)})
	})
	return out, nil
}

func (c *Connector) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if partID, ok := strings.CutPrefix(attachmentID, inlinePrefix); ok {
		msg, err := c.message(ctx, messageID)
		if err != nil {
			return nil, err
		}
		var data string
		found := false
		walkParts(msg.Payload, func(p *gmail.MessagePart) {
			if p.PartId == partID && p.Body != nil {
				data = p.Body.Data
				found = true
			}
		})
		if !found {
			return nil, fmt.Errorf("attachment %s not found in %s", attachmentID, messageID)
		}
		return decodeBase64URL(data)
	}

	body, err := c.service.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return decodeBase64URL(body.Data)
}

// MarkAcknowledged removes UNREAD so the approval is not listed again.
func (c *Connector) MarkAcknowledged(ctx context.Context, messageID string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	_, err := c.service.Users.Messages.Modify(user, messageID, req).Context(ctx).Do()
	return err
}

func toMeta(msg *gmail.Message) internal.MessageMeta {
	headers := map[string]string{}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	received := time.UnixMilli(msg.InternalDate).UTC()
	if msg.InternalDate == 0 {
		if t, err := mailDate(headers["date"]); err == nil {
			received = t.UTC()
		}
	}

	unread := false
	for _, l := range msg.LabelIds {
		if l == "UNREAD" {
			unread = true
		}
	}

	var text, html string
	walkParts(msg.Payload, func(p *gmail.MessagePart) {
		if p.Filename != "" || p.Body == nil || p.Body.Data == "" {
			return
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && text == "":
			if b, err := decodeBase64URL(p.Body.Data); err == nil {
				text = string(b)
			}
		case strings.HasPrefix(p.MimeType, "text/html") && html == "":
			if b, err := decodeBase64URL(p.Body.Data); err == nil {
				html = string(b)
			}
		}
	})

	return internal.MessageMeta{
		ID:         msg.Id,
		Subject:    headers["subject"],
		From:       headers["from"],
		BodyText:   connectors.BodyText(text, html),
		ReceivedAt: received,
		Seen:       !unread,
	}
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail payload: %w", err)
}

func mailDate(value string) (time.Time, error) {
	layouts := []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822, time.RFC850, time.ANSIC}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format")
}
