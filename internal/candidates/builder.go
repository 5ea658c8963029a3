package candidates

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facturas/internal"
	"facturas/internal/archive"
	"facturas/internal/connectors"
	"facturas/internal/invoice"
)

type Builder struct {
	mailbox connectors.Mailbox
	workers int
	log     *zap.Logger
	now     func() time.Time
}

func NewBuilder(mailbox connectors.Mailbox, workers int, log *zap.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	return &Builder{mailbox: mailbox, workers: workers, log: log.Named("candidates"), now: time.Now}
}

type slot struct {
	docs []*internal.SourceDocument
	errs []internal.RunError
}

// Build lists the inbox once, downloads every ZIP attachment in the window
// and indexes the identifiers of their XML entries. Failures on single
// messages, attachments or entries are recorded in errs and skipped.
func (b *Builder) Build(ctx context.Context, window time.Duration, maxCandidates int, errs *internal.ErrorLog) (*Index, error) {
	since := b.now().Add(-window)
	msgs, err := b.mailbox.ListCandidateMessages(ctx, since, maxCandidates)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs.Add(internal.ErrDownloadFailure, "inbox", err)
		b.log.Warn("cannot list candidate messages", zap.Error(err))
		return NewIndex(nil), nil
	}

	msgs = inWindow(msgs, since)

	slots := make([]slot, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, msg := range msgs {
		g.Go(func() error {
			slots[i] = b.collect(gctx, msg)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := []*internal.SourceDocument{}
	for _, s := range slots {
		docs = append(docs, s.docs...)
		errs.Entries = append(errs.Entries, s.errs...)
	}

	idx := NewIndex(docs)
	cufes, pairs := idx.Keys()
	b.log.Info("candidate index built",
		zap.Int("messages", len(msgs)),
		zap.Int("archives", idx.Len()),
		zap.Int("cufe_keys", cufes),
		zap.Int("number_date_keys", pairs),
	)
	return idx, nil
}

// inWindow drops messages older than since and orders the rest oldest first,
// breaking ties by message id.
func inWindow(msgs []internal.MessageMeta, since time.Time) []internal.MessageMeta {
	out := make([]internal.MessageMeta, 0, len(msgs))
	for _, m := range msgs {
		if m.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *Builder) collect(ctx context.Context, msg internal.MessageMeta) slot {
	var s slot
	fail := func(kind internal.ErrorKind, ref string, err error) {
		s.errs = append(s.errs, internal.RunError{Kind: kind, Ref: ref, Message: err.Error()})
		b.log.Warn("candidate skipped", zap.String("kind", string(kind)), zap.String("ref", ref), zap.Error(err))
	}

	atts, err := b.mailbox.ListAttachments(ctx, msg.ID, internal.AttachmentZIP)
	if err != nil {
		fail(internal.ErrDownloadFailure, msg.ID, err)
		return s
	}

	for _, att := range atts {
		ref := msg.ID + ":" + att.Name
		content, err := b.mailbox.DownloadAttachment(ctx, msg.ID, att.ID)
		if err != nil {
			fail(internal.ErrDownloadFailure, ref, err)
			continue
		}

		records, entryErrs, err := Records(content)
		if err != nil {
			fail(internal.ErrCorruptArchive, ref, err)
			continue
		}
		for _, e := range entryErrs {
			fail(internal.ErrCorruptArchive, ref, e)
		}

		s.docs = append(s.docs, &internal.SourceDocument{
			MessageID:    msg.ID,
			AttachmentID: att.ID,
			FileName:     att.Name,
			ReceivedAt:   msg.ReceivedAt,
			Content:      content,
			Records:      records,
		})
	}
	return s
}

// Records identifies every XML entry of an archive. Entries that cannot be
// identified are returned as errors; an unreadable archive is a hard error.
func Records(content []byte) ([]internal.SourceRecord, []error, error) {
	entries, err := archive.Entries(content)
	if err != nil {
		return nil, nil, err
	}

	byName := map[string][]byte{}
	for _, e := range entries {
		byName[strings.ToLower(path.Base(e.Name))] = e.Data
	}
	sibling := func(name string) ([]byte, error) {
		if data, ok := byName[strings.ToLower(path.Base(name))]; ok {
			return data, nil
		}
		return nil, fmt.Errorf("%s not in archive", name)
	}

	records := []internal.SourceRecord{}
	errs := []error{}
	for _, e := range archive.XML(entries) {
		id, err := invoice.Identify(e.Data, sibling)
		if err != nil {
			if errors.Is(err, invoice.ErrNoEmbeddedInvoice) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		if !id.Matchable() {
			continue
		}
		records = append(records, internal.SourceRecord{EntryName: e.Name, Identifier: id})
	}
	return records, errs, nil
}
