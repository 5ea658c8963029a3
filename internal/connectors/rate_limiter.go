package connectors

import (
	"context"
	"sync"
	"time"

	"facturas/internal"
)

type RateLimiter struct {
	mu            sync.Mutex
	nextAllowedAt time.Time
	interval      time.Duration
}

func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Second / time.Duration(requestsPerSecond)}
}

// WaitTurn blocks until the next request slot or until ctx is done.
func (r *RateLimiter) WaitTurn(ctx context.Context) error {
	if r == nil || r.interval == 0 {
		return ctx.Err()
	}

	r.mu.Lock()
	now := time.Now()
	scheduled := now
	if r.nextAllowedAt.After(now) {
		scheduled = r.nextAllowedAt
	}
	r.nextAllowedAt = scheduled.Add(r.interval)
	r.mu.Unlock()

	sleep := time.Until(scheduled)
	if sleep <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type throttled struct {
	Mailbox
	limiter *RateLimiter
}

// Throttled spaces out the network calls of mb.
func Throttled(mb Mailbox, limiter *RateLimiter) Mailbox {
	if limiter == nil || limiter.interval == 0 {
		return mb
	}
	return &throttled{Mailbox: mb, limiter: limiter}
}

func (t *throttled) ListApprovals(ctx context.Context, folder string, max int) ([]internal.MessageMeta, error) {
	if err := t.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}
	return t.Mailbox.ListApprovals(ctx, folder, max)
}

func (t *throttled) ListCandidateMessages(ctx context.Context, since time.Time, max int) ([]internal.MessageMeta, error) {
	if err := t.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}
	return t.Mailbox.ListCandidateMessages(ctx, since, max)
}

func (t *throttled) ListAttachments(ctx context.Context, messageID string, kind internal.AttachmentKind) ([]internal.AttachmentMeta, error) {
	if err := t.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}
	return t.Mailbox.ListAttachments(ctx, messageID, kind)
}

func (t *throttled) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := t.limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}
	return t.Mailbox.DownloadAttachment(ctx, messageID, attachmentID)
}

func (t *throttled) MarkAcknowledged(ctx context.Context, messageID string) error {
	if err := t.limiter.WaitTurn(ctx); err != nil {
		return err
	}
	return t.Mailbox.MarkAcknowledged(ctx, messageID)
}
