package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"facturas/internal"
	"facturas/internal/candidates"
	"facturas/internal/config"
	"facturas/internal/connectors"
	"facturas/internal/ident"
	"facturas/internal/invoice"
	"facturas/internal/ledger"
	"facturas/internal/pdftext"
	"facturas/internal/remote"
	"facturas/internal/storage"
	"facturas/internal/tracker"
)

const (
	RunKindApprovals = "approvals"
	RunKindSweep     = "sweep"
)

// Deps are the collaborators of a run. Remote is optional: without it
// nothing is uploaded and the approvals workbook is not synced.
type Deps struct {
	Config  config.Config
	DB      *storage.DB
	Mailbox connectors.Mailbox
	Remote  remote.Store
	PDFText invoice.PDFTextFunc
	Log     *zap.Logger
}

type ReconciliationService struct {
	deps      Deps
	extractor *ident.Extractor
	tracker   *tracker.Tracker
	archives  *connectors.ArchiveStore
	builder   *candidates.Builder
	layout    remote.Layout
	policy    remote.ConflictPolicy
	now       func() time.Time
}

func NewReconciliationService(deps Deps) *ReconciliationService {
	if deps.PDFText == nil {
		deps.PDFText = pdftext.Extract
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	cfg := deps.Config
	policy, err := remote.ParsePolicy(cfg.UploadMode)
	if err != nil {
		deps.Log.Warn("unknown upload mode, using skip", zap.String("mode", cfg.UploadMode))
		policy = remote.PolicySkip
	}
	return &ReconciliationService{
		deps:      deps,
		extractor: ident.NewExtractor(cfg.NumberExcludeTokens),
		tracker:   tracker.New(cfg.ExtractDir, deps.Mailbox, deps.DB),
		archives:  connectors.NewArchiveStore(deps.DB, cfg.AttachmentsDir, deps.Mailbox.Name()),
		builder:   candidates.NewBuilder(deps.Mailbox, cfg.IndexWorkers, deps.Log),
		layout:    remote.Layout{Root: cfg.RemoteRoot, DateSubfolders: cfg.UseDateSubfolders},
		policy:    policy,
		now:       time.Now,
	}
}

type RunResult struct {
	RunID        int64
	TraceID      string
	Kind         string
	Approvals    int
	Outcomes     map[internal.MatchKind]int
	Acknowledged int
	Ingested     int
	NewRecords   int
	StoppedEarly bool
	Errors       []internal.RunError
}

// run is the state owned by one invocation.
type run struct {
	svc           *ReconciliationService
	log           *zap.Logger
	started       time.Time
	traceID       string
	errs          *internal.ErrorLog
	ledger        *ledger.Ledger
	registry      *ledger.Registry
	history       []ledger.HistoryRow
	ledgerChanged bool
	result        RunResult
}

func (s *ReconciliationService) newRun(kind string) *run {
	traceID := uuid.NewString()
	return &run{
		svc:     s,
		log:     s.deps.Log.With(zap.String("trace_id", traceID), zap.String("run", kind)),
		started: s.now(),
		traceID: traceID,
		errs:    &internal.ErrorLog{},
		result: RunResult{
			TraceID:  traceID,
			Kind:     kind,
			Outcomes: map[internal.MatchKind]int{},
		},
	}
}

func (r *run) openLedger() error {
	l, err := ledger.Open(r.svc.deps.Config.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	r.ledger = l
	r.registry = ledger.NewRegistry(l.ExistingCUFEs())
	r.log.Info("registry loaded", zap.Int("cufes", r.registry.Len()))
	return nil
}

// Run reconciles the unread approvals against the supplier archives of the
// lookback window. Only a missing approvals folder aborts the run.
func (s *ReconciliationService) Run(ctx context.Context) (RunResult, error) {
	cfg := s.deps.Config
	r := s.newRun(RunKindApprovals)

	approvals, err := s.deps.Mailbox.ListApprovals(ctx, cfg.ApprovalsFolder, cfg.MaxApprovals)
	if err != nil {
		if errors.Is(err, connectors.ErrFolderNotFound) {
			return r.result, fmt.Errorf("approvals folder %q: %w", cfg.ApprovalsFolder, err)
		}
		if ctx.Err() != nil {
			return r.result, ctx.Err()
		}
		r.errs.Add(internal.ErrDownloadFailure, cfg.ApprovalsFolder, err)
		r.log.Error("cannot list approvals", zap.Error(err))
		return r.finish(), nil
	}
	r.result.Approvals = len(approvals)
	r.log.Info("approvals listed", zap.Int("count", len(approvals)))
	if len(approvals) == 0 {
		return r.finish(), nil
	}

	index, err := s.builder.Build(ctx, cfg.LookbackWindow, cfg.MaxCandidates, r.errs)
	if err != nil {
		return r.finish(), err
	}
	matcher := NewMatcher(index)

	if err := r.openLedger(); err != nil {
		return r.finish(), err
	}

	term := NewTerminationState(cfg.MinProcessed, cfg.MaxNoMatch, cfg.MaxNoNew)
	for _, meta := range approvals {
		if ctx.Err() != nil {
			r.cleanup()
			return r.finish(), ctx.Err()
		}

		if s.tracker.IsAcknowledged(&internal.ApprovalDocument{MessageID: meta.ID, Acknowledged: meta.Seen}) {
			continue
		}
		approval, ok := r.approvalDocument(ctx, meta)
		if !ok {
			continue
		}

		kind, added := r.reconcile(ctx, approval, matcher)
		term.Record(kind, added)
		if term.ShouldStop() {
			r.result.StoppedEarly = true
			r.log.Info("stopping early",
				zap.Int("processed", term.Processed),
				zap.Int("consecutive_no_match", term.ConsecutiveNoMatch),
				zap.Int("consecutive_no_new", term.ConsecutiveNoNew),
			)
			break
		}
	}

	if r.ledgerChanged || len(r.history) > 0 {
		r.publishWorkbooks(ctx)
	}
	r.cleanup()
	return r.finish(), nil
}

// approvalDocument downloads the first PDF of the approval and extracts its
// identifier, falling back to the subject and then the body for the number
// and the date.
func (r *run) approvalDocument(ctx context.Context, meta internal.MessageMeta) (*internal.ApprovalDocument, bool) {
	mb := r.svc.deps.Mailbox
	log := r.log.With(zap.String("message_id", meta.ID))

	atts, err := mb.ListAttachments(ctx, meta.ID, internal.AttachmentPDF)
	if err != nil {
		r.errs.Add(internal.ErrDownloadFailure, meta.ID, err)
		log.Warn("cannot list approval attachments", zap.Error(err))
		return nil, false
	}
	if len(atts) == 0 {
		r.errs.Add(internal.ErrExtractionGap, meta.ID, errors.New("approval without pdf attachment"))
		log.Warn("approval without pdf")
		return nil, false
	}
	att := atts[0]

	content, err := mb.DownloadAttachment(ctx, meta.ID, att.ID)
	if err != nil {
		r.errs.Add(internal.ErrDownloadFailure, meta.ID+":"+att.Name, err)
		log.Warn("cannot download approval pdf", zap.Error(err))
		return nil, false
	}
	r.keepTemp(att.Name, content)

	text, err := r.svc.deps.PDFText(content)
	if err != nil {
		log.Warn("pdf text unavailable", zap.String("file", att.Name), zap.Error(err))
	}

	ex := r.svc.extractor
	id := ex.FromPDFText(text)
	id = ident.WithFallback(id, ex.FromSubject(meta.Subject))
	id = ident.WithFallback(id, ex.FromSubject(meta.BodyText))
	if !id.Matchable() {
		r.errs.Add(internal.ErrExtractionGap, meta.ID+":"+att.Name, errors.New("no cufe and no number with date"))
	}

	return &internal.ApprovalDocument{
		MessageID:    meta.ID,
		Subject:      meta.Subject,
		FileName:     att.Name,
		AttachmentID: att.ID,
		ReceivedAt:   meta.ReceivedAt,
		Identifier:   id,
		Acknowledged: meta.Seen,
	}, true
}

func (r *run) reconcile(ctx context.Context, approval *internal.ApprovalDocument, matcher *Matcher) (internal.MatchKind, int) {
	log := r.log.With(
		zap.String("message_id", approval.MessageID),
		zap.String("file", approval.FileName),
		zap.String("cufe", approval.Identifier.CUFE),
		zap.String("number", approval.Identifier.Number),
		zap.String("date", approval.Identifier.Date),
	)
	row := internal.ApprovalRow{
		MessageID: approval.MessageID,
		Provider:  r.svc.deps.Mailbox.Name(),
		Subject:   approval.Subject,
		FileName:  approval.FileName,
		CUFE:      approval.Identifier.CUFE,
		Number:    approval.Identifier.Number,
		IssueDate: approval.Identifier.Date,
		RunID:     r.traceID,
	}
	defer func() {
		if err := r.svc.deps.DB.UpsertApproval(row); err != nil {
			log.Warn("approval state not saved", zap.Error(err))
		}
	}()

	if approval.Identifier.HasCUFE() && r.registry.Contains(approval.Identifier.CUFE) {
		r.count(internal.MatchAlreadyRegistered)
		row.Outcome = string(internal.MatchAlreadyRegistered)
		row.Status = r.acknowledge(ctx, approval, log)
		log.Info("approval already registered")
		return internal.MatchAlreadyRegistered, 0
	}

	outcome := matcher.Match(approval.Identifier, approval.FileName)
	r.count(outcome.Kind)
	row.Outcome = string(outcome.Kind)
	if !outcome.Matched() {
		row.Status = string(internal.ApprovalUnmatched)
		r.errs.Add(internal.ErrNoMatchFound, approval.MessageID+":"+approval.FileName, errors.New("no archive matched"))
		log.Info("no source archive for approval")
		return internal.MatchNone, 0
	}
	row.SourceArchive = outcome.Source.FileName
	log = log.With(zap.String("match", string(outcome.Kind)), zap.String("archive", outcome.Source.FileName))

	res, err := r.ingest(ctx, outcome.Source)
	if err != nil {
		row.Status = string(internal.ApprovalFailed)
		r.errs.Add(internal.ErrIngestFailure, outcome.Source.FileName, err)
		log.Error("ingestion failed", zap.Error(err))
		return outcome.Kind, 0
	}
	if !res.skipped {
		r.result.Ingested++
	}
	r.result.NewRecords += res.newRecords

	row.Status = r.acknowledge(ctx, approval, log)
	log.Info("approval reconciled", zap.Int("new_rows", res.newRecords))
	return outcome.Kind, res.newRecords
}

func (r *run) acknowledge(ctx context.Context, approval *internal.ApprovalDocument, log *zap.Logger) string {
	if err := r.svc.tracker.Acknowledge(ctx, approval); err != nil {
		r.errs.Add(internal.ErrDownloadFailure, approval.MessageID, err)
		log.Warn("approval not acknowledged", zap.Error(err))
		return string(internal.ApprovalPending)
	}
	r.result.Acknowledged++
	return string(internal.ApprovalAcknowledged)
}

func (r *run) count(kind internal.MatchKind) {
	r.result.Outcomes[kind]++
}

// Sweep ingests every archive of the lookback window that has not been
// processed yet, without waiting for approvals.
func (s *ReconciliationService) Sweep(ctx context.Context) (RunResult, error) {
	cfg := s.deps.Config
	r := s.newRun(RunKindSweep)

	index, err := s.builder.Build(ctx, cfg.LookbackWindow, cfg.MaxCandidates, r.errs)
	if err != nil {
		return r.finish(), err
	}
	if err := r.openLedger(); err != nil {
		return r.finish(), err
	}

	for _, doc := range index.Documents() {
		if ctx.Err() != nil {
			return r.finish(), ctx.Err()
		}
		res, err := r.ingest(ctx, doc)
		if err != nil {
			r.errs.Add(internal.ErrIngestFailure, doc.FileName, err)
			r.log.Error("ingestion failed", zap.String("archive", doc.FileName), zap.Error(err))
			continue
		}
		if !res.skipped {
			r.result.Ingested++
		}
		r.result.NewRecords += res.newRecords
	}

	if r.ledgerChanged || len(r.history) > 0 {
		r.publishWorkbooks(ctx)
	}
	return r.finish(), nil
}

func (r *run) keepTemp(name string, content []byte) {
	dir := r.svc.deps.Config.TempDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Debug("temp dir unavailable", zap.Error(err))
		return
	}
	safe := (&internal.SourceDocument{FileName: name}).SafeFileName()
	if err := os.WriteFile(filepath.Join(dir, safe), content, 0o644); err != nil {
		r.log.Debug("temp copy not written", zap.Error(err))
	}
}

// cleanup removes the approval PDFs left in the temp dir.
func (r *run) cleanup() {
	dir := r.svc.deps.Config.TempDir
	if dir == "" {
		return
	}
	removed := 0
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".pdf") {
			return nil
		}
		if os.Remove(p) == nil {
			removed++
		}
		return nil
	})
	r.log.Debug("temp cleanup", zap.Int("removed_pdfs", removed))
}

// finish stores the run row and returns the result.
func lastRunKey(kind string) string {
	return "last_run_at:" + kind
}

// LastRunAt reports when the last recorded run of kind finished.
func LastRunAt(db *storage.DB, kind string) (time.Time, bool, error) {
	value, err := db.GetMetadata(lastRunKey(kind))
	if err != nil || value == nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *run) finish() RunResult {
	r.result.Errors = r.errs.Entries
	counts := map[string]int{
		"approvals":    r.result.Approvals,
		"acknowledged": r.result.Acknowledged,
		"ingested":     r.result.Ingested,
		"new_records":  r.result.NewRecords,
	}
	for kind, n := range r.result.Outcomes {
		counts[strings.ToLower(string(kind))] = n
	}

	finishedAt := r.svc.now().UTC().Format(time.RFC3339)
	id, err := r.svc.deps.DB.InsertRun(internal.RunRow{
		TraceID:      r.traceID,
		Kind:         r.result.Kind,
		StartedAt:    r.started.UTC().Format(time.RFC3339),
		FinishedAt:   finishedAt,
		Counts:       counts,
		Errors:       r.errs.Entries,
		StoppedEarly: r.result.StoppedEarly,
	})
	if err != nil {
		r.log.Warn("run not recorded", zap.Error(err))
	} else if err := r.svc.deps.DB.SetMetadata(lastRunKey(r.result.Kind), finishedAt); err != nil {
		r.log.Warn("last run time not saved", zap.Error(err))
	}
	r.result.RunID = id

	r.log.Info("run finished",
		zap.Int("approvals", r.result.Approvals),
		zap.Int("acknowledged", r.result.Acknowledged),
		zap.Int("ingested", r.result.Ingested),
		zap.Int("new_records", r.result.NewRecords),
		zap.Int("errors", r.errs.Len()),
		zap.Bool("stopped_early", r.result.StoppedEarly),
	)
	return r.result
}
