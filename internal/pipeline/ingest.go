package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"facturas/internal"
	"facturas/internal/archive"
	"facturas/internal/invoice"
	"facturas/internal/ledger"
	"facturas/internal/remote"
	"facturas/internal/tracker"
)

type ingestResult struct {
	newRecords int
	invoices   int
	skipped    bool
}

// ingest persists a matched archive, extracts it, commits its invoices to
// the ledger and sets the .done marker. A document that already carries the
// marker is not ingested again.
func (r *run) ingest(ctx context.Context, doc *internal.SourceDocument) (ingestResult, error) {
	log := r.log.With(zap.String("archive", doc.FileName))

	if r.svc.tracker.IsProcessed(doc) {
		log.Info("archive already processed")
		for _, rec := range doc.Records {
			r.registry.Add(rec.Identifier.CUFE)
		}
		return ingestResult{skipped: true}, nil
	}

	localPath, err := r.svc.archives.Store(doc)
	if err != nil {
		return ingestResult{}, fmt.Errorf("store %s: %w", doc.FileName, err)
	}

	folder := r.svc.tracker.FolderPath(doc)
	if _, err := archive.ExtractTo(doc.Content, folder); err != nil {
		return ingestResult{}, fmt.Errorf("extract %s: %w", doc.FileName, err)
	}

	invoices, parseErrs := invoice.ParseFolder(folder, r.svc.deps.PDFText)
	for _, perr := range parseErrs {
		r.errs.Add(internal.ErrCorruptArchive, doc.FileName, perr)
		log.Warn("invoice skipped", zap.Error(perr))
	}
	if err := recovered(doc, invoices, parseErrs); err != nil {
		return ingestResult{}, err
	}

	added, err := r.ledger.Commit(invoices)
	if err != nil {
		return ingestResult{}, fmt.Errorf("commit %s: %w", doc.FileName, err)
	}
	for _, inv := range invoices {
		r.registry.Add(inv.CUFE)
	}
	r.ledgerChanged = r.ledgerChanged || added > 0

	if err := r.svc.tracker.MarkProcessed(doc, len(invoices)); err != nil && !errors.Is(err, tracker.ErrAlreadyProcessed) {
		return ingestResult{}, err
	}

	if added > 0 || len(parseErrs) > 0 {
		r.history = append(r.history, ledger.HistoryRow{At: r.svc.now(), Archive: doc.FileName, New: added, Errors: len(parseErrs)})
	}

	r.upload(ctx, localPath, path.Join(r.svc.layout.Archives(r.started), doc.SafeFileName()), r.svc.policy)
	r.uploadDir(ctx, folder, path.Join(r.svc.layout.Extracted(r.started), doc.Folder()))

	log.Info("archive ingested", zap.Int("invoices", len(invoices)), zap.Int("new_rows", added), zap.Int("errors", len(parseErrs)))
	return ingestResult{newRecords: added, invoices: len(invoices)}, nil
}

// recovered fails when the folder yielded nothing but parse errors, or when an
// invoice seen while indexing the archive is missing from the parsed ones.
// The archive is then left unmarked so a later run retries it.
func recovered(doc *internal.SourceDocument, invoices []invoice.Invoice, parseErrs []error) error {
	if len(invoices) == 0 && len(parseErrs) > 0 {
		return fmt.Errorf("%s: no invoice could be parsed: %w", doc.FileName, parseErrs[0])
	}
	parsed := make(map[string]bool, len(invoices))
	for _, inv := range invoices {
		parsed[inv.CUFE] = true
	}
	for _, rec := range doc.Records {
		if cufe := rec.Identifier.CUFE; cufe != "" && !parsed[cufe] {
			return fmt.Errorf("%s: invoice %s in %s was not recovered", doc.FileName, cufe, rec.EntryName)
		}
	}
	return nil
}

func (r *run) upload(ctx context.Context, localPath, remotePath string, policy remote.ConflictPolicy) {
	if r.svc.deps.Remote == nil {
		return
	}
	if _, err := r.svc.deps.Remote.Upload(ctx, localPath, remotePath, policy); err != nil {
		r.errs.Add(internal.ErrUploadFailure, remotePath, err)
		r.log.Warn("upload failed", zap.String("remote", remotePath), zap.Error(err))
	}
}

func (r *run) uploadDir(ctx context.Context, localDir, remoteDir string) {
	if r.svc.deps.Remote == nil {
		return
	}
	if _, err := remote.UploadDir(ctx, r.svc.deps.Remote, localDir, remoteDir, r.svc.policy); err != nil {
		r.errs.Add(internal.ErrUploadFailure, remoteDir, err)
		r.log.Warn("upload failed", zap.String("remote", remoteDir), zap.Error(err))
	}
}

// publishWorkbooks enriches the ledger from the approvals workbook and
// uploads the ledger and history workbooks.
func (r *run) publishWorkbooks(ctx context.Context) {
	cfg := r.svc.deps.Config
	if cfg.ApprovalsWorkbookPath != "" && r.svc.deps.Remote != nil {
		local := filepath.Join(cfg.TempDir, path.Base(cfg.ApprovalsWorkbookPath))
		err := r.svc.deps.Remote.Download(ctx, cfg.ApprovalsWorkbookPath, local)
		if err == nil {
			var n int
			n, err = r.ledger.SyncApprovals(local, ledger.ApprovalsLayout{
				Sheet:       cfg.ApprovalsSheet,
				ColNumber:   cfg.ApprovalsColNumber,
				ColRadicado: cfg.ApprovalsColRadicado,
				ColProject:  cfg.ApprovalsColProject,
			})
			if err == nil {
				r.log.Info("approvals synced", zap.Int("rows", n))
			}
		}
		if err != nil {
			r.errs.Add(internal.ErrRegistrySyncFailure, cfg.ApprovalsWorkbookPath, err)
			r.log.Warn("approvals sync failed", zap.Error(err))
		}
	}

	if len(r.history) > 0 {
		if err := ledger.AppendHistory(cfg.HistoryPath, r.history); err != nil {
			r.errs.Add(internal.ErrIngestFailure, cfg.HistoryPath, err)
			r.log.Warn("history not written", zap.Error(err))
		}
	}

	workbooks := r.svc.layout.Workbooks()
	if r.ledgerChanged || fileExists(r.ledger.Path()) {
		r.upload(ctx, r.ledger.Path(), path.Join(workbooks, filepath.Base(r.ledger.Path())), remote.PolicyReplace)
	}
	if len(r.history) > 0 {
		r.upload(ctx, cfg.HistoryPath, path.Join(workbooks, filepath.Base(cfg.HistoryPath)), remote.PolicyReplace)
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
