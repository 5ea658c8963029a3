package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"facturas/internal"
	"facturas/internal/config"
	"facturas/internal/connectors"
	"facturas/internal/ledger"
	"facturas/internal/remote"
	"facturas/internal/storage"
	"facturas/internal/testutil"
)

const approvalsFolder = "Aprobadas"

type harness struct {
	cfg     config.Config
	mailbox *testutil.Mailbox
	remote  string
	dir     string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	cfg := config.Config{
		AttachmentsDir:      filepath.Join(dir, "adjuntos"),
		ExtractDir:          filepath.Join(dir, "extraidos"),
		TempDir:             filepath.Join(dir, "temp"),
		LedgerPath:          filepath.Join(dir, "facturas.xlsx"),
		HistoryPath:         filepath.Join(dir, "historial.xlsx"),
		ApprovalsFolder:     approvalsFolder,
		InboxFolder:         testutil.InboxFolder,
		MaxApprovals:        50,
		MaxCandidates:       100,
		LookbackWindow:      30 * 24 * time.Hour,
		IndexWorkers:        2,
		NumberExcludeTokens: []string{"NIT"},
		RemoteRoot:          "Facturas",
	}
	return &harness{cfg: cfg, mailbox: testutil.NewMailbox(approvalsFolder), remote: filepath.Join(dir, "remote"), dir: dir}
}

func (h *harness) service(t *testing.T, dbName string) (*ReconciliationService, *storage.DB) {
	db, err := storage.Open(filepath.Join(h.dir, dbName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewReconciliationService(Deps{
		Config:  h.cfg,
		DB:      db,
		Mailbox: h.mailbox,
		Remote:  remote.NewDirStore(h.remote),
		PDFText: func(content []byte) (string, error) { return string(content), nil },
		Log:     zap.NewNop(),
	})
	return svc, db
}

func zipOf(name string, spec testutil.InvoiceSpec) []byte {
	return testutil.Zip(testutil.Entry{Name: name, Data: []byte(testutil.InvoiceXML(spec))})
}

// seed adds three supplier archives and three approvals: one matching by
// CUFE, one only by file name and one matching nothing.
func (h *harness) seed() {
	now := time.Now()
	h.mailbox.AddArchive("in-a", "A.zip", zipOf("a.xml", testutil.InvoiceSpec{Number: "FE1", CUFE: testutil.CUFE("A"), IssueDate: "2025-11-10"}), now.Add(-72*time.Hour))
	h.mailbox.AddArchive("in-b", "FE94381.zip", zipOf("fe94381.xml", testutil.InvoiceSpec{Number: "FE94381", CUFE: testutil.CUFE("B"), IssueDate: "2025-11-10"}), now.Add(-48*time.Hour))
	h.mailbox.AddArchive("in-c", "C.zip", zipOf("c.xml", testutil.InvoiceSpec{Number: "FE3", CUFE: testutil.CUFE("C"), IssueDate: "2025-11-11"}), now.Add(-24*time.Hour))

	h.mailbox.AddApproval(approvalsFolder, "ap-1", "Aprobada", "aprobacion1.pdf", []byte("Documento aprobado\nCUFE: "+testutil.CUFE("A")), now.Add(-3*time.Hour))
	h.mailbox.AddApproval(approvalsFolder, "ap-2", "Aprobada", "fe_94381.pdf", []byte("Factura No. FE-94381\nFecha 2025-11-12"), now.Add(-2*time.Hour))
	h.mailbox.AddApproval(approvalsFolder, "ap-3", "Aprobada", "otro.pdf", []byte("Factura No. ZZ999\nFecha 2025-11-01"), now.Add(-1*time.Hour))
}

func TestRunReconcilesApprovals(t *testing.T) {
	h := newHarness(t)
	h.seed()
	svc, db := h.service(t, "state.db")

	res, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Approvals)
	assert.Equal(t, 1, res.Outcomes[internal.MatchByCUFE])
	assert.Equal(t, 1, res.Outcomes[internal.MatchByFilename])
	assert.Equal(t, 1, res.Outcomes[internal.MatchNone])
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 2, res.Acknowledged)
	assert.Equal(t, 14, res.NewRecords)
	assert.False(t, res.StoppedEarly)

	assert.Equal(t, 1, h.mailbox.Acked["ap-1"])
	assert.Equal(t, 1, h.mailbox.Acked["ap-2"])
	assert.Zero(t, h.mailbox.Acked["ap-3"])

	assert.FileExists(t, filepath.Join(h.cfg.ExtractDir, "A", ".done"))
	assert.FileExists(t, filepath.Join(h.cfg.ExtractDir, "FE94381", ".done"))
	assert.NoDirExists(t, filepath.Join(h.cfg.ExtractDir, "C"))
	assert.FileExists(t, filepath.Join(h.cfg.AttachmentsDir, "A.zip"))

	l, err := ledger.Open(h.cfg.LedgerPath)
	require.NoError(t, err)
	assert.Equal(t, 14, l.Len())
	assert.ElementsMatch(t, []string{testutil.CUFE("A"), testutil.CUFE("B")}, l.ExistingCUFEs())

	assert.FileExists(t, filepath.Join(h.remote, "Facturas", "adjuntos", "A.zip"))
	assert.FileExists(t, filepath.Join(h.remote, "Facturas", "extraidos", "FE94381", "fe94381.xml"))
	assert.NoFileExists(t, filepath.Join(h.remote, "Facturas", "extraidos", "FE94381", ".done"))
	assert.FileExists(t, filepath.Join(h.remote, "Facturas", "excel", "facturas.xlsx"))
	assert.FileExists(t, filepath.Join(h.remote, "Facturas", "excel", "historial.xlsx"))

	pdfs, err := filepath.Glob(filepath.Join(h.cfg.TempDir, "*.pdf"))
	require.NoError(t, err)
	assert.Empty(t, pdfs)

	row, err := db.GetApproval("fake", "ap-3")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, string(internal.ApprovalUnmatched), row.Status)
	assert.Equal(t, "FE94381.zip", mustApproval(t, db, "ap-2").SourceArchive)
	assert.Equal(t, string(internal.ApprovalAcknowledged), mustApproval(t, db, "ap-1").Status)

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunKindApprovals, runs[0].Kind)
	assert.Equal(t, res.TraceID, runs[0].TraceID)
	assert.Equal(t, 1, runs[0].Counts["cufe"])
	assert.Equal(t, 1, countKind(runs[0].Errors, internal.ErrNoMatchFound))

	at, ok, err := LastRunAt(db, RunKindApprovals)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
	_, ok, err = LastRunAt(db, RunKindSweep)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustApproval(t *testing.T, db *storage.DB, id string) internal.ApprovalRow {
	t.Helper()
	row, err := db.GetApproval("fake", id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return *row
}

func countKind(errs []internal.RunError, kind internal.ErrorKind) int {
	n := 0
	for _, e := range errs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunTwiceCommitsNothingNew(t *testing.T) {
	h := newHarness(t)
	h.seed()

	svc, _ := h.service(t, "first.db")
	first, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 14, first.NewRecords)

	// Lost acknowledgements and a fresh state database: only the ledger and
	// the .done markers remain.
	h.mailbox.MarkUnseen("ap-1", "ap-2")
	svc, _ = h.service(t, "second.db")
	second, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, second.NewRecords)
	assert.Zero(t, second.Ingested)
	assert.Equal(t, 1, second.Outcomes[internal.MatchAlreadyRegistered])
	assert.Equal(t, 2, second.Acknowledged)

	l, err := ledger.Open(h.cfg.LedgerPath)
	require.NoError(t, err)
	assert.Equal(t, 14, l.Len())
}

func TestRunSkipsAcknowledgedApprovals(t *testing.T) {
	h := newHarness(t)
	h.seed()
	svc, _ := h.service(t, "state.db")

	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	h.mailbox.MarkUnseen("ap-1")
	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.mailbox.Acked["ap-1"])
	assert.Equal(t, 1, res.Outcomes[internal.MatchNone])
	assert.Zero(t, res.Outcomes[internal.MatchAlreadyRegistered])
}

func TestRunFailsWithoutApprovalsFolder(t *testing.T) {
	h := newHarness(t)
	h.cfg.ApprovalsFolder = "Rechazadas"
	svc, db := h.service(t, "state.db")

	_, err := svc.Run(context.Background())
	assert.ErrorIs(t, err, connectors.ErrFolderNotFound)

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunStopsAfterConsecutiveNoMatch(t *testing.T) {
	h := newHarness(t)
	h.cfg.MinProcessed = 2
	h.cfg.MaxNoMatch = 2
	now := time.Now()
	for i, name := range []string{"x1", "x2", "x3"} {
		h.mailbox.AddApproval(approvalsFolder, name, "Aprobada", name+"_sin.pdf", []byte("Factura No. ZZ"+name+"\nFecha 2025-11-01"), now.Add(-time.Duration(i)*time.Hour))
	}
	svc, _ := h.service(t, "state.db")

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, 2, res.Outcomes[internal.MatchNone])
	assert.Empty(t, h.mailbox.Acked)
}

func TestRunRecordsDownloadFailures(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.mailbox.FailDownload["ap-1-pdf"] = errors.New("timeout")
	svc, _ := h.service(t, "state.db")

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(res.Errors, internal.ErrDownloadFailure))
	assert.Zero(t, res.Outcomes[internal.MatchByCUFE])
	assert.Zero(t, h.mailbox.Acked["ap-1"])
	assert.Equal(t, 1, h.mailbox.Acked["ap-2"])
}

func TestRunSyncsApprovalsWorkbook(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.cfg.ApprovalsWorkbookPath = "Facturas/excel/Aprobaciones.xlsx"
	h.cfg.ApprovalsSheet = "Aprobaciones"
	h.cfg.ApprovalsColNumber = "NumeroFactura"
	h.cfg.ApprovalsColRadicado = "Radicado"
	h.cfg.ApprovalsColProject = "ProyectoProceso"

	svc, _ := h.service(t, "state.db")
	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(res.Errors, internal.ErrRegistrySyncFailure))
	assert.Equal(t, 14, res.NewRecords)
}

func TestSweepIngestsEveryArchive(t *testing.T) {
	h := newHarness(t)
	h.seed()
	svc, db := h.service(t, "state.db")

	res, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Ingested)
	assert.Equal(t, 21, res.NewRecords)
	assert.Empty(t, h.mailbox.Acked)

	again, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Ingested)
	assert.Zero(t, again.NewRecords)

	docs, err := db.ListSourceDocuments(10)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		require.NotNil(t, d.DoneAt)
		assert.Equal(t, 1, d.Records)
	}

	_, err = os.Stat(filepath.Join(h.cfg.ExtractDir, "C", ".done"))
	assert.NoError(t, err)
}

func TestRunDoesNotAcknowledgeUnrecoveredArchive(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	parentOnly := testutil.InvoiceSpec{Number: "FE8", CUFE: testutil.CUFE("FE8"), IssueDate: "2025-10-02"}
	h.mailbox.AddArchive("in-8", "FE8.zip", testutil.Zip(testutil.Entry{Name: "ad_only.xml", Data: []byte(testutil.AttachedParentOnly(parentOnly))}), now.Add(-24*time.Hour))
	h.mailbox.AddApproval(approvalsFolder, "ap-8", "Aprobada", "fe8.pdf", []byte("CUFE: "+parentOnly.CUFE), now.Add(-time.Hour))
	svc, db := h.service(t, "state.db")

	res, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Outcomes[internal.MatchByCUFE])
	assert.Zero(t, res.NewRecords)
	assert.Zero(t, res.Acknowledged)
	assert.Zero(t, h.mailbox.Acked["ap-8"])
	assert.NoFileExists(t, filepath.Join(h.cfg.ExtractDir, "FE8", ".done"))
	assert.Equal(t, 1, countKind(res.Errors, internal.ErrIngestFailure))
	assert.Equal(t, 1, countKind(res.Errors, internal.ErrCorruptArchive))
	assert.Zero(t, countKind(res.Errors, internal.ErrUploadFailure))
	assert.NoFileExists(t, h.cfg.LedgerPath)
	assert.Equal(t, string(internal.ApprovalFailed), mustApproval(t, db, "ap-8").Status)

	// Still unacknowledged, so the next run retries it.
	again, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Outcomes[internal.MatchByCUFE])
	assert.Equal(t, 1, countKind(again.Errors, internal.ErrIngestFailure))
}

func TestPublishSkipsUnwrittenLedger(t *testing.T) {
	h := newHarness(t)
	svc, _ := h.service(t, "state.db")
	r := svc.newRun(RunKindSweep)
	require.NoError(t, r.openLedger())
	r.history = []ledger.HistoryRow{{At: time.Now(), Archive: "X.zip", Errors: 1}}

	r.publishWorkbooks(context.Background())

	assert.Zero(t, r.errs.Count(internal.ErrUploadFailure))
	assert.NoFileExists(t, filepath.Join(h.remote, "Facturas", "excel", "facturas.xlsx"))
	assert.FileExists(t, filepath.Join(h.remote, "Facturas", "excel", "historial.xlsx"))
}
