package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"facturas/internal"
	"facturas/internal/app"
	"facturas/internal/config"
	"facturas/internal/ident"
	"facturas/internal/invoice"
	"facturas/internal/ledger"
	"facturas/internal/listener"
	"facturas/internal/logging"
	"facturas/internal/pdftext"
	"facturas/internal/pipeline"
	"facturas/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log, err := logging.New(cfg)
	must(err)
	defer log.Sync()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	switch cmd {
	case "approvals:run", "inbox:ingest":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "", "gmail|imap (default MAIL_PROVIDER)")
		folder := fs.String("folder", "", "approvals folder/label (default APPROVALS_FOLDER)")
		days := fs.Int("days", 0, "lookback window in days (default LOOKBACK_DAYS)")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*folder) != "" {
			cfg.ApprovalsFolder = *folder
		}
		if *days > 0 {
			cfg.LookbackWindow = time.Duration(*days) * 24 * time.Hour
		}

		svc, mb, err := app.NewReconciliationService(ctx, cfg, db, *provider, log)
		must(err)
		defer mb.Close()

		var res pipeline.RunResult
		if cmd == "approvals:run" {
			res, err = svc.Run(ctx)
		} else {
			res, err = svc.Sweep(ctx)
		}
		must(err)
		printResult(res)
	case "ledger:sync-approvals":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		approvals := fs.String("approvals", "", "local approvals workbook path")
		ledgerPath := fs.String("ledger", cfg.LedgerPath, "ledger workbook path")
		sheet := fs.String("sheet", cfg.ApprovalsSheet, "approvals sheet name")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*approvals) == "" {
			must(fmt.Errorf("--approvals is required"))
		}
		l, err := ledger.Open(*ledgerPath)
		must(err)
		n, err := l.SyncApprovals(*approvals, ledger.ApprovalsLayout{
			Sheet:       *sheet,
			ColNumber:   cfg.ApprovalsColNumber,
			ColRadicado: cfg.ApprovalsColRadicado,
			ColProject:  cfg.ApprovalsColProject,
		})
		must(err)
		fmt.Printf("ledger rows updated=%d path=%s\n", n, l.Path())
	case "report:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		out := fs.String("out", filepath.Join(cfg.OutputDir, "aprobaciones.xlsx"), "output xlsx path")
		status := fs.String("status", "", "pending|unmatched|failed|acknowledged (default all)")
		limit := fs.Int("limit", 500, "max approvals")
		_ = fs.Parse(os.Args[2:])
		rows, err := db.ListApprovals(*status, *limit)
		must(err)
		runs, err := db.ListRuns(50)
		must(err)
		must(pipeline.ExportApprovalsToXLSX(rows, runs, *out))
		fmt.Printf("exported %d approvals and %d runs to %s\n", len(rows), len(runs), *out)
		for _, kind := range []string{pipeline.RunKindApprovals, pipeline.RunKindSweep} {
			at, ok, err := pipeline.LastRunAt(db, kind)
			must(err)
			if ok {
				fmt.Printf("  last %s run %s\n", kind, at.Local().Format(time.DateTime))
			}
		}
	case "approvals:listen":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "", "gmail|imap (default MAIL_PROVIDER)")
		interval := fs.Duration("interval", cfg.ListenerInterval, "time between runs")
		_ = fs.Parse(os.Args[2:])
		must(listener.NewService(app.ListenerFactory(cfg, db, *provider, log), *interval, log).Run(ctx))
	case "identify":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "approval pdf or UBL xml")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		id, err := identify(cfg, *file)
		must(err)
		fmt.Printf("cufe=%s number=%s date=%s matchable=%t\n", id.CUFE, id.Number, id.Date, id.Matchable())
	default:
		usage()
		os.Exit(1)
	}
}

func identify(cfg config.Config, file string) (internal.Identifier, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return internal.Identifier{}, err
	}
	if strings.EqualFold(filepath.Ext(file), ".xml") {
		dir := filepath.Dir(file)
		return invoice.Identify(data, func(name string) ([]byte, error) {
			return os.ReadFile(filepath.Join(dir, filepath.Base(name)))
		})
	}
	text, err := pdftext.Extract(data)
	if err != nil {
		return internal.Identifier{}, err
	}
	ex := ident.NewExtractor(cfg.NumberExcludeTokens)
	return ident.WithFallback(ex.FromPDFText(text), ex.FromSubject(filepath.Base(file))), nil
}

func printResult(res pipeline.RunResult) {
	fmt.Printf("run done kind=%s trace=%s approvals=%d acknowledged=%d ingested=%d new_records=%d errors=%d stopped_early=%t\n",
		res.Kind, res.TraceID, res.Approvals, res.Acknowledged, res.Ingested, res.NewRecords, len(res.Errors), res.StoppedEarly)
	for _, kind := range []internal.MatchKind{
		internal.MatchAlreadyRegistered, internal.MatchByCUFE, internal.MatchByNumberDate, internal.MatchByFilename, internal.MatchNone,
	} {
		if n := res.Outcomes[kind]; n > 0 {
			fmt.Printf("  %s=%d\n", kind, n)
		}
	}
	for _, e := range res.Errors {
		fmt.Printf("  %s %s: %s\n", e.Kind, e.Ref, e.Message)
	}
}

func usage() {
	fmt.Println("usage: facturas <command> [flags]")
	fmt.Println("commands:")
	fmt.Println("  approvals:run [--provider gmail|imap] [--folder Aprobadas] [--days 30]")
	fmt.Println("  inbox:ingest [--provider gmail|imap] [--days 30]")
	fmt.Println("  ledger:sync-approvals --approvals Aprobaciones.xlsx [--ledger facturas.xlsx] [--sheet Aprobaciones]")
	fmt.Println("  report:xlsx [--out out/aprobaciones.xlsx] [--status unmatched] [--limit 500]")
	fmt.Println("  approvals:listen [--provider gmail|imap] [--interval 15m]")
	fmt.Println("  identify --file approval.pdf|invoice.xml")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
