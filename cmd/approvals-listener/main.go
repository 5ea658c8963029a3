package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"facturas/internal/app"
	"facturas/internal/config"
	"facturas/internal/listener"
	"facturas/internal/logging"
	"facturas/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	log, err := logging.New(cfg)
	must(err)
	defer log.Sync()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(listener.NewService(app.ListenerFactory(cfg, db, "", log), cfg.ListenerInterval, log).Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
