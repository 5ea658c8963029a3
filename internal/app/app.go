// Package app wires the configured mail provider, remote store and state
// database into a reconciliation service.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"

	"facturas/internal/config"
	"facturas/internal/connectors"
	gmailconnector "facturas/internal/connectors/gmail"
	imapconnector "facturas/internal/connectors/imap"
	"facturas/internal/listener"
	"facturas/internal/pipeline"
	"facturas/internal/remote"
	"facturas/internal/storage"
)

// MakeMailbox returns the throttled mailbox for provider, or for
// cfg.MailProvider when provider is empty.
func MakeMailbox(ctx context.Context, cfg config.Config, provider string, log *zap.Logger) (connectors.Mailbox, error) {
	if strings.TrimSpace(provider) == "" {
		provider = cfg.MailProvider
	}

	var mb connectors.Mailbox
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		conn, err := gmailconnector.NewConnector(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		mb = conn
	case "imap":
		conn, err := imapconnector.NewConnector(cfg, log)
		if err != nil {
			return nil, err
		}
		mb = conn
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
	return connectors.Throttled(mb, connectors.NewRateLimiter(cfg.MailRateLimitRPS)), nil
}

// MakeRemote returns nil for provider "none".
func MakeRemote(ctx context.Context, cfg config.Config, log *zap.Logger) (remote.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RemoteProvider)) {
	case "", "none":
		return nil, nil
	case "dir":
		return remote.NewDirStore(cfg.RemoteDir), nil
	case "drive":
		ts, err := gmailconnector.TokenSource(ctx, cfg, drive.DriveScope)
		if err != nil {
			return nil, err
		}
		store, err := remote.NewDriveStore(ctx, ts, cfg.DriveRootFolderID, log.Named("drive"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported remote provider: %s", cfg.RemoteProvider)
	}
}

// NewReconciliationService builds the service and returns the mailbox so the
// caller can close it.
func NewReconciliationService(ctx context.Context, cfg config.Config, db *storage.DB, provider string, log *zap.Logger) (*pipeline.ReconciliationService, connectors.Mailbox, error) {
	mb, err := MakeMailbox(ctx, cfg, provider, log)
	if err != nil {
		return nil, nil, err
	}
	store, err := MakeRemote(ctx, cfg, log)
	if err != nil {
		_ = mb.Close()
		return nil, nil, err
	}

	svc := pipeline.NewReconciliationService(pipeline.Deps{
		Config:  cfg,
		DB:      db,
		Mailbox: mb,
		Remote:  store,
		Log:     log,
	})
	return svc, mb, nil
}

// ListenerFactory builds a new service and mailbox for every listener cycle.
func ListenerFactory(cfg config.Config, db *storage.DB, provider string, log *zap.Logger) listener.Factory {
	return func(ctx context.Context) (listener.Runner, func() error, error) {
		svc, mb, err := NewReconciliationService(ctx, cfg, db, provider, log)
		if err != nil {
			return nil, nil, err
		}
		return svc, mb.Close, nil
	}
}
