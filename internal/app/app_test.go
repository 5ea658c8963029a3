package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"facturas/internal/config"
	"facturas/internal/remote"
	"facturas/internal/storage"
)

func TestMakeRemote(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	store, err := MakeRemote(ctx, config.Config{RemoteProvider: "none"}, log)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = MakeRemote(ctx, config.Config{RemoteProvider: "Dir", RemoteDir: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &remote.DirStore{}, store)

	_, err = MakeRemote(ctx, config.Config{RemoteProvider: "sharepoint"}, log)
	assert.Error(t, err)

	_, err = MakeRemote(ctx, config.Config{RemoteProvider: "drive"}, log)
	assert.ErrorContains(t, err, "GMAIL_CLIENT_ID")
}

func TestMakeMailbox(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	_, err := MakeMailbox(ctx, config.Config{MailProvider: "pop3"}, "", log)
	assert.ErrorContains(t, err, "unsupported mail provider")

	_, err = MakeMailbox(ctx, config.Config{MailProvider: "gmail"}, "imap", log)
	assert.ErrorContains(t, err, "IMAP_HOST")

	mb, err := MakeMailbox(ctx, config.Config{IMAPHost: "mail.example.com", IMAPUser: "u", IMAPPassword: "p", MailRateLimitRPS: 2}, "imap", log)
	require.NoError(t, err)
	assert.Equal(t, "imap", mb.Name())
}

func TestListenerFactoryBuildsPerCycle(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := config.Config{IMAPHost: "mail.example.com", IMAPUser: "u", IMAPPassword: "p", RemoteProvider: "none"}
	build := ListenerFactory(cfg, db, "imap", zap.NewNop())

	first, closeFirst, err := build(ctx)
	require.NoError(t, err)
	second, closeSecond, err := build(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NoError(t, closeFirst())
	assert.NoError(t, closeSecond())

	_, _, err = ListenerFactory(config.Config{MailProvider: "pop3"}, db, "", zap.NewNop())(ctx)
	assert.ErrorContains(t, err, "unsupported mail provider")
}
