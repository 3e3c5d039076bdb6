// Package app wires the configured backend, persistence, and logging into
// one application instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/backend"
	"github.com/warbler-im/warbler/internal/config"
	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/logging"
	"github.com/warbler-im/warbler/internal/storage/sqlite"
)

// App owns the long-lived pieces of a running instance.
type App struct {
	Config  *config.Config
	Log     *zap.Logger
	Bus     *event.Bus
	Backend backend.Backend
	Store   *sqlite.DB

	account string
	cancels []func()
}

// New builds an App from configuration.
func New(cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Console)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	bus := event.NewBus()

	ecfg := engine.Config{
		ArchivePageSize: cfg.History.PageSize,
		ArchiveTimeout:  time.Duration(cfg.History.ArchiveTimeoutSeconds) * time.Second,
	}
	be, err := backend.Select(cfg.Backend.Mode, cfg.Backend.BridgePath, ecfg, bus, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Log:     logger,
		Bus:     bus,
		Backend: be,
	}

	if cfg.Storage.SaveMessages {
		store, err := sqlite.New(cfg.General.DataDir)
		if err != nil {
			be.Close()
			return nil, err
		}
		a.Store = store

		if cfg.Storage.MessageRetentionDays > 0 {
			if n, err := store.DeleteOldMessages(cfg.Storage.MessageRetentionDays); err != nil {
				logger.Warn("failed to prune old messages", zap.Error(err))
			} else if n > 0 {
				logger.Info("pruned old messages", zap.Int64("count", n))
			}
		}
		if cfg.Storage.VacuumOnStartup {
			if err := store.Vacuum(); err != nil {
				logger.Warn("vacuum failed", zap.Error(err))
			}
		}
		if n, err := store.GetMessageCount(); err == nil {
			logger.Info("message store opened", zap.Int64("messages", n))
		}

		// The last signed-in account scopes reads while offline.
		if acct, err := store.GetAppState("account"); err == nil && acct != "" {
			a.account = acct
		}

		a.wirePersistence()
	}

	return a, nil
}

// Connect signs in with the configured account.
func (a *App) Connect(ctx context.Context) error {
	acct := a.Config.Account
	if acct.JID == "" {
		return fmt.Errorf("no account configured")
	}

	address := acct.JID
	if acct.Resource != "" && !strings.Contains(address, "/") {
		address = address + "/" + acct.Resource
	}

	if addr, err := jid.Parse(address); err == nil {
		a.account = addr.Bare().String()
		if a.Store != nil {
			if err := a.Store.SetAppState("account", a.account); err != nil {
				a.Log.Warn("failed to persist account", zap.Error(err))
			}
		}
	}

	return a.Backend.Connect(ctx, address, acct.Password, acct.Endpoint)
}

// History reads a conversation through the backend, falling back to the
// on-disk store when there is no session.
func (a *App) History(ctx context.Context, conversation string, limit int) ([]engine.Message, error) {
	msgs, err := a.Backend.GetHistory(ctx, conversation, limit, time.Time{})
	if err == nil || !errors.Is(err, engine.ErrNotConnected) {
		return msgs, err
	}
	if a.Store == nil || a.account == "" {
		return nil, err
	}
	stored, serr := a.Store.GetMessages(a.account, bareAddress(conversation), limit, 0)
	if serr != nil {
		return nil, serr
	}
	// The store returns oldest first; callers expect newest first.
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return stored, nil
}

// Roster reads the contact list through the backend, falling back to the
// cached copy on disk when there is no session.
func (a *App) Roster(ctx context.Context) ([]engine.RosterEntry, error) {
	entries, err := a.Backend.GetRoster(ctx)
	if err == nil || !errors.Is(err, engine.ErrNotConnected) {
		return entries, err
	}
	if a.Store == nil || a.account == "" {
		return nil, err
	}
	return a.Store.GetRoster(a.account)
}

// PurgeHistory removes a conversation's stored messages.
func (a *App) PurgeHistory(conversation string) error {
	if a.Store == nil {
		return fmt.Errorf("message storage is disabled")
	}
	if a.account == "" {
		return fmt.Errorf("no account on record")
	}
	return a.Store.DeleteMessages(a.account, bareAddress(conversation))
}

// wirePersistence mirrors bus traffic into the store.
func (a *App) wirePersistence() {
	a.cancels = append(a.cancels,
		a.Bus.Subscribe(event.MessageReceived, func(payload any) {
			msg, ok := payload.(engine.Message)
			if !ok || a.account == "" {
				return
			}
			if err := a.Store.SaveMessage(a.account, conversationKey(msg), msg); err != nil {
				a.Log.Warn("failed to persist message", zap.Error(err))
			}
		}),
		a.Bus.Subscribe(event.RosterReceived, a.persistRoster),
		a.Bus.Subscribe(event.RosterUpdated, a.persistRoster),
	)
}

func (a *App) persistRoster(payload any) {
	ev, ok := payload.(engine.RosterEvent)
	if !ok || a.account == "" {
		return
	}
	if err := a.Store.SaveRoster(a.account, ev.Entries); err != nil {
		a.Log.Warn("failed to persist roster", zap.Error(err))
	}
}

// SaveSent persists a message returned by SendMessage.
func (a *App) SaveSent(msg engine.Message) {
	if a.Store == nil || a.account == "" {
		return
	}
	if err := a.Store.SaveMessage(a.account, msg.To, msg); err != nil {
		a.Log.Warn("failed to persist sent message", zap.Error(err))
	}
}

// Close releases everything in reverse order of construction.
func (a *App) Close() {
	for _, cancel := range a.cancels {
		cancel()
	}
	if err := a.Backend.Close(); err != nil {
		a.Log.Warn("error closing backend", zap.Error(err))
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("error closing store", zap.Error(err))
		}
	}
	_ = a.Log.Sync()
}

// conversationKey files a message under its conversation's bare address.
func conversationKey(msg engine.Message) string {
	return bareAddress(msg.From)
}

func bareAddress(identifier string) string {
	if parsed, err := jid.Parse(identifier); err == nil {
		return parsed.Bare().String()
	}
	return identifier
}
