// Package ledgerstore opens the ledger store selected by configuration.
package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/zula-go/config"
	"github.com/glimte/zula-go/ledger"
	badgerstore "github.com/glimte/zula-go/ledger/badger"
	mysqlstore "github.com/glimte/zula-go/ledger/mysql"
	pgstore "github.com/glimte/zula-go/ledger/postgres"
	"github.com/glimte/zula-go/messaging"
)

// ErrNoLedger is returned by Recorder when the driver is "none".
var ErrNoLedger = errors.New("ledgerstore: no ledger configured")

// Handle owns an opened ledger and the resources behind it.
type Handle struct {
	recorder *ledger.Recorder
	closers  []func() error
}

// Ledger returns the ledger to hand to publishers and registries.
// It is a NoopLedger when no driver is configured.
func (h *Handle) Ledger() messaging.Ledger {
	if h.recorder == nil {
		return messaging.NoopLedger{}
	}
	return h.recorder
}

// Recorder returns the underlying recorder.
func (h *Handle) Recorder() (*ledger.Recorder, error) {
	if h.recorder == nil {
		return nil, ErrNoLedger
	}
	return h.recorder, nil
}

// Close releases the store connection.
func (h *Handle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// Open builds the store named by cfg.Driver and wraps it in a recorder whose
// schema is cfg.Schema or, when empty, derived from serviceName. With
// AutoCreateSchema the schema and tables are created before returning.
func Open(ctx context.Context, cfg config.LedgerConfig, serviceName string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handle{}
	store, err := openStore(ctx, cfg, logger, h)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return h, nil
	}

	opts := []ledger.RecorderOption{
		ledger.WithServiceSchema(serviceName),
		ledger.WithRecorderLogger(logger),
	}
	if cfg.Schema != "" {
		opts = append(opts, ledger.WithSchema(cfg.Schema))
	}

	recorder, err := ledger.NewRecorder(store, opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	if cfg.AutoCreateSchema {
		if err := recorder.Migrate(ctx); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	h.recorder = recorder
	logger.Info("ledger opened", "driver", cfg.Driver, "schema", recorder.Schema())
	return h, nil
}

func openStore(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger, h *Handle) (ledger.Store, error) {
	switch cfg.Driver {
	case "", config.LedgerNone:
		return nil, nil

	case config.LedgerMemory:
		return ledger.NewMemoryStore(), nil

	case config.LedgerPostgres:
		store, err := pgstore.Open(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, store.Close)
		return store, nil

	case config.LedgerMySQL:
		store, db, err := mysqlstore.Open(ctx, cfg.DSN, mysqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, db.Close)
		return store, nil

	case config.LedgerBadger:
		store, err := badgerstore.Open(cfg.BadgerDir, cfg.BadgerInMemory)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("ledgerstore: unknown driver %q", cfg.Driver)
	}
}
