package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/centralstore"
	"github.com/fyrsmithlabs/errorkb/internal/config"
	kbhttp "github.com/fyrsmithlabs/errorkb/internal/http"
	"github.com/fyrsmithlabs/errorkb/internal/localstore"
	"github.com/fyrsmithlabs/errorkb/internal/logging"
	"github.com/fyrsmithlabs/errorkb/internal/secrets"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
	"github.com/fyrsmithlabs/errorkb/internal/telemetry"
)

// errNoCentral is returned by commands that need the central store when
// central.mode is empty.
var errNoCentral = errors.New("central store is not configured (set central.mode)")

// app holds what the commands share. Everything is opened on first use and
// released by close.
type app struct {
	configPath string
	storePath  string
	jsonOutput bool

	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  *localstore.Store

	central      syncer.Central
	closeCentral func() error
}

func (a *app) setup(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.storePath != "" {
		cfg.Store.Path = a.storePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	a.logger, err = logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	a.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	scrubber, err := secrets.New(&secrets.Config{
		Enabled:         cfg.Secrets.Enabled,
		Rules:           secrets.DefaultRules(),
		RedactionString: cfg.Secrets.RedactionString,
		AllowList:       cfg.Secrets.AllowList,
	})
	if err != nil {
		return fmt.Errorf("secret scrubber: %w", err)
	}

	a.store, err = localstore.Open(ctx, cfg.Store.Path, localstore.Options{
		Logger:             a.logger.Underlying().Named("localstore"),
		Scrubber:           scrubber,
		Matcher:            &similarity.Matcher{Threshold: cfg.Matcher.Threshold},
		CheckpointInterval: cfg.Store.CheckpointInterval.Duration(),
		ReadConns:          cfg.Store.ReadConns,
	})
	if err != nil {
		return fmt.Errorf("opening local store %s: %w", cfg.Store.Path, err)
	}
	a.logger.Debug(ctx, "local store opened",
		zap.String("path", a.store.Path()),
		zap.String("instance_id", a.store.InstanceID()))
	return nil
}

// openCentral connects to the central store named by central.mode.
func (a *app) openCentral(ctx context.Context) (syncer.Central, error) {
	if a.central != nil {
		return a.central, nil
	}
	c := a.cfg.Central
	switch c.Mode {
	case config.CentralModeHTTP:
		client, err := kbhttp.NewClient(kbhttp.ClientConfig{
			BaseURL: c.BaseURL,
			Token:   c.Token.Value(),
			Timeout: c.Timeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		a.central = client
	case config.CentralModeDirect:
		store, err := centralstore.Open(ctx, centralstore.Config{
			Driver:         c.Driver,
			DSN:            c.DSN.Value(),
			MergeThreshold: c.MergeThreshold,
			MatchThreshold: a.cfg.Matcher.Threshold,
			MaxOpenConns:   c.MaxOpenConns,
			LogSQL:         c.LogSQL,
		}, a.logger.Underlying().Named("centralstore"))
		if err != nil {
			return nil, fmt.Errorf("opening central store: %w", err)
		}
		a.central = store
		a.closeCentral = store.Close
	default:
		return nil, errNoCentral
	}
	return a.central, nil
}

// newEngine builds a sync engine over the local and central stores.
func (a *app) newEngine(ctx context.Context) (*syncer.Engine, error) {
	central, err := a.openCentral(ctx)
	if err != nil {
		return nil, err
	}
	cfg := syncer.FromSettings(a.cfg.Sync)
	cfg.TracerProvider = a.tel.TracerProvider()
	return syncer.New(cfg, a.store, central, a.logger)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.closeCentral != nil {
		errs = append(errs, a.closeCentral())
		a.closeCentral = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

// emit writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) emit(w io.Writer, v any, text func(io.Writer)) error {
	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
