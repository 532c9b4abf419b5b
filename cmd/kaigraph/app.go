package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"

	"kaigraph/changeset"
	"kaigraph/config"
	"kaigraph/dvu"
	"kaigraph/events"
	"kaigraph/layerdb"
	"kaigraph/model"
	"kaigraph/store"
)

// app holds the services a command works with. It is opened before each
// command runs and closed afterwards.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *store.DB
	layers *layerdb.DB
	nc     *nats.Conn
	sink   events.Sink
	svc    *changeset.Service
}

var current *app

func loadConfig() (*config.Config, error) {
	cfg := config.FromEnv()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if logJSONFlag {
		cfg.LogFormat = "json"
	}
	if natsURLFlag != "" {
		cfg.NATSURL = natsURLFlag
	}
	if actorFlag != "" {
		cfg.Actor = actorFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openApp() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if a.db, err = store.OpenDir(cfg.DataDir); err != nil {
		return err
	}

	lcfg := layerdb.Config{
		Store:          a.db,
		MemoryBytes:    cfg.MemoryCacheBytes,
		PersistTimeout: cfg.PersistTimeout,
		Logger:         logger,
	}
	if cfg.BadgerDir != "" || cfg.BadgerInMemory {
		lcfg.BadgerConfig = &layerdb.BadgerConfig{Path: cfg.BadgerDir, InMemory: cfg.BadgerInMemory, Logger: logger}
	}
	if a.layers, err = layerdb.Open(lcfg); err != nil {
		a.db.Close()
		return err
	}

	sinks := events.Multi{events.LogSink{Logger: logger}}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("kaigraph"))
		if err != nil {
			a.close()
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		a.nc = nc
		sinks = append(sinks, events.NewNATSSink(nc, cfg.SubjectPrefix))
	}
	a.sink = sinks

	a.svc = changeset.NewService(changeset.Config{Store: a.db, Layers: a.layers, Sink: a.sink, Logger: logger})
	current = a
	return nil
}

func closeApp() error {
	if current == nil {
		return nil
	}
	err := current.close()
	current = nil
	return err
}

func (a *app) close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.layers != nil {
		if err := a.layers.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) dvuEngine() (*dvu.Engine, error) {
	return dvu.NewEngine(dvu.Config{
		Executor:        model.IntrinsicExecutor{},
		CAS:             a.layers.CAS(),
		PerOwnerLimit:   a.cfg.PerOwnerLimit,
		MaxActiveOwners: a.cfg.MaxActiveOwners,
		Sink:            a.sink,
		Logger:          a.logger,
	})
}

// workspaceID resolves an explicit workspace or the only one there is.
func (a *app) workspaceID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	all, err := a.db.ListWorkspaces()
	if err != nil {
		return "", err
	}
	switch len(all) {
	case 0:
		return "", errors.New("no workspace; run 'kaigraph init' first")
	case 1:
		return all[0].ID, nil
	default:
		return "", errors.New("several workspaces exist; pass --ws")
	}
}

// changeSetID resolves an explicit change set or the workspace's HEAD.
func (a *app) changeSetID(wsID, csID string) (string, error) {
	if csID != "" {
		return csID, nil
	}
	wsID, err := a.workspaceID(wsID)
	if err != nil {
		return "", err
	}
	ws, err := a.db.GetWorkspace(wsID)
	if err != nil {
		return "", err
	}
	return ws.HeadChangeSetID, nil
}

func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
