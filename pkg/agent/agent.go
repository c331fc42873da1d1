package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/neio-relay/internal/configsvc"
	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/internal/detect/linux"
	"github.com/neuroplastio/neio-relay/internal/historysvc"
	"github.com/neuroplastio/neio-relay/internal/relaysvc"
	"github.com/neuroplastio/neio-relay/internal/transport"
	"github.com/neuroplastio/neio-relay/internal/virtdev"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	config Config
	log    *zap.Logger
	level  zap.AtomicLevel

	// services are constructed on first use, so commands that only query history never bind the endpoint
	container *dig.Container
	db        *badger.DB
}

func NewAgent(config Config) (*Agent, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.LogLevel != "" {
		if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
		}
	}
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.Level = level
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &Agent{
		config:    config,
		log:       logger,
		level:     level,
		container: dig.New(),
	}
	if err := a.provide(); err != nil {
		return nil, fmt.Errorf("failed to wire agent: %w", err)
	}
	return a, nil
}

func (a *Agent) provide() error {
	providers := []any{
		func() *zap.Logger {
			return a.log
		},
		func() Config {
			return a.config
		},
		a.openDB,
		func(log *zap.Logger) *configsvc.Service {
			return configsvc.New(log.Named("config"))
		},
		func(log *zap.Logger) detect.Engine {
			return linux.NewEngine(log.Named("detect.linux"))
		},
		func(log *zap.Logger, engine detect.Engine) *detect.Adapter {
			return detect.NewAdapter(log.Named("detect"), engine)
		},
		func(log *zap.Logger, config Config) (transport.Acceptor, error) {
			return transport.Listen(log.Named("transport"), config.Transport, config.Listen, config.Channel)
		},
		func(config Config) *relaysvc.VendorFilter {
			return relaysvc.NewVendorFilter(config.IgnoreVendors...)
		},
		func(log *zap.Logger, config Config, acceptor transport.Acceptor, adapter *detect.Adapter, filter *relaysvc.VendorFilter) *relaysvc.Service {
			opts := []relaysvc.Option{relaysvc.WithFilter(filter)}
			if config.QueueSize > 0 {
				opts = append(opts, relaysvc.WithQueueSize(config.QueueSize))
			}
			return relaysvc.New(log.Named("relay"), acceptor, adapter, time.Now, opts...)
		},
		func(log *zap.Logger, db *badger.DB, relay *relaysvc.Service) *historysvc.Service {
			return historysvc.New(db, log.Named("history"), relay, time.Now)
		},
	}
	for _, p := range providers {
		if err := a.container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) openDB(config Config) (*badger.DB, error) {
	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: a.log.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *Agent) Logger() *zap.Logger {
	return a.log
}

func (a *Agent) Close() error {
	_ = a.log.Sync()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the relay and blocks until the context is cancelled or the listening endpoint fails.
// Agent startup will fail if the configuration is not valid.
// In case configuration becomes invalid after the startup, it will remain running with the last valid configuration.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type services struct {
		dig.In

		Config  *configsvc.Service
		Relay   *relaysvc.Service
		History *historysvc.Service
		Filter  *relaysvc.VendorFilter
	}
	var svc services
	err := a.container.Invoke(func(s services) {
		svc = s
	})
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", dig.RootCause(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Config.Start(groupCtx)
	})
	group.Go(func() error {
		return svc.History.Start(groupCtx)
	})
	group.Go(func() error {
		// history has to be subscribed before the first session notice
		select {
		case <-groupCtx.Done():
			return nil
		case <-svc.History.Ready():
		}
		return svc.Relay.Start(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-svc.Config.Ready():
		}
		return a.watchConfig(svc.Config, svc.Filter)
	})

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) watchConfig(svc *configsvc.Service, filter *relaysvc.VendorFilter) error {
	if a.config.ConfigFile == "" {
		return nil
	}
	_, err := configsvc.Register(svc, a.config.ConfigFile, a.config, func(config Config, err error) {
		if err != nil {
			return
		}
		a.applyReload(config, filter)
	})
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	return nil
}

func (a *Agent) applyReload(config Config, filter *relaysvc.VendorFilter) {
	if config.LogLevel != "" {
		if err := a.level.UnmarshalText([]byte(config.LogLevel)); err != nil {
			a.log.Warn("Ignoring invalid log level", zap.String("level", config.LogLevel))
		}
	}
	filter.SetIgnored(config.IgnoreVendors)
	a.log.Info("Applied config", zap.Stringer("level", a.level.Level()), zap.Ints("ignoreVendors", config.IgnoreVendors))
}

// History returns the device registry and session history.
func (a *Agent) History() (*historysvc.Service, error) {
	var db *badger.DB
	err := a.container.Invoke(func(d *badger.DB) {
		db = d
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return historysvc.New(db, a.log.Named("history"), nil, time.Now), nil
}

// Simulate runs a virtual gamepad until ctx is done.
func (a *Agent) Simulate(ctx context.Context, opts ...virtdev.Option) error {
	return virtdev.New(a.log.Named("virtdev"), opts...).Run(ctx)
}
