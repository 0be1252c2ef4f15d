// Package app assembles the engine and its collaborators from the
// configuration file.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/call"
	"github.com/meszmate/orekh/internal/config"
	"github.com/meszmate/orekh/internal/engine"
	"github.com/meszmate/orekh/internal/logging"
	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/storage"
	"github.com/meszmate/orekh/internal/xmpp"
)

// PasswordEnv overrides the configured account password.
const PasswordEnv = "OREKH_PASSWORD"

// Params holds the command line overrides passed to the module.
type Params struct {
	// ConfigPath is the config file; empty means the XDG default.
	ConfigPath string
	// JID overrides the configured account.
	JID string
	// Console mirrors the log to stderr. Only sensible without the UI.
	Console bool
}

// Module returns the fx module composing the engine, its storage and
// transport, and their lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("orekh",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideTransport,
			provideNotifier,
			provideAlerter,
			provideEngine,
		),
		fx.Invoke(registerMetrics, registerEngine),
	)
}

// WithLogger routes fx's own events to the application logger.
func WithLogger() fx.Option {
	return fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: l.Named("fx")}
	})
}

func provideConfig(p Params) (*config.Config, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = paths.DefaultPath()
	}
	cfg, err := config.Load(path, paths)
	if err != nil {
		return nil, err
	}
	if p.JID != "" {
		cfg.Account.JID = p.JID
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		cfg.Account.Password = pw
	}
	if p.Console {
		cfg.Logging.Console = true
	}
	return cfg, nil
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	logger, closeLog, err := logging.New(cfg.Logger())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closeLog))
	return logger, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	logger.Info("store opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("data_dir", cfg.Storage.DataDir))
	return store, nil
}

func provideTransport(cfg *config.Config, logger *zap.Logger) xmpp.Transport {
	return &xmpp.TCPTransport{
		Server:      cfg.Account.Server,
		Port:        cfg.Account.Port,
		DialTimeout: cfg.Timeouts.Request.Duration,
		Logger:      logger.Named("transport"),
	}
}

func provideNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	if !cfg.UI.Notifications {
		return notify.Log{Logger: logger.Named("notify")}
	}
	return notify.Desktop{
		Logger:  logger.Named("notify"),
		Timeout: 5 * time.Second,
		AppName: "orekh",
	}
}

// provideAlerter repeats the incoming call alert until the call is
// answered.
func provideAlerter(cfg *config.Config, n notify.Notifier, logger *zap.Logger) call.Alerter {
	r := &call.Ringer{
		Notifier: n,
		Interval: call.DefaultRingInterval,
		Logger:   logger.Named("ring"),
	}
	if cfg.UI.Bell {
		r.Bell = os.Stderr
	}
	return r
}

func provideEngine(cfg *config.Config, tr xmpp.Transport, store storage.Store, n notify.Notifier, a call.Alerter, logger *zap.Logger) *engine.Engine {
	return engine.New(cfg.Engine(), engine.Deps{
		Transport: tr,
		Store:     store,
		Notifier:  n,
		Alerter:   a,
		Logger:    logger.Named("engine"),
	})
}

// registerMetrics serves /metrics when an address is configured.
func registerMetrics(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) {
	metrics.Init()
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// registerEngine connects the configured account in the background once
// the application starts and closes the engine, and with it the store, on
// stop.
func registerEngine(lc fx.Lifecycle, cfg *config.Config, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.Account.JID == "" {
				logger.Warn("no account configured, staying offline")
				return nil
			}
			account, err := jid.Parse(cfg.Account.JID)
			if err != nil {
				return fmt.Errorf("account: %w", err)
			}
			go func() {
				if err := e.Connect(context.Background(), account, cfg.Account.Password); err != nil {
					logger.Error("connect failed", zap.String("account", account.String()), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			return e.Close()
		},
	})
}
