package frontbase

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/frontbase/frontbase/internal/logger"
	"github.com/frontbase/frontbase/pkg/auth"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/query"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/server"
	"github.com/frontbase/frontbase/pkg/session"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/frontbase/frontbase/pkg/store/memory"
	"github.com/frontbase/frontbase/pkg/store/postgres"
	"github.com/frontbase/frontbase/pkg/watcher"
)

// App wires the store, the listener registry, the change watcher and the
// socket server together.
type App struct {
	config  *Config
	logData *logger.LogData
	log     zerolog.Logger

	store     store.Store
	lifecycle *lifecycle.Lifecycle
	registry  *registry.Registry
	executor  *query.Executor
	hasher    auth.PasswordHasher
	tokens    *auth.TokenService
	server    *server.Server
	watcher   *watcher.Watcher
}

type Option func(*options)

type options struct {
	store     store.Store
	logWriter io.Writer
}

// WithStore uses s instead of the store named by the configuration. The app
// takes ownership and closes it.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogWriter sends logs to w instead of stdout or the configured file.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logWriter = w }
}

// New creates an application instance. Nothing listens until Run.
func New(config *Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	build := logger.New().Level(config.LogLevel)
	if o.logWriter != nil {
		build = build.FromBuffer(o.logWriter)
	} else if config.LogFile != "" {
		build = build.FromPath(config.LogFile)
	}
	logData, err := build.Make()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log := logData.Logger

	tokens, err := auth.NewTokenService(config.Secret,
		auth.WithIssuer(config.Issuer),
		auth.WithTTL(config.TokenTTL),
	)
	if err != nil {
		_ = logData.Close()
		return nil, err
	}

	appStore := o.store
	if appStore == nil {
		appStore, err = openStore(config, log)
		if err != nil {
			_ = logData.Close()
			return nil, err
		}
	}

	lc := lifecycle.New()
	lc.OnChange(func(from, to lifecycle.State) {
		log.Info().Str("from", string(from)).Str("to", string(to)).Msg("server state changed")
	})

	reg := registry.New(log)
	exec := query.NewExecutor(appStore, reg, log)
	hasher := auth.NewBcryptHasher(config.BcryptCost)

	gate := session.NewGate(session.Config{
		Store:        appStore,
		Tokens:       tokens,
		Hasher:       hasher,
		Lifecycle:    lc,
		Executor:     exec,
		Registry:     reg,
		StrictTokens: config.StrictTokens,
		Logger:       log,
	})

	return &App{
		config:    config,
		logData:   logData,
		log:       log,
		store:     appStore,
		lifecycle: lc,
		registry:  reg,
		executor:  exec,
		hasher:    hasher,
		tokens:    tokens,
		server: server.New(gate, exec, server.Options{
			AllowedOrigins: config.AllowedOrigins,
			MailboxSize:    config.MailboxSize,
			Logger:         log,
		}),
		watcher: watcher.New(appStore, reg, log),
	}, nil
}

func openStore(config *Config, log zerolog.Logger) (store.Store, error) {
	switch config.Store {
	case StorePostgres:
		s, err := postgres.New(config.PostgresDSN, postgres.Options{
			PollInterval: config.PollInterval,
			Retention:    config.Retention,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		log.Info().Msg("connected to PostgreSQL")
		return s, nil
	default:
		log.Info().Msg("using in-memory store")
		return memory.New(), nil
	}
}

// Close releases the store and the log file.
func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.logData.Close())
}

func (a *App) Lifecycle() *lifecycle.Lifecycle {
	return a.lifecycle
}

// Tokens returns the service that signs session tokens.
func (a *App) Tokens() *auth.TokenService {
	return a.tokens
}
