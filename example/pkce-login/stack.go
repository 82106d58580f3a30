package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mnehpets/onesession/auth"
	"github.com/mnehpets/onesession/backend"
	"github.com/mnehpets/onesession/middleware"
	"github.com/mnehpets/onesession/session"
	"github.com/mnehpets/onesession/storage"
	"github.com/urfave/cli/v2"
)

const (
	defaultBackendTimeout = 30 * time.Second
	sealKeyID             = "k1"

	// attemptTTL bounds how long an abandoned login lingers in Redis.
	attemptTTL = 15 * time.Minute
)

// stack is everything a command needs, built from the environment.
type stack struct {
	cfg     *auth.Config
	logger  *slog.Logger
	store   storage.Store // credentials
	jar     *middleware.StoreJar
	sess    *session.Manager
	backend *backend.Client
	http    *http.Client
	client  *auth.Client
	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger() (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "", "info":
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", os.Getenv("LOG_LEVEL"))
	}

	var h slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q", os.Getenv("LOG_FORMAT"))
	}
	return slog.New(h), nil
}

// openStore selects the credential store named by cfg.Store, and the store
// for login attempts. The two are the same except on Redis, where attempt
// keys expire and credentials do not.
func openStore(ctx context.Context, cfg *auth.Config) (creds, attempts storage.Store, closer func() error, err error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case "", "file":
		path := cfg.StorePath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("locate config dir: %w", err)
			}
			path = filepath.Join(dir, "onesession", "session.db")
		}
		if cfg.StoreKey == "" {
			return nil, nil, nil, fmt.Errorf("%s is required for the file store", auth.EnvStoreKey)
		}
		key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cfg.StoreKey, "="))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", auth.EnvStoreKey, err)
		}
		codec, err := storage.NewSealCodec(sealKeyID, map[string][]byte{sealKeyID: key}, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, nil, err
		}
		fs, err := storage.NewFileStore(path, codec)
		if err != nil {
			return nil, nil, nil, err
		}
		return fs, fs, noop, nil
	case "memory":
		ms := storage.NewMemoryStore()
		return ms, ms, noop, nil
	case "redis":
		rdb, err := storage.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		creds := storage.NewRedisStore(rdb, storage.WithPrefix("onesession:"))
		attempts := storage.NewRedisStore(rdb, storage.WithPrefix("onesession:"), storage.WithTTL(attemptTTL))
		return creds, attempts, rdb.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("%s: unknown store %q", auth.EnvStore, cfg.Store)
}

// newStack loads configuration and wires the store, session, backend client
// and auth client. navigate controls whether Login and Logout open a browser.
func newStack(cctx *cli.Context, navigate bool) (*stack, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := auth.LoadConfig(cctx.StringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	if cfg.BackendURL == "" {
		return nil, &auth.ConfigurationError{Missing: []string{auth.EnvBackendURL}}
	}

	s := &stack{cfg: cfg, logger: logger}
	creds, attempts, closeStore, err := openStore(cctx.Context, cfg)
	if err != nil {
		return nil, err
	}
	s.store = creds
	s.closers = append(s.closers, closeStore)

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBackendTimeout
	}
	s.sess = session.NewManager(session.WithLogger(logger))
	s.jar = middleware.NewStoreJar(creds, middleware.WithJarLogger(logger))
	s.http = middleware.NewAuthenticatedClient(&http.Client{Timeout: timeout}, s.jar, s.sess)

	s.backend, err = backend.New(cfg.BackendURL, backend.WithHTTPClient(s.http), backend.WithLogger(logger))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sess.SetStatusSource(s.backend)

	opts := []auth.ClientOption{auth.WithCredentials(s.jar), auth.WithLogger(logger)}
	if navigate {
		opts = append(opts, auth.WithNavigator(auth.NewBrowserNavigator()))
	}
	s.client = auth.NewClient(*cfg, auth.NewAttemptStore(attempts, auth.WithAttemptLogger(logger)), s.sess, s.backend, opts...)
	return s, nil
}
