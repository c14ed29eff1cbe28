package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/QuadTriangle/meshnode/internal/account"
	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/logging"
	"github.com/QuadTriangle/meshnode/internal/plugins/hostallow"
	"github.com/QuadTriangle/meshnode/internal/plugins/stats"
	"github.com/QuadTriangle/meshnode/internal/proxy"
	"github.com/QuadTriangle/meshnode/internal/tunnel"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("meshnode exited")
	}
}

func run(args []string) error {
	pipeline := &hooks.Pipeline{}

	// --- Register plugins ---
	// Each plugin owns its own flags and hooks.
	statsPlugin := stats.New()
	pipeline.RegisterPlugin(statsPlugin)
	pipeline.RegisterPlugin(hostallow.New())

	fs := flag.NewFlagSet("meshnode", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFlags:\n", fs.Name())
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to a TOML config file")
	pipeline.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	// Activate enabled plugins (collect hooks)
	if names := pipeline.Activate(); len(names) > 0 {
		log.Info().Strs("plugins", names).Msg("plugins enabled")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Device identity
	store, err := config.OpenFileStore(config.StatePath(cfg.StateDir))
	if err != nil {
		return err
	}
	deviceID, err := config.DeviceID(store)
	if err != nil {
		return fmt.Errorf("failed to get device id: %w", err)
	}
	log.Info().Str("device_id", deviceID.String()).Msg("device ready")

	executor, err := proxy.NewExecutor(proxy.Options{
		Timeout:            cfg.Tunnel.Timeout,
		InsecureSkipVerify: cfg.Tunnel.InsecureSkipVerify,
		Logger:             logging.Component("proxy"),
	})
	if err != nil {
		return err
	}

	// 2. Session: fresh login when credentials are configured, else whatever was stored
	sess := account.StoredSession(store, deviceID)
	var authn tunnel.Authenticator
	if cfg.HasCredentials() {
		a := account.NewAuthenticator(account.AuthenticatorOptions{
			Client:    account.NewClient(cfg.LoginURL, nil, logging.Component("account")),
			Username:  cfg.Username,
			Password:  cfg.Password,
			Store:     store,
			DeviceID:  deviceID,
			Cookies:   executor,
			CookieURL: cfg.Tunnel.CookieURL,
			Logger:    logging.Component("account"),
		})
		authn = a
		fresh, err := a.Login(ctx)
		switch {
		case err == nil:
			sess = fresh
		case sess.AccessToken != "":
			log.Warn().Err(err).Msg("login failed, using stored session")
		default:
			return fmt.Errorf("login: %w", err)
		}
	}
	if !sess.Authenticated() {
		log.Warn().Msg("no account configured, running unauthenticated")
	}
	executor.SetToken(sess.AccessToken)
	if sess.AccessToken != "" && cfg.Tunnel.CookieURL != "" {
		if err := executor.SeedCookie(cfg.Tunnel.CookieURL, sess.AccessToken); err != nil {
			log.Warn().Err(err).Msg("failed to seed token cookie")
		}
	}

	// 3. Connection manager
	opts := tunnel.OptionsFromConfig(cfg)
	opts.Dialer = tunnel.NewWSDialer(cfg.Tunnel.InsecureSkipVerify)
	opts.Authenticator = authn
	opts.TokenSink = executor
	opts.Hooks = pipeline
	opts.Logger = logging.Component("tunnel")

	dispatcher := tunnel.NewDispatcher(cfg.Identity, executor, pipeline, logging.Component("rpc"))
	manager, err := tunnel.NewManager(opts, dispatcher)
	if err != nil {
		return err
	}

	// 4. Run until a signal arrives
	g, gctx := errgroup.WithContext(ctx)
	if err := manager.Start(gctx, sess); err != nil {
		return err
	}
	g.Go(func() error {
		if err := statsPlugin.Serve(gctx); err != nil {
			log.Error().Err(err).Msg("stats API stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		manager.Stop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Goodbye!")
	return err
}
