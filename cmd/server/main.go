// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/webstar/internal/auth"
	"github.com/jason-s-yu/webstar/internal/cache"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/handlers"
	"github.com/jason-s-yu/webstar/internal/lobby"
	"github.com/jason-s-yu/webstar/internal/relay"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/signaling"
	"github.com/jason-s-yu/webstar/internal/stats"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("WEBSTAR_CONFIG"), "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides config)")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if *verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	dir := lobby.NewDirectory(cfg.Lobby, logger)
	primary := session.NewRegistry()
	collector := stats.NewCollector()
	events := stats.Fanout{collector}

	var sup *handlers.Supervisor
	var publisher *cache.Publisher
	if cfg.Stats.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.Stats)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = cache.NewPublisher(rdb, cfg.Stats, func() interface{} { return sup.Snapshot() }, logger)
		events = append(events, publisher)
		logger.Infof("Publishing lobby events to Redis %s (queue %s)", cfg.Stats.RedisAddr, cfg.Stats.EventQueue)
	}

	// The relay handler treats a nil interface as "no token check"; a typed
	// nil *auth.Signer would not compare equal to nil.
	var signer *auth.Signer
	var verifier relay.TokenVerifier
	if cfg.Relay.RequireToken {
		s, err := newSigner(cfg.Relay)
		if err != nil {
			return err
		}
		signer, verifier = s, s
	}

	router := relay.NewRouter(cfg.Relay, logger)
	sup = handlers.NewSupervisor(cfg, handlers.Deps{
		Directory: dir,
		Signaling: signaling.NewHandler(dir, primary, signaling.Options{
			ICEServers:    cfg.PionICEServers(),
			RelayEndpoint: cfg.Relay.Endpoint,
			PeerTimeout:   cfg.WebRTC.ConnectionTimeout,
			PeerRetries:   cfg.WebRTC.MaxRetries,
			Signer:        signer,
			Events:        events,
		}, logger),
		Primary: primary,
		Router:  router,
		Relay:   relay.NewHandler(router, verifier, logger),
		Stats:   collector,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           sup.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s (relay at %s)", cfg.ListenAddr, cfg.Relay.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		// Hijacked sockets are not tracked by http.Server, so the listener
		// closes first and the supervisor drains the sockets.
		err := srv.Shutdown(shutdownCtx)
		if serr := sup.Shutdown(shutdownCtx); serr != nil {
			logger.Warnf("socket shutdown: %v", serr)
		}
		return err
	})
	return g.Wait()
}

func newSigner(cfg config.RelayConfig) (*auth.Signer, error) {
	if cfg.PrivateKeyPath != "" {
		return auth.NewSignerFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenTTL)
	}
	return auth.NewSigner(cfg.TokenTTL)
}
