// Command chiffer-server starts the chat core: REST API, WebSocket sessions, gRPC health and
// the retention sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/chifferchat/internal/auth"
	"github.com/and161185/chifferchat/internal/config"
	"github.com/and161185/chifferchat/internal/delivery"
	"github.com/and161185/chifferchat/internal/gateway"
	"github.com/and161185/chifferchat/internal/logging"
	"github.com/and161185/chifferchat/internal/metrics"
	"github.com/and161185/chifferchat/internal/presence"
	"github.com/and161185/chifferchat/internal/retention"
	"github.com/and161185/chifferchat/internal/router"
	"github.com/and161185/chifferchat/internal/server/grpcserver"
	"github.com/and161185/chifferchat/internal/server/httpapi"
	"github.com/and161185/chifferchat/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML/TOML/JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chiffer-server %s (%s)\n", version, buildDate)
		return
	}

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddress),
		zap.String("health", cfg.HealthAddress),
		zap.String("relay", cfg.Relay.Kind),
	)

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	tokens, err := auth.NewTokens([]byte(cfg.Auth.SigningKey), cfg.Auth.AccessTTL, cfg.Auth.Leeway)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authSvc := service.NewAuthService(st.users, st.refresh, tokens, cfg.Auth.RefreshTTL, st.limiter)
	userSvc := service.NewUserService(st.users, cfg.Users.OnlineWindow())
	groupSvc := service.NewGroupService(st.groups, st.users)
	historySvc := service.NewHistoryService(st.messages, groupSvc)

	rl, err := openRelay(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	topics := router.Topics{
		Presence:     cfg.Routing.PresenceTopic,
		UserMessages: cfg.Routing.UserMessageChannel,
		UserStatus:   cfg.Routing.UserStatusChannel,
	}
	rt := router.New(rl, topics, logger.Named("router"), m)
	coord := delivery.New(st.messages, groupSvc, st.users, presence.New(), rt, logger.Named("delivery"), m, delivery.Options{})
	defer coord.Close()

	gw := gateway.New(tokens, coord, userSvc, logger.Named("gateway"), m, gateway.Options{
		AuthTimeout:   cfg.Session.AuthTimeout,
		IdleTimeout:   cfg.Session.IdleTimeout,
		PingInterval:  cfg.Session.PingInterval,
		WriteTimeout:  gateway.DefaultOptions().WriteTimeout,
		MaxFrameBytes: cfg.Session.MaxFrameBytes,
		QueueDepth:    cfg.Session.OutboundQueueDepth,
		BlockTimeout:  cfg.Session.OutboundBlockTimeout(),
		FrameRate:     cfg.Session.FrameRate,
		FrameBurst:    cfg.Session.FrameBurst,
	})

	api := httpapi.New(httpapi.Deps{
		Auth:      authSvc,
		Users:     userSvc,
		Groups:    groupSvc,
		History:   historySvc,
		Tokens:    tokens,
		WebSocket: gw,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:       logger.Named("http"),
	})

	sweeper, err := retention.New(st.messages, st.refresh, cfg.Retention.Days, cfg.Retention.Schedule, logger.Named("retention"), m)
	if err != nil {
		return err
	}
	sweeper.WithAttempts(st.limiter, cfg.Auth.LoginWindow+cfg.Auth.LoginBlockFor)

	var creds credentials.TransportCredentials
	if cfg.TLS.Enabled() {
		creds, err = credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
	}
	health := grpcserver.New(logger.Named("grpc"), grpcserver.Options{Creds: creds, Reflection: cfg.Dev})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var healthLis net.Listener
	if cfg.HealthAddress != "" {
		if healthLis, err = net.Listen("tcp", cfg.HealthAddress); err != nil {
			return fmt.Errorf("listen health: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddress), zap.Bool("tls", cfg.TLS.Enabled()))
		var err error
		if cfg.TLS.Enabled() {
			err = httpSrv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if healthLis != nil {
		g.Go(func() error {
			logger.Info("health listening", zap.String("addr", cfg.HealthAddress))
			return health.Serve(healthLis)
		})
	}
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		health.SetServing(false)

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		gw.Close()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		health.Stop(sctx)
		return nil
	})

	health.SetServing(true)
	return g.Wait()
}
