package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/chat-service/config"
	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/delivery"
	"github.com/cwrk-planet/chat-service/internal/postgres"
	"github.com/cwrk-planet/chat-service/internal/registry"
	"github.com/cwrk-planet/chat-service/internal/security"
	"github.com/cwrk-planet/chat-service/internal/service"
	grpcx "github.com/cwrk-planet/chat-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/chat-service/internal/transport/http"
	"github.com/cwrk-planet/chat-service/internal/transport/ws"
	"github.com/cwrk-planet/chat-service/pkg/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	instanceID := logger.NewInstanceID()
	logger.Init(logger.Config{
		Env:        logger.ParseEnv(cfg.Logging.Env),
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		InstanceID: instanceID,
		Level:      logger.ParseLevel(cfg.Logging.Level),
		Backend:    logger.Backend(cfg.Logging.Backend),
		AddSource:  cfg.Logging.AddSource,
		Debug:      cfg.Logging.Debug,
	})
	slog.Info("starting chat-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "instance", instanceID)

	// --- tracing: экспортёра нет, нужны trace_id/span_id в логах ---
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- postgres ---
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:               cfg.Postgres.DSN,
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		MaxConnLifetime:   cfg.Postgres.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Postgres.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Postgres.HealthCheckPeriod,
		ApplicationName:   cfg.Postgres.ApplicationName,
	})
	if err != nil {
		fatal("postgres", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	// --- redis: реестр соединений + relay ---
	rdb, err := registry.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		fatal("redis", err)
	}
	defer func() { _ = rdb.Close() }()
	reg := registry.New(rdb, cfg.Redis.BindingTTL)

	// --- auth ---
	pub, err := security.LoadRSAPublicKeyFromPEM(cfg.Auth.PublicKeyPath)
	if err != nil {
		fatal("load jwt public key", err)
	}
	verifier := security.NewVerifier(pub, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.ClockSkew)

	// --- delivery ---
	table := ws.NewTable()
	relay := ws.NewRelay(rdb, instanceID, table, reg, slog.Default())
	engine := delivery.NewEngine(reg, ws.NewRouter(instanceID, table, relay), delivery.Config{
		PushTimeout:    cfg.Delivery.PushTimeout,
		MaxConcurrency: cfg.Delivery.MaxConcurrency,
	})

	// --- chat ---
	handler := chat.NewHandler(store, engine, chat.Config{
		MaxContentLength: cfg.Chat.MaxContentLength,
		EditWindow:       cfg.Chat.EditWindow,
		FrameTimeout:     cfg.Chat.FrameTimeout,
	})
	wsServer := ws.NewServer(verifier, handler, table, reg, store, ws.Config{
		InstanceID: instanceID,
		PingEvery:  cfg.WS.PingEvery,
		ReadLimit:  cfg.WS.ReadLimit,
		SendQueue:  cfg.WS.SendQueue,
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(service.NewHistoryService(store)),
		WS:             wsServer.HandleWS,
		Auth:           verifier,
		Ready:          map[string]httpx.Pinger{"postgres": store, "redis": reg},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := httpx.NewServer(httpx.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, router)

	// --- gRPC ---
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcx.StreamServerInterceptor()),
	)
	health := grpcx.NewHealth(map[string]grpcx.Pinger{"postgres": store, "redis": reg}, 5*time.Second)
	health.Register(grpcServer)

	// --- run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return relay.Run(gctx, nil)
	})
	g.Go(func() error {
		health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		return httpSrv.Run(gctx, table.CloseAll)
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
	}
	slog.Info("stopped")
}

func fatal(what string, err error) {
	slog.Error(what, "err", err)
	os.Exit(1)
}
