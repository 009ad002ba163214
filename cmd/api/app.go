package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/call"
	"github.com/PaulBabatuyi/realtime-messenger/internal/config"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/db"
	"github.com/PaulBabatuyi/realtime-messenger/internal/delivery"
	"github.com/PaulBabatuyi/realtime-messenger/internal/e2e"
	"github.com/PaulBabatuyi/realtime-messenger/internal/gate"
	"github.com/PaulBabatuyi/realtime-messenger/internal/middleware"
	"github.com/PaulBabatuyi/realtime-messenger/internal/notify"
	"github.com/PaulBabatuyi/realtime-messenger/internal/presence"
	"github.com/PaulBabatuyi/realtime-messenger/internal/realtime"
	"github.com/PaulBabatuyi/realtime-messenger/internal/typing"
)

const registryShards = 64

// app holds every long-lived component of one server process.
type app struct {
	ctx       context.Context
	cfg       config.Config
	log       *zap.Logger
	store     data.Store
	authn     *realtime.Authenticator
	gate      *gate.Gate
	pipeline  *delivery.Pipeline
	directory *e2e.Directory
	engine    *realtime.Engine
	push      *notify.Queue
	promReg   *prometheus.Registry

	handshakeLimiter *middleware.LimiterStore
	eventLimiter     *middleware.LimiterStore
	restLimiter      *middleware.LimiterStore
}

// newApp wires the domain services over store. Connections served by the app
// end when ctx is done.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, store data.Store, jwt *auth.JWTManager) *app {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(promReg)

	registry := presence.NewRegistry(registryShards)
	g := gate.New(store)
	pipeline := delivery.New(store, g, registry, delivery.Options{
		DedupWindow: cfg.Delivery.DedupWindow,
		Logger:      log,
	})
	push := notify.NewQueue(notify.NewLogPusher(log), notify.QueueOptions{
		Size:          cfg.Push.QueueSize,
		RatePerSecond: cfg.Push.RatePerSecond,
		Logger:        log,
		Observer:      metrics,
	})

	a := &app{
		ctx:       ctx,
		cfg:       cfg,
		log:       log,
		store:     store,
		authn:     realtime.NewAuthenticator(jwt, store),
		gate:      g,
		pipeline:  pipeline,
		directory: e2e.NewDirectory(store, g),
		push:      push,
		promReg:   promReg,

		handshakeLimiter: middleware.NewLimiterStore(cfg.Limits.HandshakesPerMinute, cfg.Limits.HandshakeBurst, time.Minute),
		eventLimiter:     middleware.NewLimiterStore(cfg.Limits.EventsPerMinute, cfg.Limits.EventBurst, time.Minute),
		restLimiter:      middleware.NewLimiterStore(cfg.Limits.EventsPerMinute, cfg.Limits.EventBurst, time.Minute),
	}
	a.engine = realtime.NewEngine(realtime.Deps{
		Store:    store,
		Gate:     g,
		Registry: registry,
		Pipeline: pipeline,
		Typing:   typing.NewRelay(store, g),
		Calls:    call.NewRelay(store, g),
	}, realtime.Options{
		Logger:       log,
		Metrics:      metrics,
		SendBuffer:   cfg.Realtime.SendBuffer,
		EventLimiter: a.eventLimiter,
		Push:         push,
	})
	return a
}

func (a *app) close() {
	a.push.Close()
	a.handshakeLimiter.Stop()
	a.eventLimiter.Stop()
	a.restLimiter.Stop()
}

// connectionContext ends when either the transport or the app goes away.
func (a *app) connectionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (a *app) grpcServer() (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(
			middleware.RateLimitStreamInterceptor(a.handshakeLimiter, map[string]bool{connectMethod: true}),
			authStreamInterceptor(a.authn, a.log),
		),
	}
	if a.cfg.TLS.CertFile != "" && a.cfg.TLS.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS certs: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	registerRealtime(s, newRealtimeServer(a))
	return s, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (data.Store, error) {
	switch cfg.Store.Driver {
	case "mongo":
		client, err := db.New(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.CreateIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("create indexes: %w", err)
		}
		return data.NewMongoStore(client), nil
	case "postgres":
		s, err := data.NewPostgresStore(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := s.RunMigrations(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return s, nil
	default:
		log.Warn("using the in-memory store; nothing survives a restart")
		return data.NewMemoryStore(), nil
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	ctx, cancelApp := context.WithCancel(ctx)
	defer cancelApp()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	jwt, err := newJWTManager(cfg)
	if err != nil {
		return err
	}
	a := newApp(ctx, cfg, log, store, jwt)
	defer a.close()

	gs, err := a.grpcServer()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddress, err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddress))
		var err error
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}

	log.Info("shutting down")
	cancelApp()
	sctx, cancel := shutdownContext(cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-sctx.Done():
		gs.Stop()
	}
	return runErr
}
