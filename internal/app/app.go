// Package app wires storage, settlement and transports into a running
// marketplace server.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/appstore/internal/adapter/handler"
	"github.com/rl1809/appstore/internal/adapter/identity"
	"github.com/rl1809/appstore/internal/adapter/storage"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/core/service"
	"github.com/rl1809/appstore/internal/platform/config"
	"github.com/rl1809/appstore/internal/platform/otel"
	"github.com/rl1809/appstore/internal/port"
)

const (
	ServiceName     = "appstore"
	shutdownTimeout = 5 * time.Second
)

// Config holds server configuration. Environment values are defaults that
// command-line flags override.
type Config struct {
	HTTPAddr       string        `env:"APPSTORE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr       string        `env:"APPSTORE_GRPC_ADDR" envDefault:":50051"`
	ServiceAccount string        `env:"APPSTORE_SERVICE_ACCOUNT" envDefault:"appstore.near"`
	Storage        string        `env:"APPSTORE_STORAGE" envDefault:"sqlite"`
	SQLitePath     string        `env:"APPSTORE_SQLITE_PATH" envDefault:"appstore.db"`
	MySQLDSN       string        `env:"APPSTORE_MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/appstore"`
	Wallet         string        `env:"APPSTORE_WALLET" envDefault:"memory"`
	RedisAddr      string        `env:"APPSTORE_REDIS_ADDR" envDefault:"localhost:6379"`
	Workers        int           `env:"APPSTORE_WORKERS" envDefault:"10"`
	QueueSize      int           `env:"APPSTORE_QUEUE_SIZE" envDefault:"10000"`
	SweepInterval  time.Duration `env:"APPSTORE_SWEEP_INTERVAL" envDefault:"10s"`
	OTelEndpoint   string        `env:"APPSTORE_OTEL_ENDPOINT"`
	OTelEnabled    bool          `env:"APPSTORE_OTEL_ENABLED" envDefault:"true"`
}

// ParseConfig loads env defaults and then parses flags from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.ServiceAccount, "service-account", cfg.ServiceAccount, "The marketplace's own account identity")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Storage backend: memory, sqlite or mysql")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	fs.StringVar(&cfg.MySQLDSN, "mysql-dsn", cfg.MySQLDSN, "MySQL DSN")
	fs.StringVar(&cfg.Wallet, "wallet", cfg.Wallet, "Transfer receiver: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Settlement worker count")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Settlement queue size")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval between pending settlement sweeps")
	if err := config.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.ServiceAccount) == "" {
		return Config{}, errors.New("service account is required")
	}
	return cfg, nil
}

// App is a fully wired marketplace.
type App struct {
	Marketplace *service.MarketplaceService
	Dispatcher  *service.SettlementDispatcher
	Store       port.Store
	Wallet      port.Wallet

	cfg     Config
	logger  *log.Logger
	closers []func() error
}

// New opens storage and the wallet and wires the marketplace. It starts no
// goroutines; Run does.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[APPSTORE] ", log.LstdFlags)
	}
	a := &App{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	logger.Printf("storage: %s", cfg.Storage)

	wallet, closeWallet, err := openWallet(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Wallet = wallet
	if closeWallet != nil {
		a.closers = append(a.closers, closeWallet)
	}
	logger.Printf("wallet: %s", cfg.Wallet)

	a.Dispatcher = service.NewSettlementDispatcher(store, wallet, service.DispatcherConfig{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		SweepInterval: cfg.SweepInterval,
	}, logger)
	provider := identity.NewContextProvider(domain.Identity(cfg.ServiceAccount))
	a.Marketplace = service.NewMarketplaceService(store, provider, a.Dispatcher)
	return a, nil
}

func openStore(ctx context.Context, cfg Config) (port.Store, error) {
	switch strings.ToLower(cfg.Storage) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		return storage.OpenSQLite(ctx, cfg.SQLitePath)
	case "mysql":
		return storage.OpenMySQL(ctx, cfg.MySQLDSN)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}

func openWallet(ctx context.Context, cfg Config) (port.Wallet, func() error, error) {
	switch strings.ToLower(cfg.Wallet) {
	case "memory":
		return storage.NewMemoryWallet(), nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return storage.NewRedisWallet(rdb), rdb.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown wallet backend %q", cfg.Wallet)
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts down in order:
// transports, settlement workers, connections.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := otel.Setup(ctx, ServiceName, a.cfg.OTelEndpoint, a.cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Printf("otel shutdown: %v", err)
		}
	}()

	a.Dispatcher.Start(ctx)
	if n, err := a.Dispatcher.Sweep(ctx); err != nil {
		a.logger.Printf("initial sweep failed: %v", err)
	} else if n > 0 {
		a.logger.Printf("resumed %d pending settlements", n)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	handler.RegisterMarketplaceServer(grpcServer, handler.NewGRPCHandler(a.Marketplace, a.logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		a.Dispatcher.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Printf("gRPC server listening on %s", a.cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      handler.NewHTTPHandler(a.Marketplace, a.logger).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.logger.Printf("HTTP server listening on %s", a.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.logger.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	a.logger.Println("HTTP server stopped")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	a.logger.Println("gRPC server stopped")

	a.Dispatcher.Close()
	a.logger.Println("settlement workers stopped")

	return runErr
}

// Close releases storage and wallet connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.logger.Println("connections closed")
	return errors.Join(errs...)
}
