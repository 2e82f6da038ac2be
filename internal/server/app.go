// Package server assembles the service container and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/api"
	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/clock/system"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/dispatcher"
	"github.com/reyestr-project/dispatch/internal/id/uuid"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registrar"
	"github.com/reyestr-project/dispatch/internal/registry"
	"github.com/reyestr-project/dispatch/internal/storage/postgres"
)

// Startup failure classes, used by the CLI to pick an exit code.
var (
	ErrStoreUnreachable = errors.New("store unreachable")
	ErrCacheUnreachable = errors.New("cache unreachable")
)

const shutdownGrace = 10 * time.Second

// App holds the long-lived services: the connection pool, the cache
// client, the assembled HTTP handler and the background sweeper.
type App struct {
	cfg     config.Config
	log     *zap.Logger
	pool    *pgxpool.Pool
	cache   registry.Cache
	sweeper *dispatcher.Sweeper
	httpSrv *http.Server

	closeOnce sync.Once
}

// New initializes every service and fails fast when a required backend
// is unreachable.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	metrics.Init()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.Database.DSN(),
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	log.Info("connected to postgres",
		zap.String("host", cfg.Database.Host),
		zap.Int32("max_conns", cfg.Database.MaxConns))

	c, err := cache.New(ctx, cfg.Cache, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrCacheUnreachable, err)
	}

	ids := uuid.NewGenerator()
	clk := system.New()

	tasks := postgres.NewTaskStore(pool)
	clients := postgres.NewClientStore(pool, ids)
	docs := postgres.NewDocumentStore(pool, ids)

	dispatch := dispatcher.NewService(tasks, clients, c, cfg.Cache, clk, ids, log)
	reg := registrar.NewService(docs, clients, c, cfg.Cache, log)
	sweeper := dispatcher.NewSweeper(tasks, clients, c, clk, cfg.Liveness, log)

	srv := api.NewServer(dispatch, reg, cfg, log)
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:     cfg,
		log:     log,
		pool:    pool,
		cache:   c,
		sweeper: sweeper,
		httpSrv: httpSrv,
	}, nil
}

// Run serves HTTP and ticks the background sweeps until ctx is
// cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweeper.Run(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown did not drain cleanly", zap.Error(err))
		}
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	cancelSweeps()
	wg.Wait()
	return runErr
}

// Close releases the pool, the cache client and flushes the logger.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.pool.Close()
		if closer, ok := a.cache.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				a.log.Warn("closing cache client", zap.Error(err))
			}
		}
		_ = a.log.Sync()
	})
}
