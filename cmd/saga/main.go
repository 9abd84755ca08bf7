package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/exchange/saga/internal/client"
	"github.com/exchange/saga/internal/config"
	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/internal/handler"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/orderflow"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/scanner"
	"github.com/exchange/saga/internal/service"
	"github.com/exchange/saga/internal/trigger"
	"github.com/exchange/saga/internal/ws"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	sagaredis "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/saga"
	"github.com/exchange/saga/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	l := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		l.Error(fmt.Sprintf("init tracing: %v", err))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthz := health.New()

	// Redis：redis 存储、分布式锁、事件发布、命令流
	var redisClient *sagaredis.Client
	if cfg.NeedsRedis() {
		redisClient, err = sagaredis.NewClient(&sagaredis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     sagaredis.DefaultConfig.PoolSize,
			MinIdleConns: sagaredis.DefaultConfig.MinIdleConns,
			DialTimeout:  sagaredis.DefaultConfig.DialTimeout,
			ReadTimeout:  sagaredis.DefaultConfig.ReadTimeout,
			WriteTimeout: sagaredis.DefaultConfig.WriteTimeout,
		})
		if err != nil {
			l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
			os.Exit(1)
		}
		defer redisClient.Close()
		healthz.Register(health.NewRedisChecker(redisClient.Client))
		l.Info("Connected to Redis")
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient, healthz)
	if err != nil {
		l.Error(fmt.Sprintf("Failed to open %s saga store: %v", cfg.Store, err))
		os.Exit(1)
	}
	defer closeStore.Close()
	l.Infof("saga store ready", map[string]interface{}{"store": cfg.Store})

	m := metrics.NewDefault()
	hub := ws.NewHub(cfg.WSMaxConnections)

	listeners := []saga.Listener{saga.NewLogListener(l), m}
	if redisClient != nil {
		listeners = append(listeners, events.NewPublisher(redisClient.Client, cfg.EventChannel, cfg.EventStream, cfg.EventMaxLen, l))
	} else {
		listeners = append(listeners, ws.HubListener(hub))
	}

	opts := saga.DefaultOptions()
	opts.Retry = saga.RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     cfg.RetryMaxDelay,
	}
	opts.Listener = saga.MultiListener(listeners...)

	var locker service.Locker
	if redisClient != nil {
		locker = sagaredis.NewLocker(redisClient, cfg.RedisPrefix+"lock:", cfg.LockTTL)
	}
	svc := service.NewSagaService(store, locker, l)

	if err := registerSagas(svc, cfg, store, redisClient, opts, l); err != nil {
		l.Error(fmt.Sprintf("register saga: %v", err))
		os.Exit(1)
	}
	l.Infof("sagas registered", map[string]interface{}{"sagas": svc.Names()})

	var wg sync.WaitGroup

	// 重试扫描器；启动时先接管上次进程中断的 saga
	scan := scanner.New(store, svc, scanner.Config{
		Interval:      cfg.ScanInterval,
		BatchSize:     cfg.ScanBatchSize,
		StaleAfter:    cfg.StaleAfter,
		StaleInterval: cfg.StaleScanInterval,
	}, m, l)
	if n, err := scan.RecoverStale(ctx); err != nil {
		l.WithError(err).Warn("recover stale sagas failed")
	} else if n > 0 {
		l.Infof("recovered stale sagas", map[string]interface{}{"count": n})
	}
	healthz.Register(health.NewLoopChecker("retry_scanner", scan.Monitor(), 3*scan.Interval()))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scan.Start(ctx); err != nil {
			l.WithError(err).Error("retry scanner stopped")
		}
	}()

	if redisClient != nil {
		trig := trigger.New(redisClient.Client, svc, cfg.RedisPrefix+"trigger:", l)
		cmdConsumer := trig.Consumer(cfg.CommandStream, cfg.CommandConsumerGroup, cfg.CommandConsumerName, nil)
		wg.Add(2)
		go func() {
			defer wg.Done()
			runLoop(ctx, "command_consumer", cmdConsumer.Start, l)
		}()

		wsConsumer := ws.NewConsumer(redisClient.Client, hub, cfg.EventChannel, l)
		go func() {
			defer wg.Done()
			runLoop(ctx, "ws_consumer", wsConsumer.Run, l)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/live", healthz.LiveHandler())
	mux.HandleFunc("/ready", healthz.ReadyHandler())
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/ws/sagas", ws.Handler(hub, cfg.WSAllowedOrigins, l))
	handler.New(svc, l).WithDriveTimeout(cfg.DriveTimeout).Register(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.Wrap(mux, l),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()
	healthz.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	healthz.SetReady(false)
	cancel()
	hub.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("HTTP server shutdown")
	}
	wg.Wait()
	l.Info("Shutdown complete")
}

// registerSagas 注册业务 saga。下单 saga 依赖 Redis 撮合流，memory 模式下不注册，服务仅供本地测试
func registerSagas(svc *service.SagaService, cfg *config.Config, store saga.Store, redisClient *sagaredis.Client, opts *saga.Options, l *logger.Logger) error {
	if redisClient == nil {
		l.Warnf("memory store without Redis is for local testing only: no saga types registered, every start returns UNKNOWN_SAGA", map[string]interface{}{
			"store": cfg.Store,
		})
		return nil
	}
	placement := orderflow.New(store, orderflow.Deps{
		Clearing:    client.NewClearingClient(cfg.ClearingBaseURL, cfg.ClearingToken, cfg.ClientTimeout),
		Orders:      sagaredis.NewStreamClient(redisClient.Client, 0),
		OrderStream: cfg.OrderStream,
		Notifier:    orderflow.NewNotifier(redisClient.Client, cfg.UserEventChannel),
	}, opts)
	return svc.Register(saga.Erase(placement))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore 按配置创建状态存储，并注册对应的健康检查
func openStore(ctx context.Context, cfg *config.Config, redisClient *sagaredis.Client, healthz *health.Health) (saga.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(cfg.DBMaxConns)
		db.SetMaxIdleConns(cfg.DBMaxConns / 2)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := repository.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		healthz.Register(health.NewDBChecker("postgres", db))
		return store, db, nil
	case config.StoreSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		healthz.Register(health.NewDBChecker("sqlite", store.DB()))
		return store, store, nil
	case config.StoreRedis:
		return repository.NewRedisStore(redisClient.Client, cfg.RedisPrefix), nopCloser{}, nil
	default:
		return saga.NewMemoryStore(), nopCloser{}, nil
	}
}

// runLoop 后台循环异常退出后延迟重启，直到 ctx 取消
func runLoop(ctx context.Context, name string, run func(context.Context) error, l *logger.Logger) {
	const restartDelay = 2 * time.Second
	for {
		err := run(ctx)
		if err == nil {
			err = fmt.Errorf("%s exited", name)
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		l.Error(fmt.Sprintf("%s stopped: %v; restarting in %s", name, err, restartDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}
