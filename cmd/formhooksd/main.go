// Command formhooksd runs the webhook reliability engine as an HTTP daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog"
	formhooks "github.com/goliatone/go-formhooks"
	"github.com/goliatone/go-formhooks/adapters/gojob"
	"github.com/goliatone/go-formhooks/adapters/gologger"
	"github.com/goliatone/go-formhooks/adapters/otelmetrics"
	"github.com/goliatone/go-formhooks/adapters/viperconfig"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/httpapi"
	"github.com/goliatone/go-formhooks/security"
	redisstore "github.com/goliatone/go-formhooks/store/redis"
	sqlstore "github.com/goliatone/go-formhooks/store/sql"
	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

func main() {
	configFile := flag.String("config", os.Getenv("FORMHOOKS_CONFIG"), "path to a config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	loader := viperconfig.New(viperconfig.WithConfigFile(configFile))
	if err := loader.Load(); err != nil {
		return err
	}
	s, err := loadSettings(loader.Viper())
	if err != nil {
		return err
	}

	zl := httplog.NewLogger("formhooksd", httplog.Options{JSON: s.JSONLogs, Concise: true})
	logger := newZeroLogger(zl)
	provider := glog.ProviderFromLogger(logger)

	client, sqlDB, err := openDatabase(ctx, s)
	if err != nil {
		return err
	}
	defer client.Close()

	cacheService, err := repositorycache.NewCacheService(repositorycache.DefaultConfig())
	if err != nil {
		return fmt.Errorf("formhooksd: cache service: %w", err)
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithCacheService(cacheService))
	if err != nil {
		return err
	}

	secrets, err := security.NewAppKeySecretProviderFromString(s.AppKey)
	if err != nil {
		return err
	}

	recorder, err := otelmetrics.New()
	if err != nil {
		return err
	}
	defer recorder.Shutdown(context.Background())

	opts := []formhooks.Option{
		formhooks.WithLoggerProvider(provider),
		formhooks.WithMetricsRecorder(recorder),
		formhooks.WithConfigProvider(core.NewCfgxConfigProvider(loader)),
		formhooks.WithSubscriptionStore(stores.SubscriptionStore()),
		formhooks.WithAttemptStore(stores.AttemptStore()),
		formhooks.WithRateLimitStateStore(stores.RateLimitStateStore()),
		formhooks.WithSecretProvider(secrets),
		formhooks.WithDownstream(s.DownstreamURL, s.DownstreamPath),
	}

	var (
		queue     *redisstore.AttemptQueue
		scheduler *gojob.QueueScheduler
	)
	if s.RedisAddr != "" {
		redisClient, err := redisstore.Connect(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		ledger, err := redisstore.NewReplayLedger(redisClient)
		if err != nil {
			return err
		}
		opts = append(opts, formhooks.WithReplayLedger(ledger))

		if s.RetryQueue == "redis" {
			if queue, err = redisstore.NewAttemptQueue(redisClient); err != nil {
				return err
			}
			if _, err := queue.RecoverInFlight(ctx); err != nil {
				return err
			}
			scheduler = gojob.NewQueueScheduler(queue)
			opts = append(opts, formhooks.WithScheduler(scheduler))
		}
	}

	engine, err := formhooks.New(formhooks.Config{}, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := recorder.ObserveGauge("formhooks.retry.active", "delivery attempts owed a retry", func(context.Context) int64 {
		return int64(engine.Retry().ActiveCount())
	}); err != nil {
		return err
	}
	if _, err := engine.Restore(ctx); err != nil {
		return err
	}

	if scheduler != nil {
		worker, err := gojob.NewWorker(queue, scheduler,
			gojob.WithLogger(gologger.WorkerLogger("", provider, logger)),
			gojob.WithHook(gojob.NewObserverHook(core.NewObserver("formhooks.worker", provider, logger, recorder))),
		)
		if err != nil {
			return err
		}
		go func() {
			_ = worker.Run(ctx)
		}()
	}

	server := &http.Server{
		Addr:              s.HTTPAddr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: httpapi.NewRouter(httpapi.Config{
			ServiceName: engine.Config().ServiceName,
			JSONLogs:    s.JSONLogs,
			Metrics:     recorder.Handler(),
			Health:      sqlDB.PingContext,
		}, engine.Facade(), engine),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("formhooksd listening", "addr", s.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	logger.Info("formhooksd shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("formhooksd: shutdown: %w", err)
	}
	return nil
}
