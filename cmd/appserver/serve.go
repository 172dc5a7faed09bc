package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/arzzra/sip_appserver/pkg/config"
	"github.com/arzzra/sip_appserver/pkg/services"
	"github.com/arzzra/sip_appserver/pkg/sipstack"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запуск прикладного сервера",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("metrics-addr", "", "адрес HTTP сервера метрик, пустой отключает его")
	return cmd
}

// app собранные компоненты сервера
type app struct {
	log    *slog.Logger
	reg    *prometheus.Registry
	engine *appserver.Engine
	redis  *redis.Client
}

// build создает движок и регистрирует сервисы
func build(ctx context.Context, cfg config.File, log *slog.Logger) (*app, error) {
	a := &app{log: log, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []appserver.Option{
		appserver.WithLogger(log),
		appserver.WithMetrics(appserver.NewMetrics(a.reg)),
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, errors.Wrapf(err, "redis %s", cfg.Redis.Addr)
		}

		storeOpts := []appserver.RedisOption{appserver.WithRedisTTL(cfg.Engine.DialogTTL)}
		if cfg.Redis.Prefix != "" {
			storeOpts = append(storeOpts, appserver.WithRedisPrefix(cfg.Redis.Prefix))
		}
		opts = append(opts, appserver.WithDialogStore(appserver.NewRedisDialogStore(a.redis, storeOpts...)))
		log.Info("Реестр диалогов в Redis", slog.String("addr", cfg.Redis.Addr))
	}

	engine, err := appserver.NewEngine(cfg.Engine, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := services.BuildAll(engine, cfg.Services); err != nil {
		a.close()
		return nil, errors.Wrap(err, "services")
	}
	a.engine = engine
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Ошибка закрытия Redis", slog.Any("error", err))
		}
	}
}

// shutdown отменяет живые транзакции и ждет их завершения
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		a.log.Warn("Транзакции не завершились", slog.Int("active", a.engine.Stats().ActiveTransactions))
	}
}

func serve(ctx context.Context, cfg config.File) error {
	log := cfg.NewLogger()
	slog.SetDefault(log)

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	stack, err := sipstack.New(cfg.SIP, a.engine, log)
	if err != nil {
		return err
	}

	log.Info("Прикладной сервер запущен",
		slog.Any("services", a.engine.Services()),
		slog.String("default", cfg.Engine.DefaultService))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := stack.ListenAndServe(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("Сервер метрик", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("Остановка прикладного сервера")

	a.shutdown(cfg.ShutdownTimeout)
	if cerr := stack.Close(); cerr != nil {
		log.Warn("Ошибка остановки SIP стека", slog.Any("error", cerr))
	}
	return err
}
