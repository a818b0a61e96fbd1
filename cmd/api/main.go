package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcelsud/webhook-dispatch/config"
	"github.com/marcelsud/webhook-dispatch/delivery"
	deliveryredis "github.com/marcelsud/webhook-dispatch/delivery/redis"
	httpchi "github.com/marcelsud/webhook-dispatch/internal/http/chi"
	"github.com/marcelsud/webhook-dispatch/metrics"
	"github.com/marcelsud/webhook-dispatch/provision"
	"github.com/marcelsud/webhook-dispatch/webhook"
	webhookredis "github.com/marcelsud/webhook-dispatch/webhook/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const TIMEOUT = 30 * time.Second

/* main é a porta de entrada e saída da aplicação: é aqui que as
 * dependências são iniciadas e amarradas.
 *
 * As importações devem ser feitas apenas em uma direção: para baixo.
 * O aplicativo (api, cli) importa camadas de negócios, que importam a
 * camada de armazenamento.
 */

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "webhook-dispatch").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Println(fmt.Errorf("connecting to redis: %w", err))
		return
	}

	webhookRepo := webhookredis.NewRepositoryWithClient(client)
	defer webhookRepo.Close(ctx)
	ledger := deliveryredis.NewRepositoryWithClient(client)

	webhookService := webhook.NewService(webhookRepo)

	executor := delivery.NewExecutor(ledger, webhookRepo, delivery.ExecutorConfig{
		Timeout:              cfg.DeliveryTimeout(),
		MaxResponseBodyBytes: cfg.MaxResponseBodyBytes,
		Backoff: delivery.BackoffPolicy{
			Base:       cfg.BackoffBase(),
			Multiplier: 2,
			Cap:        cfg.BackoffCap(),
			Jitter:     0.2,
		},
	}, logger)

	scheduler := delivery.NewScheduler(ledger, webhookRepo, executor, delivery.SchedulerConfig{
		PollInterval: cfg.PollInterval(),
		WorkerCount:  cfg.WorkerCount,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	router := delivery.NewRouter(webhookRepo, ledger, cfg.DefaultMaxAttempts, scheduler.Wake, logger)

	if cfg.WebhooksFile != "" {
		loader := provision.NewLoader()
		if err := loader.Load(cfg.WebhooksFile); err != nil {
			fmt.Println(fmt.Errorf("loading webhooks file: %w", err))
			return
		}
		if err := loader.Apply(ctx, webhookService); err != nil {
			fmt.Println(fmt.Errorf("provisioning webhooks: %w", err))
			return
		}
		logger.Info().Str("file", cfg.WebhooksFile).Msg("webhooks provisioned")
	}

	collector := metrics.NewRedisCollector(client, scheduler)
	exporter, err := metrics.NewOTelExporter(collector)
	if err != nil {
		fmt.Println(fmt.Errorf("setting up metrics: %w", err))
		return
	}
	defer exporter.Shutdown(ctx)

	r := httpchi.Handlers(ctx, webhookService, router, scheduler, ledger, exporter.ServeHTTP())
	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      r,
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)
	fmt.Printf("Listening on port %s\n", cfg.Port)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		fmt.Println(err)
		return
	}
	err = <-errShutdown
	if err != nil {
		fmt.Println(err)
		return
	}
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		fmt.Printf("\nShutting down server...\n")
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("Forcing closing the server")
	default:
		errShutdown <- fmt.Errorf("Forcing closing the server")
	}
}
