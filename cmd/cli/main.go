package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/marcelsud/webhook-dispatch/config"
	"github.com/marcelsud/webhook-dispatch/delivery"
	deliveryredis "github.com/marcelsud/webhook-dispatch/delivery/redis"
	"github.com/marcelsud/webhook-dispatch/webhook"
	webhookredis "github.com/marcelsud/webhook-dispatch/webhook/redis"
	"github.com/rs/zerolog"
)

/* Operator CLI: register a webhook or fire a test delivery without
 * going through the HTTP API.
 *
 *   cli -register -project p1 -name "Orders" -technical-name orders -url https://... -events order.created,order.updated
 *   cli -test -webhook <webhook-id>
 */

func main() {
	register := flag.Bool("register", false, "register a new webhook")
	test := flag.Bool("test", false, "send a test delivery to a webhook")
	projectID := flag.String("project", "", "project the webhook belongs to")
	name := flag.String("name", "", "webhook display name")
	technicalName := flag.String("technical-name", "", "webhook technical name")
	targetURL := flag.String("url", "", "webhook destination URL")
	events := flag.String("events", "", "comma-separated event subscriptions")
	webhookID := flag.String("webhook", "", "webhook id for -test")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx := context.Background()

	webhookRepo, err := webhookredis.NewRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer webhookRepo.Close(ctx)

	switch {
	case *register:
		s := webhook.NewService(webhookRepo)
		wh, err := s.Register(ctx, webhook.RegisterInput{
			ProjectID:     *projectID,
			Name:          *name,
			TechnicalName: *technicalName,
			URL:           *targetURL,
			Events:        strings.Split(*events, ","),
		})
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("registered webhook %s\n", wh.ID)
		fmt.Printf("secret (shown once): %s\n", wh.Secret.String())
	case *test:
		ledger, err := deliveryredis.NewRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer ledger.Close(ctx)

		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		executor := delivery.NewExecutor(ledger, webhookRepo, delivery.ExecutorConfig{
			Timeout:              cfg.DeliveryTimeout(),
			MaxResponseBodyBytes: cfg.MaxResponseBodyBytes,
		}, logger)
		scheduler := delivery.NewScheduler(ledger, webhookRepo, executor, delivery.SchedulerConfig{}, logger)

		attempt, err := scheduler.TestSend(ctx, *webhookID)
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("test delivery %s: %s", attempt.DeliveryID, attempt.Status)
		if attempt.StatusCode != 0 {
			fmt.Printf(" (HTTP %d)", attempt.StatusCode)
		}
		if attempt.Error != "" {
			fmt.Printf(" (%s)", attempt.Error)
		}
		fmt.Println()
	default:
		flag.Usage()
	}
}
