// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/alert-relay/internal/config"
	"github.com/unclebandit/alert-relay/internal/controller"
	"github.com/unclebandit/alert-relay/internal/db"
	"github.com/unclebandit/alert-relay/internal/handler"
	"github.com/unclebandit/alert-relay/internal/limiter"
	"github.com/unclebandit/alert-relay/internal/logging"
	"github.com/unclebandit/alert-relay/internal/metrics"
	"github.com/unclebandit/alert-relay/internal/queue"
	"github.com/unclebandit/alert-relay/internal/repository"
	"github.com/unclebandit/alert-relay/internal/service"
	"github.com/unclebandit/alert-relay/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("relay shut down")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	conn, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn, cfg.DBDriver); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	scheduleSvc := service.NewScheduleService(repository.NewScheduleRepository(conn), cfg.Timezone)
	if err := scheduleSvc.EnsureRow(ctx, cfg.SecondaryChannelID); err != nil {
		return err
	}
	voteSvc := service.NewVoteService(repository.NewVoteRepository(conn), log, m)
	deliveries := service.NewDeliveryLog(repository.NewOutboundMessageRepository(conn), log)

	bot := telegram.New(cfg.BotToken)
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking bot token: %w", err)
	}
	log.Info("authenticated", "bot", me.Username, "id", me.ID)

	renderer := service.NewRenderer(service.LabelsFor(cfg.Locale), service.LinkConfig{
		GiftURL:          cfg.GiftLink,
		AxiomTutorialURL: cfg.AxiomLink,
		SupportURL:       cfg.SupportLink,
	})

	q := queue.NewInMemoryQueue(cfg.QueueCapacity, cfg.QueueDelay)

	relay := service.NewRelayService(service.RelayDeps{
		Dedup:    limiter.NewDeduplicator(limiter.DedupWindow, nil),
		Limiter:  limiter.NewRateLimiter(cfg.MaxMessagesPerMinute, nil),
		Skipped:  limiter.NewSkipLog(nil),
		Renderer: renderer,
		Queue:    q,
		Log:      log,
		Metrics:  m,
	})

	worker := service.NewWorker(service.WorkerConfig{
		PrimaryChatID:   cfg.TargetChannelID,
		SendDelay:       cfg.SendDelay,
		SendDelayJitter: cfg.SendDelayJitter,
		DepthDelay:      cfg.DepthDelay,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelayBase:  cfg.RetryDelayBase,
		RetryJitter:     cfg.RetryJitter,
	}, service.WorkerDeps{
		Queue:      q,
		Transport:  bot,
		Limiter:    limiter.NewRateLimiter(cfg.MaxSendsPerMinute, nil),
		Votes:      voteSvc,
		Schedule:   scheduleSvc,
		Keyboards:  renderer,
		Deliveries: deliveries,
		Log:        log,
		Metrics:    m,
	})

	poller := &controller.BotController{
		Bot:          bot,
		Relay:        relay,
		Votes:        voteSvc,
		Schedule:     scheduleSvc,
		Keyboards:    renderer,
		Labels:       renderer.Labels(),
		SourceChatID: cfg.SourceChannelID,
		IsAdmin:      cfg.IsAdmin,
		Log:          log.With("component", "bot"),
	}

	admin := &handler.AdminHandler{
		Relay:      relay,
		Schedule:   scheduleSvc,
		Queue:      q,
		Deliveries: deliveries,
		APIToken:   cfg.AdminAPIToken,
		IsAdmin:    cfg.IsAdmin,
		Log:        log.With("component", "admin"),
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           admin.Routes(metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	if cfg.AMQPURL != "" {
		var ingest queue.MessageHandler = relay
		if cfg.AMQPNonBlocking {
			ingest = relay.WithNonBlocking()
		}
		source := &queue.AMQPSource{
			URL:     cfg.AMQPURL,
			Queue:   cfg.AMQPQueue,
			Handler: ingest,
			Log:     log.With("component", "amqp"),
		}
		g.Go(func() error { return source.Run(gctx) })
	}
	if cfg.DeliveryRetention > 0 {
		g.Go(func() error { return pruneDeliveries(gctx, deliveries, cfg.DeliveryRetention, log) })
	}
	if cfg.AdminAPIToken == "" {
		log.Warn("ADMIN_API_TOKEN is not set, admin http routes are closed")
	}
	g.Go(func() error {
		log.Info("admin api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("relay running",
		"source", cfg.SourceChannelID,
		"primary", cfg.TargetChannelID,
		"secondary", cfg.SecondaryChannelID,
		"db", cfg.DBDriver,
		"amqp", cfg.AMQPURL != "",
		"admin_api", cfg.AdminAPIToken != "")
	return g.Wait()
}

// pruneDeliveries trims the delivery log once an hour until ctx is done.
func pruneDeliveries(ctx context.Context, deliveries *service.DeliveryLog, retention time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := deliveries.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			log.Error("pruning delivery log failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
