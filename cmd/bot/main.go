package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/handlers"
	"github.com/tg-relay-bot/internal/i18n"
	"github.com/tg-relay-bot/internal/middleware"
	"github.com/tg-relay-bot/internal/services/ai"
	"github.com/tg-relay-bot/internal/services/contexts"
	"github.com/tg-relay-bot/internal/services/history"
	"github.com/tg-relay-bot/internal/services/state"
	"github.com/tg-relay-bot/internal/services/storage"
	"github.com/tg-relay-bot/internal/services/telegram"
	"github.com/tg-relay-bot/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Bot stopped with error")
	}
	log.Info("Bot stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting Telegram Bot...")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	metrics := middleware.NewMetrics()

	storageManager, err := storage.NewManager(cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	doc, err := storageManager.LoadOrEmpty(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bot data: %w", err)
	}

	st := state.New(doc, storageManager, history.Limits{
		User:    cfg.Context.UserHistoryMax,
		Channel: cfg.Context.ChannelHistoryMax,
	}, log)
	metrics.SetSetChannels(st.SetChannelCount())

	loaded, err := contexts.LoadDir(cfg.Context.Directory, log)
	if err != nil {
		return fmt.Errorf("failed to load contexts: %w", err)
	}
	resolver := contexts.NewResolver(loaded, cfg.Context.SystemPrompt, st, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	aiService, err := ai.NewService(ctx, &cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("failed to initialize ai service: %w", err)
	}

	dispatcher := handlers.NewDispatcher(
		cfg,
		bot.Self.UserName,
		st,
		middleware.NewRateLimiter(cfg, log),
		resolver,
		aiService,
		telegram.NewSender(bot, &cfg.Bot, log),
		localizer,
		metrics,
		log,
	)

	log.WithFields(logrus.Fields{
		"prefix":       cfg.Bot.CommandPrefix,
		"keywords":     cfg.Bot.KeywordList(),
		"backend":      aiService.Name(),
		"contexts":     resolver.Names(),
		"rate_limit":   cfg.RateLimit.Enabled,
		"max_prompts":  cfg.RateLimit.MaxPrompts,
		"window":       cfg.RateLimit.Window(),
		"storage":      cfg.Storage.Type,
		"set_channels": st.SetChannelCount(),
	}).Info("Bot configured")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.Metrics.Enabled {
		g.Go(func() error {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			return middleware.StartMetricsServer(gctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		})
	}

	updates, err := startUpdates(gctx, g, bot, cfg, log)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return serveUpdates(gctx, updates, bot.Self.ID, dispatcher, log)
	})

	err = g.Wait()

	if cfg.Bot.Webhook.Enabled {
		if _, derr := bot.Request(tgbotapi.DeleteWebhookConfig{}); derr != nil {
			log.WithError(derr).Error("Failed to delete webhook")
		}
	} else {
		bot.StopReceivingUpdates()
	}

	// Final save so nothing mutated during shutdown is lost
	if serr := st.Save(context.Background()); serr != nil {
		log.WithError(serr).Error("Failed to save bot data on shutdown")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startUpdates registers the webhook or starts long polling
func startUpdates(ctx context.Context, g *errgroup.Group, bot *tgbotapi.BotAPI, cfg *config.Config, log *logrus.Logger) (<-chan tgbotapi.Update, error) {
	if !cfg.Bot.Webhook.Enabled {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout
		log.Info("Using long polling")
		return bot.GetUpdatesChan(u), nil
	}

	path := "/" + bot.Token
	webhook, err := tgbotapi.NewWebhook(cfg.Bot.Webhook.URL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	if _, err := bot.Request(webhook); err != nil {
		return nil, fmt.Errorf("failed to set webhook: %w", err)
	}

	updates := make(chan tgbotapi.Update, bot.Buffer)
	router := telegram.NewWebhookRouter(ctx, bot, path, updates, log)
	g.Go(func() error {
		log.WithField("port", cfg.Bot.Webhook.Port).Info("Webhook set")
		return telegram.ServeWebhook(ctx, cfg.Bot.Webhook.Port, router)
	})
	return updates, nil
}

// serveUpdates handles each update on its own goroutine and waits for the
// in-flight handlers once ctx is done
func serveUpdates(ctx context.Context, updates <-chan tgbotapi.Update, selfID int64, dispatcher *handlers.Dispatcher, log *logrus.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received, waiting for in-flight messages")
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := telegram.ToIncoming(update, selfID)
			if !ok {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				// Handlers finish their reply even while shutting down
				if err := dispatcher.HandleMessage(context.WithoutCancel(ctx), msg); err != nil {
					log.WithError(err).WithField("chat_id", msg.ChannelID).Debug("Update handler returned error")
				}
			}()
		}
	}
}
