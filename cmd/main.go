package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aridhom/nuxgate/internal/acs"
	"github.com/aridhom/nuxgate/internal/admission"
	"github.com/aridhom/nuxgate/internal/audit"
	"github.com/aridhom/nuxgate/internal/billing"
	"github.com/aridhom/nuxgate/internal/cache"
	"github.com/aridhom/nuxgate/internal/chat"
	"github.com/aridhom/nuxgate/internal/command"
	"github.com/aridhom/nuxgate/internal/config"
	"github.com/aridhom/nuxgate/internal/logging"
	"github.com/aridhom/nuxgate/internal/metrics"
	"github.com/aridhom/nuxgate/internal/pending"
	"github.com/aridhom/nuxgate/internal/ratelimit"
	"github.com/aridhom/nuxgate/internal/replies"
	"github.com/aridhom/nuxgate/internal/router"
	"github.com/aridhom/nuxgate/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "NUXGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging.Level, cfg.Server.Logging.Format)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	caches, err := cache.NewProvider(cache.Config{
		Backend: cfg.Cache.Backend,
		Valkey: cache.ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Cache.Valkey.TLS.Enabled,
				CAFile:  cfg.Cache.Valkey.TLS.CAFile,
			},
		},
	})
	if err != nil {
		logger.Error("cache backend initialization failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := caches.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	billingClient := billing.NewClient(billing.Config{
		APIURL:   cfg.Billing.APIURL,
		Username: cfg.Billing.Username,
		Password: cfg.Billing.Password,
	}, nil, logger, metricsRecorder)
	billingService := billing.NewService(billingClient, caches, logger, metricsRecorder)

	var routerClient router.Client
	if strings.TrimSpace(cfg.Router.BaseURL) != "" {
		routerClient, err = router.NewRESTClient(router.Config{
			BaseURL:       cfg.Router.BaseURL,
			Username:      cfg.Router.Username,
			Password:      cfg.Router.Password,
			PublicAddress: cfg.Router.PublicAddress,
			PublicPort:    cfg.Router.PublicPort,
			Comment:       cfg.Router.Comment,
		}, nil, logger)
		if err != nil {
			logger.Error("router client setup failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var acsClient acs.Client
	if strings.TrimSpace(cfg.ACS.BaseURL) != "" {
		acsClient, err = acs.NewHTTPClient(acs.Config{
			BaseURL:  cfg.ACS.BaseURL,
			Username: cfg.ACS.Username,
			Password: cfg.ACS.Password,
		}, nil, logger)
		if err != nil {
			logger.Error("acs client setup failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	policy, err := admission.NewPolicy(cfg.Admission.Policy, cfg.Admission.AllowedUserIDs)
	if err != nil {
		logger.Error("admission policy invalid", slog.Any("error", err))
		os.Exit(1)
	}

	renderer, err := replies.NewRenderer()
	if err != nil {
		logger.Error("reply templates invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if folder := strings.TrimSpace(cfg.Replies.OverridesFolder); folder != "" {
		if cfg.Replies.Watch {
			watcher, err := renderer.Watch(ctx, folder, logger)
			if err != nil {
				logger.Warn("reply override watcher setup failed", slog.Any("error", err))
			} else {
				defer watcher.Stop()
			}
		} else if err := renderer.LoadOverrides(folder); err != nil {
			logger.Warn("reply overrides load failed", slog.Any("error", err))
		}
	}

	sender := chat.NewClient(cfg.Chat.APIBaseURL, cfg.Chat.BotToken, nil, logger)

	handler := command.NewHandler(command.Deps{
		Billing:         billingService,
		Router:          routerClient,
		ACS:             acsClient,
		Pending:         pending.NewStore(cfg.Pending.TTL()),
		Replies:         renderer,
		Sender:          sender,
		Audit:           audit.NewLogRecorder(logger),
		Metrics:         metricsRecorder,
		Logger:          logger,
		ActivateUsing:   cfg.Billing.ActivateUsing,
		RechargeUsing:   cfg.Billing.RechargeUsing,
		Deadline:        cfg.Command.Deadline(),
		ListConcurrency: cfg.Command.ListConcurrency,
	})

	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())
	go limiter.Run(ctx)

	webhook := server.NewWebhook(server.WebhookDeps{
		Secret:    cfg.Chat.WebhookSecret,
		Admission: policy,
		Limiter:   limiter,
		Handler:   handler,
		Sender:    sender,
		Replies:   renderer,
		Metrics:   metricsRecorder,
		Logger:    logger,
	})

	srv, err := server.New(cfg, logger, webhook.Routes())
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}
	srv.DrainWith(webhook.Wait)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}
