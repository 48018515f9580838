package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/agent/providers"
	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/attachments"
	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/batcher"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/channels/discord"
	"github.com/haasonsaas/parley/internal/channels/email"
	"github.com/haasonsaas/parley/internal/channels/slack"
	"github.com/haasonsaas/parley/internal/channels/telegram"
	"github.com/haasonsaas/parley/internal/channels/web"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/confirm"
	"github.com/haasonsaas/parley/internal/gateway"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/scheduler"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/threads"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/internal/tools/builtin"
	"github.com/haasonsaas/parley/pkg/models"
)

// app holds the assembled components of a running server.
type app struct {
	logger *slog.Logger

	store     storage.Store
	prompt    *config.PromptWatcher
	channels  *channels.Registry
	processor *gateway.Processor
	scheduler *scheduler.Scheduler
	server    *gateway.Server
	tracer    *observability.Tracer
}

// buildApp wires storage, the model loop, channels and the HTTP surface.
// Nothing is started.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.closeResources(context.WithoutCancel(ctx))
		}
	}()

	tracer, tracerErr := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if tracerErr != nil {
		a.logger.Warn("tracing disabled", "error", tracerErr)
	}
	a.tracer = tracer
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	a.store, err = storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	model, err := providers.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	a.prompt, err = config.NewPromptWatcher(cfg.Orchestrator.SystemPrompt, cfg.Orchestrator.SystemPromptFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load system prompt: %w", err)
	}

	artifactStore, err := artifacts.Open(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	resolver := attachments.NewResolver(attachments.Config{
		InlineThreshold: cfg.Attachments.InlineThreshold,
		MaxFetchBytes:   cfg.Attachments.MaxFetchBytes,
		FetchTimeout:    cfg.Attachments.FetchTimeout,
		HandleTTL:       cfg.Attachments.HandleTTL,
		SampleRows:      cfg.Attachments.SampleRows,
	},
		attachments.WithArtifacts(artifactStore),
		attachments.WithLogger(logger),
	)

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, builtin.Deps{
		Notes:       a.store,
		Reminders:   a.store,
		Attachments: resolver,
	}, cfg.Tools.Disabled); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}
	invoker := tools.NewInvoker(registry, tools.InvokerConfig{
		Concurrency: cfg.Tools.Concurrency,
		Timeout:     cfg.Tools.Timeout,
	},
		tools.WithLogger(logger),
		tools.WithMetrics(metrics),
		tools.WithTracer(tracer),
	)

	a.channels = channels.NewRegistry(
		channels.WithLogger(logger),
		channels.WithMetrics(metrics),
	)
	webAdapter, emailAdapter, err := registerAdapters(a.channels, cfg, artifactStore, logger)
	if err != nil {
		return nil, err
	}

	// The gate reports orphaned resolutions to the processor, which is
	// built after it.
	var proc *gateway.Processor
	gate := confirm.New(a.store, a.channels, confirm.Config{
		TTL:           cfg.Confirmation.TTL,
		SweepInterval: cfg.Confirmation.SweepInterval,
		ApproveWords:  cfg.Confirmation.ApproveWords,
		DenyWords:     cfg.Confirmation.DenyWords,
	},
		confirm.WithLogger(logger),
		confirm.WithMetrics(metrics),
		confirm.WithOrphanHandler(func(ctx context.Context, pc *models.PendingConfirmation) {
			proc.HandleOrphan(ctx, pc)
		}),
	)

	orchestrator := agent.NewOrchestrator(model, invoker, agent.Config{
		MaxIterations:   cfg.Orchestrator.MaxIterations,
		MaxTokens:       cfg.Orchestrator.MaxTokens,
		FallbackMessage: cfg.Orchestrator.FallbackMessage,
		AbortOnDenial:   cfg.Orchestrator.AbortOnDenial,
	},
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithGate(gate),
		agent.WithResolver(resolver),
		agent.WithPrompt(a.prompt),
	)

	tracker := threads.NewTracker(a.store, threads.Config{
		HistoryLimit:    cfg.Orchestrator.HistoryLimit,
		FinalizeRetries: cfg.Orchestrator.FinalizeRetries,
		RetryDelay:      cfg.Batcher.RetryDelay,
	}, logger, metrics)

	proc = gateway.NewProcessor(tracker, orchestrator, gate, a.channels, gateway.ProcessorConfig{
		Batcher: batcher.Config{
			Policy:     batcher.Policy(cfg.Batcher.Policy),
			Debounce:   cfg.Batcher.Debounce,
			MaxWait:    cfg.Batcher.MaxWait,
			RetryDelay: cfg.Batcher.RetryDelay,
		},
		TurnTimeout:     cfg.Orchestrator.TurnTimeout,
		FallbackMessage: cfg.Orchestrator.FallbackMessage,
		DedupeWindow:    cfg.Batcher.DedupeWindow,
	},
		gateway.WithProcessorLogger(logger),
		gateway.WithProcessorMetrics(metrics),
		gateway.WithErrorReporter(gateway.LogReporter{Logger: logger}),
	)
	a.processor = proc

	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(a.store, proc, cfg.Scheduler.Automations,
			scheduler.WithLogger(logger),
			scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}

	serverOpts := []gateway.ServerOption{
		gateway.WithServerLogger(logger),
		gateway.WithConfirmations(gate),
		gateway.WithMetricsHandler(promhttp.Handler()),
		gateway.WithAuth(newAuthService(cfg.Server.Auth)),
	}
	if webAdapter != nil {
		serverOpts = append(serverOpts, gateway.WithWebSocket(webAdapter))
	}
	if emailAdapter != nil {
		serverOpts = append(serverOpts, gateway.WithEmailWebhook(emailAdapter))
	}
	a.server = gateway.NewServer(cfg.Server, proc, a.store, serverOpts...)

	return a, nil
}

// registerAdapters adds every enabled channel adapter to reg. The web and
// email adapters are returned because they also serve HTTP routes.
func registerAdapters(reg *channels.Registry, cfg *config.Config, store artifacts.Store, logger *slog.Logger) (*web.Adapter, *email.Adapter, error) {
	var (
		webAdapter   *web.Adapter
		emailAdapter *email.Adapter
	)
	ch := cfg.Channels

	if ch.Web.Enabled {
		webAdapter = web.NewAdapter(web.Config{
			AllowedOrigins: ch.Web.AllowedOrigins,
			Logger:         logger,
		})
		reg.Register(webAdapter)
	}
	if ch.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  ch.Telegram.BotToken,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create telegram adapter: %w", err)
		}
		reg.Register(adapter)
	}
	if ch.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken:  ch.Slack.BotToken,
			AppToken:  ch.Slack.AppToken,
			Logger:    logger,
			Reconnect: channels.DefaultReconnectConfig(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create slack adapter: %w", err)
		}
		reg.Register(adapter)
	}
	if ch.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:     ch.Discord.BotToken,
			Logger:    logger,
			Reconnect: channels.DefaultReconnectConfig(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create discord adapter: %w", err)
		}
		reg.Register(adapter)
	}
	if ch.Email.Enabled {
		adapter, err := email.NewAdapter(email.Config{
			From:      ch.Email.From,
			SMTP:      ch.Email.SMTP,
			Artifacts: store,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create email adapter: %w", err)
		}
		emailAdapter = adapter
		reg.Register(adapter)
	}
	return webAdapter, emailAdapter, nil
}

// start recovers state left by a previous process, then starts every
// component from the inside out.
func (a *app) start(ctx context.Context) error {
	if err := a.prompt.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch system prompt: %w", err)
	}
	if err := a.processor.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover: %w", err)
	}
	a.processor.Start(ctx)

	if err := a.channels.StartAll(ctx, a.processor); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}
	return nil
}

// stop shuts components down from the outside in so that in-flight turns
// can still deliver their replies.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	if a.processor != nil {
		if err := a.processor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("processor stop: %w", err))
		}
	}
	if a.channels != nil {
		if err := a.channels.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("channels stop: %w", err))
		}
	}
	a.closeResources(ctx)
	return errors.Join(errs...)
}

func (a *app) closeResources(ctx context.Context) {
	if a.prompt != nil {
		if err := a.prompt.Close(); err != nil {
			a.logger.Warn("failed to close prompt watcher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to shut down tracer", "error", err)
	}
}

func newAuthService(cfg config.AuthConfig) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, Name: k.Name})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	})
}
