package cli

import (
	"context"

	"github.com/issueflow/issueflow/engine/audit"
	"github.com/issueflow/issueflow/engine/automation"
	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/permission"
	"github.com/issueflow/issueflow/engine/ratelimit"
	"github.com/issueflow/issueflow/engine/tracker"
	"github.com/issueflow/issueflow/engine/trigger"
	"github.com/issueflow/issueflow/engine/webhook"
	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/logger"
)

// app is the fully wired engine stack used by serve and rule execute.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	client   *tracker.Client
	fields   *tracker.FieldCache
	sink     *audit.Sink
	webhooks *webhook.Dispatcher
	triggers *trigger.Manager
	engine   *automation.Engine
}

func buildApp(log logger.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, core.WrapError(core.CategoryConfiguration, "config_load_failed",
			"failed to load configuration", err)
	}
	if err := cfg.ValidateStartup(); err != nil {
		return nil, core.WrapError(core.CategoryConfiguration, "config_incomplete", err.Error(), err)
	}
	client, err := tracker.NewClient(tracker.Config{
		BaseURL:    cfg.Tracker.BaseURL,
		Email:      cfg.Tracker.Email,
		APIToken:   string(cfg.Tracker.APIToken),
		OAuthToken: string(cfg.Tracker.OAuthToken),
		Timeout:    cfg.Tracker.RequestTimeout(),
		MaxRetries: cfg.Tracker.MaxRetries,
		RetryDelay: cfg.Tracker.RetryDelay(),
	})
	if err != nil {
		return nil, err
	}
	sink := audit.NewSink(cfg.Audit.Dir, cfg.Audit.Enabled)
	gate := permission.NewGate(
		ratelimit.New(ratelimit.DefaultWindow, ratelimit.DefaultLimit),
		permission.DefaultPolicy{AllowAll: true},
	)
	webhooks := webhook.NewDispatcher(log)
	triggers := trigger.NewManager(log)
	fields := tracker.NewFieldCache(client, tracker.DefaultFieldTTL)
	engine := automation.New(client, triggers, gate, sink, webhooks, log, automation.Options{
		MaxConcurrent:    cfg.Engine.MaxConcurrentExecutions,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout(),
		RetentionDays:    cfg.Engine.RetentionDays,
		WebhookTimeout:   cfg.Tracker.RequestTimeout(),
		Fields:           fields,
	})
	return &app{
		cfg:      cfg,
		log:      log,
		client:   client,
		fields:   fields,
		sink:     sink,
		webhooks: webhooks,
		triggers: triggers,
		engine:   engine,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.engine.Shutdown(ctx); err != nil {
		a.log.Warn("engine shutdown did not finish cleanly", "error", err)
	}
	if err := a.sink.Close(); err != nil {
		a.log.Warn("audit sink close failed", "error", err)
	}
}
