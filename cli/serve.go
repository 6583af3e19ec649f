package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/issueflow/issueflow/engine/health"
	"github.com/issueflow/issueflow/engine/webhook"
)

const (
	serveShutdownGrace = 15 * time.Second
	cleanupInterval    = 24 * time.Hour
	// Heap budget for the health probe; generous for a single-process engine.
	heapBudgetBytes = 512 << 20
)

// ServeCmd runs the engine with the inbound webhook and health HTTP surface.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automation engine and its HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			rulesDir, _ := cmd.Flags().GetString("rules-dir")
			integrationsDir, _ := cmd.Flags().GetString("integrations-dir")
			log := commandLogger(cmd)

			a, err := buildApp(log)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
				defer cancel()
				a.close(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rules, err := loadRulesDir(rulesDir)
			if err != nil {
				return err
			}
			for _, r := range rules {
				if _, err := a.engine.CreateRule(ctx, r); err != nil {
					return err
				}
			}
			integrations, err := loadIntegrationsDir(integrationsDir)
			if err != nil {
				return err
			}
			for _, integration := range integrations {
				if err := a.webhooks.Register(integration); err != nil {
					return err
				}
			}
			log.Info("engine ready", "rules", len(rules), "integrations", len(integrations))

			monitor, err := buildMonitor(a)
			if err != nil {
				return err
			}
			monitor.Start()
			defer monitor.Stop()

			go runCleanup(ctx, a)

			server := &http.Server{
				Addr:              addr,
				Handler:           newRouter(a, monitor),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("http server listening", "addr", addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().String("addr", ":8085", "HTTP listen address")
	cmd.Flags().String("rules-dir", defaultRulesDir, "Directory holding rule YAML files")
	cmd.Flags().String("integrations-dir", defaultIntegrationsDir, "Directory holding integration YAML files")
	return cmd
}

func newRouter(a *app, monitor *health.Monitor) http.Handler {
	return webhook.NewRouter(a.triggers, monitor.HealthFunc(), a.log)
}

func buildMonitor(a *app) (*health.Monitor, error) {
	monitor := health.NewMonitor(a.log)
	checks := []health.Check{
		{Name: "heap_usage", Critical: true, Probe: health.HeapUsageProbe(heapBudgetBytes)},
		{Name: "tick_lag", Critical: true, Probe: health.TickLagProbe()},
		{Name: "error_rate", Probe: health.ErrorRateProbe(a.engine.ErrorRate)},
		{Name: "field_cache_hit_rate", Probe: health.CacheHitRateProbe(a.fields.HitRate)},
	}
	for _, check := range checks {
		if err := monitor.Register(check); err != nil {
			return nil, err
		}
	}
	return monitor, nil
}

func runCleanup(ctx context.Context, a *app) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := a.engine.Cleanup()
			a.log.Info("retention sweep finished", "removed", removed)
		}
	}
}
