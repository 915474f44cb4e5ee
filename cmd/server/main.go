// Command server runs the weiche routing gateway.
//
// Configuration is layered: built-in defaults, a YAML file (-config
// flag, WEICHE_CONFIG env, ./config.yaml, /etc/weiche/config.yaml),
// then WEICHE_* environment overrides. See pkg/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rhuss/weiche/pkg/adapter"
	openaiadapter "github.com/rhuss/weiche/pkg/adapter/openai"
	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/config"
	"github.com/rhuss/weiche/pkg/cooldown"
	"github.com/rhuss/weiche/pkg/debug"
	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/router"
	"github.com/rhuss/weiche/pkg/strategy"
	transporthttp "github.com/rhuss/weiche/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debug.Init(cfg.Debug.Categories, cfg.Debug.Level)

	rt, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	handler := transporthttp.NewAdapter(rt, transporthttp.Config{
		MaxBodyBytes:   10 << 20,
		MetricsEnabled: cfg.Observability.Metrics.Enabled,
		MetricsPath:    cfg.Observability.Metrics.Path,
		MaxInFlight:    cfg.Server.MaxInFlight,
	}).Handler()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "strategy", cfg.Router.Strategy, "deployments", len(cfg.Deployments))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildRouter assembles the router from loaded configuration.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	kind, ok := strategy.ParseKind(cfg.Router.Strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", cfg.Router.Strategy)
	}

	reg := registry.New()
	if err := reg.ReplaceAll(toDeployments(cfg.Deployments)); err != nil {
		return nil, fmt.Errorf("registering deployments: %w", err)
	}

	invokers := map[string]adapter.Invoker{
		openaiadapter.Name: openaiadapter.New(openaiadapter.Config{
			Timeout:    cfg.Server.WriteTimeout,
			Classifier: toClassifier(cfg.Classification),
		}),
	}
	for _, d := range cfg.Deployments {
		if _, ok := invokers[d.Provider]; !ok {
			return nil, fmt.Errorf("deployment %s: unknown provider %q", d.ID, d.Provider)
		}
	}

	return router.New(router.Config{
		Strategy:       kind,
		MaxRetries:     cfg.Router.MaxRetries,
		BackoffBase:    cfg.Router.BackoffBase,
		BackoffMax:     cfg.Router.BackoffMax,
		AttemptTimeout: cfg.Router.AttemptTimeout,
		UsageWindow:    cfg.Router.UsageWindow,
		Cooldown: cooldown.Config{
			SoftThreshold:    cfg.Router.Cooldown.SoftThreshold,
			ErrorWindow:      cfg.Router.Cooldown.ErrorWindow,
			CoolDuration:     cfg.Router.Cooldown.CoolDuration,
			HardCoolDuration: cfg.Router.Cooldown.HardCoolDuration,
		},
		Fallbacks: cfg.Fallbacks,
	}, reg, invokers)
}

func toDeployments(in []config.DeploymentConfig) []registry.Deployment {
	out := make([]registry.Deployment, 0, len(in))
	for _, d := range in {
		out = append(out, registry.Deployment{
			ID:           d.ID,
			Model:        d.Model,
			Provider:     d.Provider,
			BackendModel: d.BackendModel,
			BaseURL:      d.BaseURL,
			APIKey:       d.APIKey,
			Weight:       d.Weight,
			RPM:          d.RPM,
			TPM:          d.TPM,
		})
	}
	return out
}

func toClassifier(overrides map[int]string) *api.Classifier {
	if len(overrides) == 0 {
		return api.NewClassifier(nil)
	}
	m := make(map[int]api.ErrorClass, len(overrides))
	for status, name := range overrides {
		// Validation already rejected unknown class names.
		if class, ok := api.ParseClass(name); ok {
			m[status] = class
		}
	}
	return api.NewClassifier(m)
}
