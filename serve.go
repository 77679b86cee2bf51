package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"npmmirror/internal"
	"npmmirror/pkg/api"
	"npmmirror/pkg/registry"
	"npmmirror/webhook"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the mirror and accept sync triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	logger := internal.NewLogger("server")
	a, err := newApp(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	var trigger api.Trigger = a.syncer
	if cfg.Sync.Dispatch == "publish" {
		trigger = &internal.PublishTrigger{
			Publisher: a.publisher,
			Provider:  cfg.Sync.Provider,
			Reason:    "trigger",
			Logger:    internal.NewLogger("trigger"),
		}
	}

	rules, err := internal.NewRuleEngine(cfg.RulesConfig())
	if err != nil {
		return err
	}
	hooks := make(map[string]http.Handler, 2)
	switch cfg.Sync.Provider {
	case "github":
		h, err := webhook.NewGitHubHandler(cfg.GitHub.WebhookSecret, rules, trigger, internal.NewLogger("webhook/github"))
		if err != nil {
			return err
		}
		hooks[cfg.GitHub.WebhookPath] = h
	case "gitlab":
		h, err := webhook.NewGitLabHandler(cfg.GitLab.WebhookSecret, rules, trigger, internal.NewLogger("webhook/gitlab"))
		if err != nil {
			return err
		}
		hooks[cfg.GitLab.WebhookPath] = h
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:       registry.NewService(a.packages, cfg.Server.PublicURL),
		Repositories:   a.repos,
		ArtifactRoot:   cfg.Server.ArtifactRoot,
		Trigger:        trigger,
		Webhooks:       hooks,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		MetricsPath:    cfg.Server.MetricsPath,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Logger:         internal.NewLogger("api"),
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       internal.Duration(cfg.Server.ReadTimeoutMS),
		WriteTimeout:      internal.Duration(cfg.Server.WriteTimeoutMS),
		IdleTimeout:       internal.Duration(cfg.Server.IdleTimeoutMS),
		ReadHeaderTimeout: internal.Duration(cfg.Server.ReadHeaderMS),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr, "provider", cfg.Sync.Provider, "dispatch", cfg.Sync.Dispatch)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.Sync.OnStart {
		trigger.Trigger(ctx, "")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	a.syncer.Wait()
	return nil
}
