package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-recovery/internal/auth"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	"github.com/frahmantamala/credit-recovery/internal/transport"
	"github.com/frahmantamala/credit-recovery/internal/transport/middleware"
	"github.com/frahmantamala/credit-recovery/internal/transport/rest"
	"github.com/frahmantamala/credit-recovery/internal/transport/swagger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server serving the gateway webhook, the operator API, health checks and metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startHTTPServer()
	},
}

func startHTTPServer() error {
	deps, err := initializeDependencies(os.Stdout, false)
	if err != nil {
		return err
	}

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Close(context.Background())
		return err
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "gateway", deps.Gateway.Provider())

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case sig := <-sigChan:
		deps.Logger.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("Server failed to start", "error", err)
			serveErr = withExitCode(ExitPrerequisite, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	deps.Close(ctx)

	deps.Logger.Info("Server stopped")
	return serveErr
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	cfg := deps.Config
	base := transport.NewBaseHandler(deps.Logger)

	webhookHandler := reconciliation.NewWebhookHandler(base, deps.Engine, reconciliation.WebhookConfig{
		Secret:          cfg.Security.WebhookSecret,
		SignatureHeader: cfg.Gateway.SignatureHeader,
		SkipSignature:   cfg.Security.SkipWebhookSigCheck,
	}, deps.Logger)
	if cfg.Security.SkipWebhookSigCheck {
		deps.Logger.Warn("webhook signature check disabled")
	}

	var authHandler *auth.Handler
	var operatorHandler *reconciliation.Handler
	if cfg.Security.HasOperatorAuth() {
		publicKey, err := cfg.Security.GetPublicKey()
		if err != nil {
			return nil, withExitCode(ExitPrerequisite, err)
		}
		tokens := auth.NewJWTTokenGenerator(nil, publicKey, cfg.Security.OperatorTokenTTL)
		authHandler = auth.NewHandler(auth.NewService(tokens))
		operatorHandler = reconciliation.NewHandler(deps.Engine, cfg.Reconciliation.StalenessThreshold, deps.Logger)
	} else {
		deps.Logger.Warn("no JWT public key configured, operator API disabled")
	}

	routerCfg := rest.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins}
	if cfg.Observability.Metrics.Enabled {
		routerCfg.MetricsPath = cfg.Observability.Metrics.Path
		routerCfg.Gatherer = deps.Registry
		routerCfg.HTTPMetrics = middleware.NewHTTPMetrics(deps.Registry)
	}

	if _, err := swagger.Load(context.Background()); err != nil {
		deps.Logger.Warn("OpenAPI document failed validation, swagger UI may be wrong", "error", err)
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.DB.DB, routerCfg, authHandler, operatorHandler, webhookHandler, deps.Logger)
	return router, nil
}
