package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuelReschke/PayRecon/app/controllers"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ingress"
	"github.com/ManuelReschke/PayRecon/internal/pkg/router"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var docsFile string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks and run the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			app, err := newHTTPApp(a, docsFile)
			if err != nil {
				return err
			}

			a.startBackground()

			errCh := make(chan error, 1)
			go func() {
				log.Infof("[App] Listening on %s (env: %s)", a.cfg.Addr(), a.cfg.AppEnv)
				errCh <- app.Listen(a.cfg.Addr())
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info("[App] Shutting down...")
				return app.ShutdownWithTimeout(shutdownTimeout)
			}
		},
	}

	cmd.Flags().StringVar(&docsFile, "docs", "./public/docs/v1/openapi.yml", "OpenAPI document served under /docs/api/v1 (empty disables)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight requests")
	return cmd
}

func newHTTPApp(a *application, docsFile string) (*fiber.App, error) {
	auth, err := ingress.NewAuthenticator(ingress.AuthConfig{
		Secret:        a.cfg.StripeWebhookSecret,
		Production:    a.cfg.Production(),
		AllowInsecure: a.cfg.AllowInsecureWebhooks,
		Tolerance:     a.cfg.SignatureTolerance,
	})
	if err != nil {
		return nil, err
	}

	var archive controllers.Archiver
	if a.archive != nil {
		archive = a.archive
	}
	webhook := controllers.NewWebhookController(auth, a.service, archive, a.counters, controllers.DefaultProcessTimeout)
	if a.manager != nil {
		webhook.WithJobStats(a.manager.GetQueue())
	}

	app := fiber.New(fiber.Config{
		AppName: "PayRecon " + Version,
		// The gate answers oversized bodies itself; fiber's limit only
		// guards against abuse and shares the gate's 413 body.
		BodyLimit:    4 * a.cfg.MaxBodyBytes,
		ErrorHandler: ingress.ErrorHandler,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Handlers{
		Webhook: webhook,
		Health:  controllers.NewHealthController(a.db, cache.Available),
		Gate: ingress.GateConfig{
			MaxBodyBytes:    a.cfg.MaxBodyBytes,
			RateLimitMax:    a.cfg.RateLimitMax,
			RateLimitWindow: a.cfg.RateLimitWindow,
			Storage:         ingress.NewLimiterStorage(a.redis),
			OnReject: func(code string) {
				if err := a.counters.AddRejection(context.Background(), code); err != nil {
					log.Warnf("[App] counting rejection: %v", err)
				}
			},
		},
		OpsKey:   a.cfg.OpsAPIKey,
		DocsFile: docsFile,
	})

	return app, nil
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the job queue and ledger pruning",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.manager == nil {
				return fmt.Errorf("worker mode needs redis")
			}
			a.startBackground()
			<-ctx.Done()
			log.Info("[App] Worker shutting down...")
			return nil
		},
	}
}
