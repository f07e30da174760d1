package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/mithileshchellappan/novelpush/internal/audience"
	"github.com/mithileshchellappan/novelpush/internal/auth"
	"github.com/mithileshchellappan/novelpush/internal/config"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/fcm"
	"github.com/mithileshchellappan/novelpush/internal/gcp"
	"github.com/mithileshchellappan/novelpush/internal/logger"
	"github.com/mithileshchellappan/novelpush/internal/metrics"
	"github.com/mithileshchellappan/novelpush/internal/pipeline"
	"github.com/mithileshchellappan/novelpush/internal/scheduler"
	"github.com/mithileshchellappan/novelpush/internal/server"
	"github.com/mithileshchellappan/novelpush/internal/service"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/mithileshchellappan/novelpush/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx := context.Background()

	// Credentials are optional unless Firestore or Firebase auth need them.
	creds, err := gcp.Load(ctx, cfg.FirebaseCredentialsFile, cfg.FirebaseProjectID)
	if err != nil {
		if cfg.DatabaseDriver == "firestore" || cfg.AuthMode == "firebase" {
			log.WithError(err).Fatal("Cannot load Google credentials")
		}
		log.WithError(err).Warn("Google credentials unavailable, FCM disabled")
	}

	store, err := openStore(ctx, cfg, creds, log)
	if err != nil {
		log.WithError(err).Fatal("Cannot create store")
	}
	log.WithField("driver", cfg.DatabaseDriver).Info("Token store ready")

	var sender dispatch.Sender = dispatch.Disabled{}
	var verifier auth.Verifier
	if creds != nil {
		app, err := creds.FirebaseApp(ctx)
		if err != nil {
			log.WithError(err).Fatal("Cannot initialize Firebase")
		}

		fcmClient, err := fcm.NewClient(ctx, app, log)
		if err != nil {
			log.WithError(err).Warn("FCM disabled: cannot create client")
		} else {
			sender = fcmClient
			log.Info("FCM sender initialized")
		}

		if cfg.AuthMode == "firebase" {
			verifier, err = auth.NewFirebaseVerifier(ctx, app)
			if err != nil {
				log.WithError(err).Fatal("Cannot initialize Firebase auth")
			}
		}
	}

	switch cfg.AuthMode {
	case "jwt":
		verifier = auth.NewJWTVerifier(cfg.OperatorJWTSecret)
	case "none":
		log.Warn("AUTH_MODE=none: every caller is an operator")
		verifier = auth.NoAuth{}
	}

	m := metrics.New()
	display := dispatch.Display{
		Icon:    cfg.NotificationIcon,
		Badge:   cfg.NotificationBadge,
		SiteURL: cfg.SiteURL,
	}

	resolver := audience.NewResolver(store, cfg.AllAudienceRequiresEnabled, log)
	pipe := pipeline.NewNotificationPipeline(store, sender, m, pipeline.Options{
		NumSenders:   cfg.SenderCount,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}, log)
	notificationService := service.NewNotificationService(store, resolver, pipe, display, log)

	workerPool := worker.NewPool(notificationService, cfg.WorkerCount, cfg.JobQueueSize, log)
	workerPool.Start()

	jobScheduler := scheduler.New(store, workerPool, cfg.SchedulerInterval, cfg.StaleJobAge, log)
	jobScheduler.Start()

	script, err := server.RenderReceiverScript(server.ReceiverConfig{
		Firebase: cfg.FirebaseWeb,
		Icon:     cfg.NotificationIcon,
		Badge:    cfg.NotificationBadge,
	})
	if err != nil {
		log.WithError(err).Fatal("Cannot render receiver script")
	}
	log.WithField("etag", script.ETag()).Info("Receiver script rendered")

	httpServer := server.New(notificationService, workerPool, server.Options{
		Verifier:       verifier,
		ReceiverScript: script,
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
		SendRateLimit:  cfg.SendRateLimit,
		SendRateBurst:  cfg.SendRateBurst,
		Log:            log,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpServer.Start(":" + cfg.ServerPort); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Could not start server")
		}
	}()
	<-sigCtx.Done()

	log.Info("Shutdown signal received, stopping app")
	if err := shutdown(httpServer, jobScheduler, workerPool, store, log); err != nil {
		log.WithError(err).Error("Shutdown finished with errors")
	}
	log.Info("Server exiting")
}

func openStore(ctx context.Context, cfg *config.Config, creds *gcp.Credentials, log logrus.FieldLogger) (storage.Store, error) {
	switch cfg.DatabaseDriver {
	case "firestore":
		return storage.NewFirestoreStore(ctx, creds.ProjectID, log, creds.ClientOptions()...)
	case "postgres":
		return storage.NewPostgresStore(cfg.DatabaseURL, log)
	case "sqlite":
		return storage.NewSQLStore(cfg.DatabaseURL, log)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func shutdown(httpServer *server.Server, jobScheduler *scheduler.Scheduler, workerPool *worker.Pool, store storage.Store, log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	jobScheduler.Stop()
	if err := workerPool.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
