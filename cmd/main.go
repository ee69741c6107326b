package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportsched/internal/alert"
	"github.com/reportsched/internal/api"
	"github.com/reportsched/internal/auth"
	"github.com/reportsched/internal/config"
	"github.com/reportsched/internal/database"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/notify"
	"github.com/reportsched/internal/report"
	"github.com/reportsched/internal/scheduler"
)

const (
	shutdownTimeout = 30 * time.Second
	// drainTimeout is the extra time runs get to record their outcome before
	// the database closes.
	drainTimeout = 30 * time.Second
)

func main() {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "reportschedd",
		Short:        "Report scheduling service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "Config file (default ./config.yaml or /etc/reportsched/config.yaml)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	// Initialize database
	db, err := database.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warnw("Failed to close database", logging.FieldError, err)
		}
	}()

	users := database.NewUserStore(db)
	if err := users.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword, log); err != nil {
		return err
	}
	store := database.NewScheduleStore(db)

	// Report rendering and delivery
	renderer, err := report.NewTemplateRenderer()
	if err != nil {
		return err
	}
	generator := report.NewGenerator(renderer, log)
	if email := cfg.Delivery.Email; email.Configured() {
		generator.Register(models.DeliveryEmail, notify.NewEmailDeliverer(email.SMTPHost, email.SMTPPort, email.Username, email.Password, email.From))
	} else {
		log.Warn("SMTP is not configured, email schedules will fail")
	}
	generator.Register(models.DeliveryWebhook, notify.NewWebhookDeliverer(&http.Client{Timeout: 30 * time.Second}, "reportsched"))
	generator.Register(models.DeliveryDownload, notify.NewDownloadDeliverer(cfg.Delivery.DownloadDir))

	// Initialize alert manager
	var alerter scheduler.Alerter
	alertManager := alert.NewManager(&alert.Config{
		SlackToken:     cfg.Alert.Slack.Token,
		SlackChannel:   cfg.Alert.Slack.Channel,
		SlackAPIURL:    cfg.Alert.Slack.APIURL,
		SMTPHost:       cfg.Delivery.Email.SMTPHost,
		SMTPPort:       cfg.Delivery.Email.SMTPPort,
		EmailFrom:      cfg.Delivery.Email.From,
		EmailUsername:  cfg.Delivery.Email.Username,
		EmailPassword:  cfg.Delivery.Email.Password,
		EmailReceivers: cfg.Alert.Email.ToReceivers,
	}, log)
	if alertManager.Enabled() {
		alerter = alertManager
	}

	workerID := cfg.Scheduler.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	manager := scheduler.NewManager(store, nil, log)
	poller := scheduler.NewPoller(store, cfg.Scheduler.BatchSize)
	executor := scheduler.NewExecutor(store, generator, scheduler.ExecutorConfig{
		WorkerID: workerID,
		Alerter:  alerter,
	}, log)

	var service *scheduler.Service
	if cfg.Scheduler.Enabled {
		service = scheduler.NewService(poller, executor, scheduler.ServiceConfig{
			PollInterval:    cfg.Scheduler.PollInterval,
			MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
			ClaimsPerSecond: cfg.Scheduler.ClaimsPerSecond,
		}, log)
		log.Infow("Starting scheduler", logging.FieldWorkerID, workerID)
		service.Start(ctx)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("auth.jwt_secret is not set, tokens will not survive a restart")
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(api.Deps{
		Manager:  manager,
		Poller:   poller,
		Executor: executor,
		Users:    users,
		Issuer:   auth.NewIssuer(secret, cfg.Auth.TokenTTL),
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warnw("API shutdown failed", logging.FieldError, serr)
	}
	if service != nil {
		if serr := service.Stop(shutdownCtx); serr != nil {
			drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
			if derr := service.Drain(drainCtx); derr != nil {
				log.Errorw("Closing database with runs in flight, their executions stay running",
					logging.FieldCount, service.InFlight())
			}
			drainCancel()
		}
	}
	return err
}

