package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicdesk/backend/internal/bootstrap"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/infrastructure/scheduler"
	"github.com/clinicdesk/backend/internal/infrastructure/telemetry"
	"github.com/clinicdesk/backend/internal/interfaces/http/handler"
	"github.com/clinicdesk/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		TimeFormat:  "2006-01-02T15:04:05.000Z07:00",
		ServiceName: cfg.Telemetry.ServiceName,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	tel := cfg.Telemetry
	providers, err := telemetry.Start(context.Background(),
		telemetry.Config{
			Enabled:           tel.Enabled,
			CollectorEndpoint: tel.CollectorEndpoint,
			SamplingRatio:     tel.SamplingRatio,
			ServiceName:       tel.ServiceName,
			Insecure:          tel.Insecure,
		},
		telemetry.MetricsConfig{
			Enabled:           tel.MetricsOn(),
			CollectorEndpoint: tel.CollectorEndpoint,
			ExportInterval:    tel.MetricsExportInterval,
			ServiceName:       tel.ServiceName,
			Insecure:          tel.Insecure,
		},
		telemetry.LogsConfig{
			Enabled:           tel.LogsOn(),
			CollectorEndpoint: tel.CollectorEndpoint,
			ServiceName:       tel.ServiceName,
			Insecure:          tel.Insecure,
		},
		log,
	)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	if provider := providers.Logs.Provider(); provider != nil {
		logCfg.OTelProvider = provider
		if bridged, err := logger.New(logCfg); err == nil {
			log = bridged
		} else {
			log.Warn("Failed to bridge logs to OpenTelemetry", zap.Error(err))
		}
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting Clinic Desk API",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("database", cfg.Database.Driver),
	)

	services, err := bootstrap.Open(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer func() {
		if err := services.Close(); err != nil {
			log.Error("Error closing connections", zap.Error(err))
		}
	}()
	services.SetMetrics(providers.Numbering)
	if services.Redis == nil {
		log.Warn("Redis unavailable, wizard drafts and repair locks are process-local")
	}

	auditCfg := scheduler.DefaultAuditSchedulerConfig()
	auditCfg.Interval = cfg.Numbering.AuditInterval
	audits, err := scheduler.NewAuditScheduler(auditCfg, services.Auditor, log)
	if err != nil {
		log.Fatal("Failed to create audit scheduler", zap.Error(err))
	}
	if err := audits.Start(context.Background()); err != nil {
		log.Fatal("Failed to start audit scheduler", zap.Error(err))
	}

	engine := router.NewEngine(router.EngineConfig{
		CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
		PublicRateLimit:  cfg.HTTP.PublicRateLimit,
		PublicRateWindow: cfg.HTTP.PublicRateWindow,
		TracingEnabled:   providers.Tracer.IsEnabled(),
		ServiceName:      tel.ServiceName,
	}, router.Handlers{
		System:    handler.NewSystemHandler(services.DB, version),
		Documents: handler.NewDocumentHandler(services.Allocator, services.Lookup),
		Numbering: handler.NewNumberingHandler(services.Auditor),
		Drafts:    handler.NewDraftHandler(services.Drafts, cfg.Draft.TTL),
	}, log)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		log.Error("Server failed", zap.Error(err))
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := audits.Stop(ctx); err != nil {
		log.Warn("Audit scheduler did not stop cleanly", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := providers.Shutdown(ctx); err != nil {
		log.Error("Error shutting down telemetry", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
