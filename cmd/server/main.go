package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/backup"
	"magnet-queue/internal/config"
	"magnet-queue/internal/downloader"
	apphttp "magnet-queue/internal/http"
	"magnet-queue/internal/metrics"
	"magnet-queue/internal/repository/sqlite"
	"magnet-queue/internal/scheduler"
	"magnet-queue/internal/service"
	"magnet-queue/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	level, _ := cfg.LogLevel()
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	operatorRepo := sqlite.NewOperatorRepository(db)
	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := operatorRepo.Init(ctx); err != nil {
		logger.Fatalf("init operator repository: %v", err)
	}

	jobService := service.NewJobService(jobRepo)
	var operators service.OperatorService
	if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		operators = service.NewOperatorService(operatorRepo, service.OperatorConfig{
			RegisterSecret: cfg.Auth.RegisterSecret,
			JWTSecret:      cfg.Auth.JWTSecret,
			TokenTTL:       cfg.Auth.TokenTTL,
		})
	} else {
		logger.Warn("auth.jwtsecret is empty; the control API is unauthenticated")
	}

	collector, err := metrics.New(prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Fatalf("register metrics: %v", err)
	}

	limits, err := scheduler.NewLimitsStore(cfg.Limits())
	if err != nil {
		logger.Fatalf("queue limits: %v", err)
	}

	manager, err := downloader.NewManager(downloader.Config{
		DataDir:           cfg.Download.DataDir,
		StatusInterval:    cfg.Download.StatusInterval,
		ResumeInterval:    cfg.Download.ResumeInterval,
		TickInterval:      cfg.Queue.Tick,
		TrackerList:       cfg.Download.Trackers,
		MaxConnsPerJob:    cfg.Engine.MaxConnsPerJob,
		DownloadRateLimit: cfg.Engine.DownloadRateLimit,
		UploadRateLimit:   cfg.Engine.UploadRateLimit,
		ListenPort:        cfg.Engine.ListenPort,
		Limits:            limits,
		Recorder:          collector,
		Observers:         []func(scheduler.Event){collector.Observe},
		Logger:            logger,
	}, jobService)
	if err != nil {
		logger.Fatalf("create manager: %v", err)
	}
	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}
	backups := backup.New(backup.Config{
		Schedule:  cfg.Backup.Schedule,
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Backup.KeyPrefix,
		Keep:      cfg.Backup.Keep,
		URLExpiry: cfg.Backup.URLExpiry,
		Logger:    logger,
	}, manager, storageSvc)
	if err := backups.Start(); err != nil {
		logger.Fatalf("start backups: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Manager:   manager,
		Operators: operators,
		Backups:   backups,
		Metrics:   collector.Handler(),
		Logger:    logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	backups.Stop()
	manager.Shutdown()

	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured; backups are then
// disabled.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage.bucket is empty; resume backups disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
