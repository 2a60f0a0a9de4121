package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/presence-api/internal/config"
	"github.com/noah-isme/presence-api/internal/database"
	"github.com/noah-isme/presence-api/internal/gateway"
	"github.com/noah-isme/presence-api/internal/handler"
	"github.com/noah-isme/presence-api/internal/middleware"
	"github.com/noah-isme/presence-api/internal/repository"
	"github.com/noah-isme/presence-api/internal/router"
	"github.com/noah-isme/presence-api/internal/service"
	"github.com/noah-isme/presence-api/internal/verification"
	cloud "github.com/noah-isme/presence-api/pkg/cloudinary"
	"github.com/noah-isme/presence-api/pkg/mailer"
)

// Frames arrive base64 encoded inside JSON; enrollment carries dozens of them.
const bodyLimit = 64 << 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsConn.Drain()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured; attempt tracking and redis fan-out disabled")
	}

	var evidence service.EvidenceUploader
	cloudCfg := cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}
	if cloudCfg.Enabled() {
		uploader, err := cloud.New(cloudCfg, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		evidence = uploader
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	notifiers := []service.AnomalyNotifier{service.NewAnomalyBroadcaster(redisClient, natsConn, cfg.AnomalyChannel)}
	var alertMailer *mailer.Mailer
	if cfg.ResendAPIKey != "" {
		alertMailer = mailer.New(mailer.NewResendSender(cfg.ResendAPIKey, cfg.ResendFrom), mailer.Config{AppName: cfg.AppName}, logger)
		alertMailer.Start(rootCtx)
		notifiers = append(notifiers, service.NewEmailAnomalyNotifier(alertMailer))
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	embeddingRepo := repository.NewFaceEmbeddingRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	anomalyRepo := repository.NewAnomalyRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	vision := gateway.NewVisionClient(natsConn, cfg.VisionSubject, cfg.VisionTimeout, logger)
	scanner := gateway.NewBLEScanner(natsConn, cfg.BLEScanSubject, logger)

	activityService := service.NewActivityService(activityRepo, logger)
	anomalyService := service.NewAnomalyService(anomalyRepo, sessionRepo, evidence, activityService, logger, notifiers...)

	deps := service.AttendanceDependencies{
		Sessions:   sessionRepo,
		Users:      userRepo,
		Embeddings: embeddingRepo,
		Attendance: attendanceRepo,
		Analyzer:   vision,
		Scanner:    scanner,
		Anomalies:  anomalyService,
		Activity:   activityService,
	}
	if redisClient != nil {
		deps.Attempts = service.NewRedisAttemptTracker(redisClient, cfg.AttemptsWindow, cfg.AttemptsIPWindow)
	}

	attendanceService := service.NewAttendanceService(deps, validate, logger, service.AttendanceConfig{
		MatchThreshold: cfg.FaceMatchThreshold,
		RSSIThreshold:  &cfg.BLERSSIThreshold,
		ScanDuration:   cfg.BLEScanDuration,
		ScanTimeout:    cfg.BLEScanTimeout,
		LivenessMode:   cfg.LivenessMode,
		Liveness: verification.LivenessConfig{
			EARThreshold:   cfg.LivenessEARThreshold,
			BlinkFrames:    cfg.LivenessBlinkFrames,
			HeadDeadZone:   cfg.LivenessHeadDeadZone,
			HeadMatchRatio: cfg.LivenessHeadMatchRatio,
		},
		SeverityPolicy: cfg.AnomalySeverityPolicy,
		AttemptLimit:   cfg.AttemptsLimit,
	})
	enrollmentService := service.NewEnrollmentService(userRepo, embeddingRepo, vision, validate, logger, service.EnrollmentConfig{
		MinFrames:     cfg.EnrollmentMinFrames,
		MinEmbeddings: cfg.EnrollmentMinEmbeddings,
	})

	markLimiter := middleware.RateLimit("attendance-mark", cfg.MarkRateLimitMax, cfg.MarkRateLimitWindow)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    bodyLimit,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		AttendanceHandler: handler.NewAttendanceHandler(attendanceService, validate, logger, markLimiter),
		AnomalyHandler:    handler.NewAnomalyHandler(anomalyService, logger),
		EnrollmentHandler: handler.NewEnrollmentHandler(enrollmentService, validate, logger),
		ActivityHandler:   handler.NewActivityHandler(activityService, logger),
		HealthChecks:      healthChecks(db, redisClient, natsConn),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		ExposeMetrics:     true,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Msg("presence api started")

	waitForShutdown(app)

	if alertMailer != nil {
		alertMailer.Close()
	}
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.DependencyCheck {
	checks := map[string]handler.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"nats": func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New(natsConn.Status().String())
			}
			return nil
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
