package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/background"
	"github.com/BradenHooton/kamino-stepup/internal/config"
	"github.com/BradenHooton/kamino-stepup/internal/database"
	"github.com/BradenHooton/kamino-stepup/internal/handlers"
	middlewareCustom "github.com/BradenHooton/kamino-stepup/internal/middleware"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/BradenHooton/kamino-stepup/internal/routes"
	"github.com/BradenHooton/kamino-stepup/internal/services"
	pkghttp "github.com/BradenHooton/kamino-stepup/pkg/http"
	pkglogger "github.com/BradenHooton/kamino-stepup/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// stores holds the persistence backends selected by configuration
type stores struct {
	db       *database.DB
	redis    *redis.Client
	secrets  repositories.SecretRepository
	sessions repositories.SessionRepository
	counter  repositories.FailureCounter
	attempts background.AttemptPurger
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("limiter_backend", cfg.Store.LimiterBackend))

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	totpMgr, err := auth.NewTOTPManager(cfg.MFA.EncryptionKey, cfg.MFA.Issuer, cfg.MFA.SecretSize)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	auditLogger := pkglogger.NewAuditLogger(logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.MFA.TimingDelayBaseMs,
		RandomDelayMs: cfg.MFA.TimingDelayRandomMs,
	})

	var notifier services.SecurityNotifier = services.NewLogNotifier(logger)
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewSESNotifier(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize email notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	}

	// Initialize services
	sessionService := services.NewSessionService(st.sessions, services.SessionConfig{
		TTL:            cfg.MFA.SessionTTL,
		StorageTimeout: cfg.MFA.StorageTimeout,
	}, logger, auditLogger)

	rateLimitService := services.NewRateLimitService(st.counter, services.RateLimitConfig{
		MaxFailedAttempts: cfg.MFA.MaxFailedAttempts,
		Window:            cfg.MFA.LockoutWindow,
	}, logger)

	enrollmentService := services.NewEnrollmentService(st.secrets, sessionService, totpMgr, notifier, logger, auditLogger, services.EnrollmentConfig{
		BackupCodeCount:       cfg.MFA.BackupCodeCount,
		ToleranceSteps:        cfg.MFA.ToleranceSteps,
		EnrollmentTTL:         cfg.MFA.EnrollmentTTL,
		StorageTimeout:        cfg.MFA.StorageTimeout,
		RequireReenrollIntent: cfg.MFA.RequireReenrollFlag,
	})

	verificationService := services.NewVerificationService(st.secrets, rateLimitService, sessionService, totpMgr, timingDelay, notifier, logger, auditLogger, services.VerificationConfig{
		ToleranceSteps: cfg.MFA.ToleranceSteps,
		StorageTimeout: cfg.MFA.StorageTimeout,
	})

	stepUpService := services.NewStepUpService(sessionService, cfg.MFA.StepUpActionMaxAge, logger, auditLogger)

	// Initialize handlers
	mfaHandler := handlers.NewMFAHandler(enrollmentService, verificationService, sessionService, stepUpService, logger)
	approvalHandler := handlers.NewApprovalHandler(services.NewLogApprover(logger, auditLogger), logger)

	cleanupManager := background.NewCleanupManager(st.sessions, st.secrets, st.attempts, background.CleanupConfig{
		Interval:         cfg.MFA.CleanupInterval,
		SessionRetention: cfg.MFA.SessionRetention,
		EnrollmentTTL:    cfg.MFA.EnrollmentTTL,
		LockoutWindow:    cfg.MFA.LockoutWindow,
	}, logger)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(pkghttp.ClientIPMiddleware(ipConfig))
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	routes.RegisterRoutes(router, routes.Dependencies{
		MFA:             mfaHandler,
		Approval:        approvalHandler,
		TokenManager:    tokenManager,
		StepUp:          stepUpService,
		VerifyRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.MFA.VerifyRequestsPerMin},
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy"}
		healthy := true
		if st.db != nil {
			status["database"] = "up"
			if err := st.db.HealthCheck(ctx); err != nil {
				status["database"] = "down"
				healthy = false
			}
		}
		if st.redis != nil {
			status["redis"] = "up"
			if err := st.redis.Ping(ctx).Err(); err != nil {
				status["redis"] = "down"
				healthy = false
			}
		}

		if !healthy {
			status["status"] = "unhealthy"
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, status)
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// openStores connects the configured backends and runs migrations
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Database.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			err := database.Migrate(ctx, cfg.Database.DSN(), logger)
			cancel()
			if err != nil {
				return nil, err
			}
		}

		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		st.db = db
		st.secrets = repositories.NewSecretRepository(db)
		st.sessions = repositories.NewSessionRepository(db)
	default:
		logger.Warn("using in-memory MFA storage; state is lost on restart")
		st.secrets = repositories.NewMemorySecretRepository()
		st.sessions = repositories.NewMemorySessionRepository()
	}

	switch cfg.Store.LimiterBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			st.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st.redis = client
		// Keys expire on their own; nothing to purge
		st.counter = repositories.NewRedisFailureCounter(client, cfg.Redis.KeyPrefix)
	case config.BackendPostgres:
		attempts := repositories.NewMFAAttemptRepository(st.db)
		st.counter = attempts
		st.attempts = attempts
	default:
		counter := repositories.NewMemoryFailureCounter()
		st.counter = counter
		st.attempts = counter
	}

	return st, nil
}
