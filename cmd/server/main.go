package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/config"
	"github.com/AnshRaj112/patient-portal-backend/internal/database"
	"github.com/AnshRaj112/patient-portal-backend/internal/handlers"
	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/routes"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/logger"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	zlog, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer zlog.Sync()

	auditKey, generated, err := cfg.ResolveAuditKey()
	if err != nil {
		log.Fatal("Failed to load audit HMAC key:", err)
	}
	if generated {
		log.Println("⚠️  WARNING: AUDIT_HMAC_KEY not set. Using an ephemeral key; audit hashes will not verify after restart.")
		log.Println("   To generate a key, run: openssl rand -base64 32")
	}
	masterKey, generated, err := cfg.ResolveEncryptionKey()
	if err != nil {
		log.Fatal("Failed to load encryption key:", err)
	}
	if generated {
		log.Println("⚠️  WARNING: ENCRYPTION_KEY not set. Using an ephemeral key; stored TOTP secrets will not decrypt after restart.")
		log.Println("   Key must be base64-encoded 32 bytes. Generate with: openssl rand -base64 32")
	} else {
		log.Println("✅ Encryption key configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL holds attempts and admins, and by default profiles and audit logs
	log.Printf("Connecting to PostgreSQL...")
	if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer database.DisconnectPostgres()
	pg := store.NewPostgresStore(database.Postgres())

	log.Printf("Connecting to Redis...")
	redisClient, err := database.ConnectRedis(cfg.RedisURI)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer database.DisconnectRedis()

	var profiles store.ProfileStore = pg
	if cfg.ProfileBackend == config.BackendSupabase {
		profiles = store.NewSupabaseProfileStore(cfg.SupabaseURL, cfg.SupabaseKey, zlog)
		log.Println("✅ Profiles served from Supabase")
	}

	var auditStore store.AuditStore
	var alertStore store.AlertStore
	switch cfg.AuditBackend {
	case config.BackendMongo:
		log.Printf("Connecting to MongoDB...")
		if err := database.Connect(cfg.MongoURI); err != nil {
			log.Println("\nTroubleshooting tips:")
			log.Println("1. Check if your IP is whitelisted in MongoDB Atlas")
			log.Println("2. Verify your connection string format (should use mongodb+srv:// for Atlas)")
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		defer database.Disconnect()
		mongoAudit := store.NewMongoAuditStore(database.DB)
		if err := mongoAudit.EnsureIndexes(ctx); err != nil {
			log.Printf("⚠️  WARNING: failed to ensure MongoDB audit indexes: %v", err)
		} else {
			log.Println("✅ MongoDB audit indexes ensured")
		}
		auditStore, alertStore = mongoAudit, mongoAudit.Alerts()
	default:
		auditStore = store.NewPostgresAuditStore(database.Postgres())
		alertStore = store.NewPostgresAlertStore(database.Postgres())
	}

	var geo services.GeoLocator = services.LocalGeoLocator{}
	if cfg.GeoIPDBPath != "" {
		mm, err := services.OpenMaxMindGeoLocator(cfg.GeoIPDBPath, zlog)
		if err != nil {
			log.Printf("⚠️  WARNING: GeoIP database unavailable, using local lookup: %v", err)
		} else {
			defer mm.Close()
			geo = mm
			log.Println("✅ GeoIP database loaded")
		}
	}

	alerts := services.NewAlertStream(redisClient, zlog)
	go alerts.Run(ctx)

	audit, err := services.NewHIPAAAuditLogger(services.AuditLoggerDeps{
		Store:     auditStore,
		Alerts:    alertStore,
		Publisher: alerts,
		// Rotated fallback files are never pruned.
		Fallback: logger.NewFileLogger(logger.FileConfig{
			Path:      cfg.AuditFallbackPath,
			MaxSizeMB: 100,
			Compress:  true,
		}),
		Logger:      zlog,
		HMACKey:     auditKey,
		Geo:         geo,
		Version:     cfg.Version,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Fatal("Failed to build audit logger:", err)
	}

	var notifier services.Notifier = services.NewLogNotifier(zlog)
	if cfg.SMTPHost != "" {
		notifier = services.NewSMTPNotifier(services.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, zlog)
		log.Println("✅ Security notices sent by email")
	}

	secrets, err := utils.NewSecretBox(masterKey)
	if err != nil {
		log.Fatal("Failed to build secret box:", err)
	}
	backupKey, err := utils.DeriveKey(masterKey, utils.PurposeBackupCodes, 32)
	if err != nil {
		log.Fatal("Failed to derive backup code key:", err)
	}
	attemptKey, err := utils.DeriveKey(masterKey, utils.PurposeAttempts, 32)
	if err != nil {
		log.Fatal("Failed to derive attempt key:", err)
	}

	twoFactor, err := services.NewTwoFactorAuthService(services.TwoFactorDeps{
		Profiles:     profiles,
		Attempts:     pg,
		Audit:        audit,
		Secrets:      secrets,
		BackupCodes:  utils.NewCodeHasher(backupKey),
		AttemptCodes: utils.NewCodeHasher(attemptKey),
		Notifier:     notifier,
		Logger:       zlog,
		Policy:       cfg.TwoFactorPolicy(),
	})
	if err != nil {
		log.Fatal("Failed to build 2FA service:", err)
	}

	var archiver services.ReportArchiver
	if cfg.ArchiveConfigured() {
		cld, err := services.NewCloudinaryArchiver(cfg.CloudinaryName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		if err != nil {
			log.Printf("Warning: Failed to initialize Cloudinary: %v", err)
		} else {
			archiver = cld
			log.Println("✅ Cloudinary report archive initialized")
		}
	} else {
		log.Println("Warning: Cloudinary credentials not found. Report archiving will not be available")
	}

	userSessions := services.NewUserSessions(redisClient)
	adminSessions := services.NewAdminSessions(redisClient)
	challenges := services.NewLoginChallenges(redisClient)

	limiter := middleware.NewRedisRateLimiter(redisClient, zlog)

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestInfo)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Production: host check, security headers, per-IP and credential rate limits.
	// Non-production: Redis fixed-window limit only.
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity(cfg.AllowedHost) {
			r.Use(mw)
		}
		log.Println("✅ Production security enabled (host check, security headers, per-IP + credential rate limiting)")
	} else {
		r.Use(limiter.Middleware)
	}

	// Health check (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	routes.SetupRoutes(r, routes.Deps{
		TwoFactor:     handlers.NewTwoFactorHandler(twoFactor, challenges, userSessions, zlog),
		AdminAuth:     handlers.NewAdminAuthHandler(pg, adminSessions, audit, zlog),
		Audit:         handlers.NewAuditHandler(audit, alertStore, archiver, zlog),
		BlockedIPs:    handlers.NewBlockedIPsHandler(limiter, audit, zlog),
		AlertsSocket:  handlers.NewAlertsSocketHandler(adminSessions, alerts, cfg.AllowedOrigins, zlog),
		UserSessions:  userSessions,
		AdminSessions: adminSessions,
		Logger:        zlog,
	})

	log.Println("📋 Registered routes:")
	for _, route := range routes.Registered(r) {
		log.Printf("  %s", route)
	}

	audit.LogSystemEvent(ctx, "service_started", models.OutcomeSuccess, map[string]any{
		"profile_backend": cfg.ProfileBackend,
		"audit_backend":   cfg.AuditBackend,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("🚀 Patient portal backend running on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed", zap.Error(err))
	}
	audit.LogSystemEvent(shutdownCtx, "service_stopped", models.OutcomeSuccess, nil)
}
