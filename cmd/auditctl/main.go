package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/AnshRaj112/patient-portal-backend/internal/auditctl"
	"github.com/AnshRaj112/patient-portal-backend/internal/config"
	"github.com/AnshRaj112/patient-portal-backend/internal/database"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	if err := auditctl.NewRootCommand(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "auditctl:", err)
		os.Exit(1)
	}
}

// open connects to the audit backend named by AUDIT_BACKEND using the same
// environment as the server.
func open(ctx context.Context) (*auditctl.Backend, func(), error) {
	cfg := config.Load()
	key, generated, err := cfg.ResolveAuditKey()
	if err != nil {
		return nil, nil, err
	}
	if generated {
		return nil, nil, errors.New("AUDIT_HMAC_KEY must be set; hashes cannot be checked with a generated key")
	}

	zlog, err := logger.New(logger.Config{Level: "warn", Format: "console"})
	if err != nil {
		return nil, nil, err
	}

	var (
		auditStore store.AuditStore
		alertStore store.AlertStore
		closeFn    func()
	)
	switch cfg.AuditBackend {
	case config.BackendMongo:
		if err := database.Connect(cfg.MongoURI); err != nil {
			return nil, nil, fmt.Errorf("mongodb: %w", err)
		}
		mongoAudit := store.NewMongoAuditStore(database.DB)
		auditStore, alertStore = mongoAudit, mongoAudit.Alerts()
		closeFn = func() { _ = database.Disconnect() }
	default:
		if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		auditStore = store.NewPostgresAuditStore(database.Postgres())
		alertStore = store.NewPostgresAlertStore(database.Postgres())
		closeFn = func() { _ = database.DisconnectPostgres() }
	}

	audit, err := services.NewHIPAAAuditLogger(services.AuditLoggerDeps{
		Store:       auditStore,
		Alerts:      alertStore,
		Logger:      zlog,
		HMACKey:     key,
		Version:     cfg.Version,
		Environment: cfg.Environment,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	b := &auditctl.Backend{Audit: audit, Alerts: alertStore}
	if cfg.ArchiveConfigured() {
		archiver, err := services.NewCloudinaryArchiver(cfg.CloudinaryName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		if err != nil {
			zlog.Sugar().Warnf("report archive unavailable: %v", err)
		} else {
			b.Archiver = archiver
		}
	}
	return b, func() {
		closeFn()
		_ = zlog.Sync()
	}, nil
}
