package database

import (
	"database/sql"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var PostgresDB *sql.DB

// ConnectPostgres connects to PostgreSQL database
func ConnectPostgres(postgresURI string) error {
	var err error

	PostgresDB, err = sql.Open("postgres", postgresURI)
	if err != nil {
		return err
	}

	// Set connection pool settings
	PostgresDB.SetMaxOpenConns(25)
	PostgresDB.SetMaxIdleConns(5)
	PostgresDB.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err = PostgresDB.Ping(); err != nil {
		return err
	}

	log.Println("✅ Connected to PostgreSQL")

	// Initialize tables
	if err = InitPostgresTables(); err != nil {
		return err
	}

	return nil
}

// Postgres wraps the shared pool for sqlx-based stores.
func Postgres() *sqlx.DB {
	return sqlx.NewDb(PostgresDB, "postgres")
}

// InitPostgresTables creates the 2FA and audit tables if they don't exist.
// The profiles table is owned by the auth system; only the 2FA columns are
// added here so the bootstrap is safe against an existing schema.
func InitPostgresTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id UUID PRIMARY KEY,
			email VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS totp_secret TEXT`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS two_factor_enabled BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS backup_codes TEXT[]`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS failed_2fa_attempts INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS locked_until TIMESTAMPTZ`,
		`ALTER TABLE profiles ADD COLUMN IF NOT EXISTS last_2fa_verification TIMESTAMPTZ`,

		// Append-only attempt log used for rate limiting
		`CREATE TABLE IF NOT EXISTS two_factor_attempts (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			attempt_type VARCHAR(20) NOT NULL,
			code_hash VARCHAR(128) NOT NULL,
			success BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,

		// HIPAA audit trail (append-only, see trigger below)
		`CREATE TABLE IF NOT EXISTS hipaa_audit_logs (
			id UUID PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			user_id VARCHAR(64),
			patient_id VARCHAR(64),
			resource_type VARCHAR(64) NOT NULL,
			resource_id VARCHAR(128),
			action_taken VARCHAR(128) NOT NULL,
			outcome VARCHAR(16) NOT NULL,
			risk_level SMALLINT NOT NULL,
			phi_accessed BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			event_hash VARCHAR(64) NOT NULL,
			ip_address VARCHAR(64),
			user_agent TEXT,
			session_id VARCHAR(64),
			geolocation JSONB,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE OR REPLACE FUNCTION hipaa_audit_logs_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'hipaa_audit_logs is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_hipaa_audit_logs_immutable ON hipaa_audit_logs`,
		`CREATE TRIGGER trg_hipaa_audit_logs_immutable
			BEFORE UPDATE OR DELETE ON hipaa_audit_logs
			FOR EACH ROW EXECUTE FUNCTION hipaa_audit_logs_immutable()`,

		`CREATE TABLE IF NOT EXISTS security_alerts (
			id UUID PRIMARY KEY,
			event_id UUID NOT NULL,
			user_id VARCHAR(64),
			alert_type VARCHAR(128) NOT NULL,
			risk_level SMALLINT NOT NULL,
			description TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Admins table (audit console operators, created directly in the database)
		`CREATE TABLE IF NOT EXISTS admins (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			username VARCHAR(50) NOT NULL UNIQUE,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_login TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_two_factor_attempts_user_type_created ON two_factor_attempts(user_id, attempt_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_hipaa_audit_logs_timestamp ON hipaa_audit_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_hipaa_audit_logs_user_id ON hipaa_audit_logs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_hipaa_audit_logs_event_type ON hipaa_audit_logs(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_hipaa_audit_logs_phi ON hipaa_audit_logs(phi_accessed) WHERE phi_accessed`,
		`CREATE INDEX IF NOT EXISTS idx_security_alerts_created_at ON security_alerts(created_at)`,
	}

	for _, query := range queries {
		if _, err := PostgresDB.Exec(query); err != nil {
			return err
		}
	}

	log.Println("✅ PostgreSQL tables initialized")
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres() error {
	if PostgresDB != nil {
		return PostgresDB.Close()
	}
	return nil
}
