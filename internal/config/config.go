package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendMongo    = "mongo"

	minAuditKeyBytes = 32
)

type Config struct {
	MongoURI       string
	PostgresURI    string
	RedisURI       string
	AuditHMACKey   string // AUDIT_HMAC_KEY: base64 or raw, at least 32 bytes
	EncryptionKey  string // ENCRYPTION_KEY: base64 of 32 bytes
	Port           string
	FrontendURL    string
	AllowedOrigins []string // CORS: from ALLOWED_ORIGINS or FRONTEND_URL(s)
	Host           string   // Raw HOST env (e.g. https://api.portal.example.com)
	AllowedHost    string   // Hostname only for strict host check (production only)
	Environment    string   // ENV: production, development, etc.
	Version        string

	ProfileBackend string // postgres or supabase
	AuditBackend   string // postgres or mongo
	SupabaseURL    string
	SupabaseKey    string

	CloudinaryName      string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	GeoIPDBPath       string
	LogLevel          string
	LogFormat         string
	AuditFallbackPath string

	TOTPIssuer        string
	TOTPPeriodSeconds int
	TOTPSkew          int
	TOTPDigits        int
	BackupCodeCount   int
	MaxSetupAttempts  int
	AttemptWindow     time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

func Load() *Config {
	env := strings.ToLower(strings.TrimSpace(getEnv("ENV", "development")))
	host := getEnv("HOST", "http://localhost:8080")

	// AllowedHost is only set in production; host check is skipped in development
	var allowedHost string
	if env == "production" {
		allowedHost = hostname(host)
	}

	allowedOrigins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(allowedOrigins) == 0 {
		for _, u := range []string{getEnv("FRONTEND_URL", "http://localhost:3000"), getEnv("FRONTEND_URL_2", ""), getEnv("FRONTEND_URL_3", "")} {
			u = strings.TrimSpace(u)
			if u != "" {
				allowedOrigins = append(allowedOrigins, u)
			}
		}
	}
	// When HOST is an api subdomain (e.g. api.portal.example.com), also allow
	// https://domain and https://www.domain so the portal frontend works.
	if h := hostname(host); h != "" && h != "localhost" {
		parts := strings.Split(h, ".")
		if len(parts) >= 3 {
			domain := strings.Join(parts[1:], ".")
			for _, origin := range []string{"https://" + domain, "https://www." + domain} {
				if !containsOrigin(allowedOrigins, origin) {
					allowedOrigins = append(allowedOrigins, origin)
				}
			}
		}
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	defaults := services.DefaultTwoFactorPolicy()
	logFormat := "json"
	if env != "production" {
		logFormat = "console"
	}

	return &Config{
		MongoURI:       getEnv("MONGODB_URI", getEnv("MONGO_URI", "mongodb://localhost:27017/patient_portal")),
		PostgresURI:    getEnv("POSTGRES_URI", "postgres://localhost:5432/patient_portal?sslmode=disable"),
		RedisURI:       getEnv("REDIS_URI", "redis://localhost:6379/0"),
		AuditHMACKey:   getEnv("AUDIT_HMAC_KEY", ""),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		Host:           host,
		AllowedHost:    allowedHost,
		Environment:    env,
		Version:        getEnv("APP_VERSION", "dev"),
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),
		AllowedOrigins: allowedOrigins,

		ProfileBackend: strings.ToLower(getEnv("PROFILE_BACKEND", BackendPostgres)),
		AuditBackend:   strings.ToLower(getEnv("AUDIT_BACKEND", BackendPostgres)),
		SupabaseURL:    getEnv("SUPABASE_URL", ""),
		SupabaseKey:    getEnv("SUPABASE_SERVICE_KEY", getEnv("SUPABASE_KEY", "")),

		CloudinaryName:      getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		CloudinaryFolder:    getEnv("CLOUDINARY_AUDIT_FOLDER", services.DefaultArchiveFolder),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "security@localhost"),

		GeoIPDBPath:       getEnv("GEOIP_DB_PATH", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", logFormat),
		AuditFallbackPath: getEnv("AUDIT_FALLBACK_PATH", "logs/audit-fallback.log"),

		TOTPIssuer:        getEnv("TOTP_ISSUER", defaults.Issuer),
		TOTPPeriodSeconds: getEnvInt("TOTP_PERIOD_SECONDS", int(defaults.Period/time.Second)),
		TOTPSkew:          getEnvInt("TOTP_SKEW", int(defaults.Skew)),
		TOTPDigits:        getEnvInt("TOTP_DIGITS", defaults.Digits),
		BackupCodeCount:   getEnvInt("TWO_FACTOR_BACKUP_CODES", defaults.BackupCodeCount),
		MaxSetupAttempts:  getEnvInt("TWO_FACTOR_MAX_SETUP_ATTEMPTS", defaults.MaxSetupAttempts),
		AttemptWindow:     getEnvDuration("TWO_FACTOR_ATTEMPT_WINDOW", defaults.AttemptWindow),
		MaxFailedAttempts: getEnvInt("TWO_FACTOR_MAX_FAILED_ATTEMPTS", defaults.MaxFailedAttempts),
		LockoutDuration:   getEnvDuration("TWO_FACTOR_LOCKOUT_DURATION", defaults.LockoutDuration),
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []error
	if c.IsProduction() {
		if c.AuditHMACKey == "" {
			errs = append(errs, errors.New("AUDIT_HMAC_KEY is required in production"))
		}
		if c.EncryptionKey == "" {
			errs = append(errs, errors.New("ENCRYPTION_KEY is required in production"))
		}
	}
	if c.AuditHMACKey != "" {
		if _, err := decodeAuditKey(c.AuditHMACKey); err != nil {
			errs = append(errs, err)
		}
	}
	if c.EncryptionKey != "" {
		if _, err := utils.DecodeKey(c.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("ENCRYPTION_KEY: %w", err))
		}
	}

	switch c.ProfileBackend {
	case BackendPostgres:
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errs = append(errs, errors.New("PROFILE_BACKEND=supabase needs SUPABASE_URL and SUPABASE_SERVICE_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROFILE_BACKEND %q must be postgres or supabase", c.ProfileBackend))
	}
	if c.AuditBackend != BackendPostgres && c.AuditBackend != BackendMongo {
		errs = append(errs, fmt.Errorf("AUDIT_BACKEND %q must be postgres or mongo", c.AuditBackend))
	}

	if c.TOTPPeriodSeconds <= 0 {
		errs = append(errs, errors.New("TOTP_PERIOD_SECONDS must be positive"))
	}
	if c.TOTPSkew < 0 {
		errs = append(errs, errors.New("TOTP_SKEW must not be negative"))
	}
	if c.TOTPDigits != 6 && c.TOTPDigits != 8 {
		errs = append(errs, errors.New("TOTP_DIGITS must be 6 or 8"))
	} else if c.TOTPDigits == utils.BackupCodeLength {
		errs = append(errs, fmt.Errorf("TOTP_DIGITS must differ from the backup code length (%d)", utils.BackupCodeLength))
	}
	if c.BackupCodeCount <= 0 {
		errs = append(errs, errors.New("TWO_FACTOR_BACKUP_CODES must be positive"))
	}
	if c.MaxSetupAttempts <= 0 || c.MaxFailedAttempts <= 0 {
		errs = append(errs, errors.New("TWO_FACTOR_MAX_SETUP_ATTEMPTS and TWO_FACTOR_MAX_FAILED_ATTEMPTS must be positive"))
	}
	if c.AttemptWindow <= 0 || c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("TWO_FACTOR_ATTEMPT_WINDOW and TWO_FACTOR_LOCKOUT_DURATION must be positive"))
	}
	return errors.Join(errs...)
}

// TwoFactorPolicy builds the 2FA limits from configuration.
func (c *Config) TwoFactorPolicy() services.TwoFactorPolicy {
	p := services.DefaultTwoFactorPolicy()
	p.Issuer = c.TOTPIssuer
	p.Period = time.Duration(c.TOTPPeriodSeconds) * time.Second
	p.Skew = uint(c.TOTPSkew)
	p.Digits = c.TOTPDigits
	p.BackupCodeCount = c.BackupCodeCount
	p.MaxSetupAttempts = c.MaxSetupAttempts
	p.AttemptWindow = c.AttemptWindow
	p.MaxFailedAttempts = c.MaxFailedAttempts
	p.LockoutDuration = c.LockoutDuration
	return p
}

// ResolveAuditKey returns the audit HMAC key. Outside production a missing
// key is replaced by a random one and generated is true; hashes written
// with it cannot be verified after a restart.
func (c *Config) ResolveAuditKey() (key []byte, generated bool, err error) {
	if c.AuditHMACKey != "" {
		key, err = decodeAuditKey(c.AuditHMACKey)
		return key, false, err
	}
	if c.IsProduction() {
		return nil, false, errors.New("AUDIT_HMAC_KEY is required in production")
	}
	key, err = randomKey(minAuditKeyBytes)
	return key, err == nil, err
}

// ResolveEncryptionKey returns the AES-256 master key, with the same
// development fallback as ResolveAuditKey.
func (c *Config) ResolveEncryptionKey() (key []byte, generated bool, err error) {
	if c.EncryptionKey != "" {
		key, err = utils.DecodeKey(c.EncryptionKey)
		return key, false, err
	}
	if c.IsProduction() {
		return nil, false, errors.New("ENCRYPTION_KEY is required in production")
	}
	key, err = randomKey(utils.KeySize)
	return key, err == nil, err
}

// ArchiveConfigured reports whether Cloudinary credentials are present.
func (c *Config) ArchiveConfigured() bool {
	return c.CloudinaryName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "production"
}

// decodeAuditKey accepts base64 first, then the raw string.
func decodeAuditKey(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= minAuditKeyBytes {
		return b, nil
	}
	if len(s) >= minAuditKeyBytes {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("AUDIT_HMAC_KEY must be at least %d bytes", minAuditKeyBytes)
}

func randomKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// hostname strips scheme, path and port from a HOST value.
func hostname(host string) string {
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.TrimSpace(host)
}

func parseOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsOrigin(list []string, o string) bool {
	o = strings.TrimSpace(strings.ToLower(o))
	for _, v := range list {
		if strings.TrimSpace(strings.ToLower(v)) == o {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare numbers are seconds.
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
