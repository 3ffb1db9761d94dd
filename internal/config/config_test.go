package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/patient-portal-backend/internal/services"
)

var validEncryptionKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("HOST", "")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("TOTP_DIGITS", "")
	t.Setenv("TWO_FACTOR_ATTEMPT_WINDOW", "")

	cfg := Load()
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.AllowedHost)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, BackendPostgres, cfg.ProfileBackend)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, services.DefaultTwoFactorPolicy(), cfg.TwoFactorPolicy())
}

func TestLoadProductionHostAndOrigins(t *testing.T) {
	t.Setenv("ENV", "Production")
	t.Setenv("HOST", "https://api.portal.example.com:443/v1")
	t.Setenv("ALLOWED_ORIGINS", "https://portal.example.com, https://admin.example.com")

	cfg := Load()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "api.portal.example.com", cfg.AllowedHost)
	assert.Equal(t, []string{
		"https://portal.example.com",
		"https://admin.example.com",
		"https://www.portal.example.com",
	}, cfg.AllowedOrigins)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadPolicyOverrides(t *testing.T) {
	t.Setenv("TOTP_PERIOD_SECONDS", "60")
	t.Setenv("TWO_FACTOR_ATTEMPT_WINDOW", "2h")
	t.Setenv("TWO_FACTOR_LOCKOUT_DURATION", "900")
	t.Setenv("TWO_FACTOR_MAX_FAILED_ATTEMPTS", "not-a-number")

	p := Load().TwoFactorPolicy()
	assert.Equal(t, time.Minute, p.Period)
	assert.Equal(t, 2*time.Hour, p.AttemptWindow)
	assert.Equal(t, 15*time.Minute, p.LockoutDuration)
	assert.Equal(t, 5, p.MaxFailedAttempts)
}

func validConfig() *Config {
	return &Config{
		Environment:       "production",
		AuditHMACKey:      strings.Repeat("h", 32),
		EncryptionKey:     validEncryptionKey,
		ProfileBackend:    BackendPostgres,
		AuditBackend:      BackendMongo,
		TOTPPeriodSeconds: 30,
		TOTPSkew:          1,
		TOTPDigits:        6,
		BackupCodeCount:   8,
		MaxSetupAttempts:  5,
		AttemptWindow:     time.Hour,
		MaxFailedAttempts: 5,
		LockoutDuration:   30 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"missing audit key in production": func(c *Config) { c.AuditHMACKey = "" },
		"missing encryption key":          func(c *Config) { c.EncryptionKey = "" },
		"short audit key":                 func(c *Config) { c.AuditHMACKey = "short" },
		"bad encryption key":              func(c *Config) { c.EncryptionKey = "not base64!" },
		"unknown profile backend":         func(c *Config) { c.ProfileBackend = "sqlite" },
		"supabase without credentials":    func(c *Config) { c.ProfileBackend = BackendSupabase },
		"unknown audit backend":           func(c *Config) { c.AuditBackend = "kafka" },
		"zero period":                     func(c *Config) { c.TOTPPeriodSeconds = 0 },
		"seven digits":                    func(c *Config) { c.TOTPDigits = 7 },
		"digits collide with backup code": func(c *Config) { c.TOTPDigits = 8 },
		"zero max attempts":               func(c *Config) { c.MaxFailedAttempts = 0 },
		"zero lockout":                    func(c *Config) { c.LockoutDuration = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateDevelopmentAllowsMissingSecrets(t *testing.T) {
	c := validConfig()
	c.Environment = "development"
	c.AuditHMACKey = ""
	c.EncryptionKey = ""
	assert.NoError(t, c.Validate())
}

func TestResolveAuditKey(t *testing.T) {
	raw := []byte(strings.Repeat("r", 40))
	c := &Config{AuditHMACKey: base64.StdEncoding.EncodeToString(raw)}
	key, generated, err := c.ResolveAuditKey()
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, raw, key)

	c = &Config{AuditHMACKey: strings.Repeat("p", 32)}
	key, _, err = c.ResolveAuditKey()
	require.NoError(t, err)
	assert.Equal(t, []byte(strings.Repeat("p", 32)), key)

	c = &Config{Environment: "development"}
	key, generated, err = c.ResolveAuditKey()
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, key, 32)

	c = &Config{Environment: "production"}
	_, _, err = c.ResolveAuditKey()
	assert.Error(t, err)
}

func TestResolveEncryptionKey(t *testing.T) {
	c := &Config{EncryptionKey: validEncryptionKey}
	key, generated, err := c.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, []byte(strings.Repeat("k", 32)), key)

	c = &Config{}
	key, generated, err = c.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, key, 32)

	c = &Config{Environment: "production"}
	_, _, err = c.ResolveEncryptionKey()
	assert.Error(t, err)
}

func TestArchiveConfigured(t *testing.T) {
	c := &Config{CloudinaryName: "demo", CloudinaryAPIKey: "key"}
	assert.False(t, c.ArchiveConfigured())
	c.CloudinaryAPISecret = "secret"
	assert.True(t, c.ArchiveConfigured())
}
