package app

import (
	"time"

	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/gateway"
	"krismini/cmd/internal/persistence"
	"krismini/cmd/internal/retryqueue"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	RedisURL string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// If true, KRISMINI_TOKEN_DIGEST_KEY must be set so revocation keys are keyed digests.
	RequireTokenDigestKey bool

	GeminiAPIKey string
	GeminiModel  string
	Persona      string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	PageSize int
	Gateway  gateway.Config
	Queue    retryqueue.Config
}

// LoadConfig loads Config from environment variables with defaults.
// Call LoadDotEnv first to pick up .env files.
func LoadConfig() Config {
	gw := gateway.DefaultConfig()
	q := retryqueue.DefaultConfig()

	return Config{
		HTTPAddr:  EnvString("KRISMINI_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KRISMINI_LOG_LEVEL", "info"),
		LogFormat: EnvString("KRISMINI_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KRISMINI_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KRISMINI_HTTP_READ_TIMEOUT", 15*time.Second),
		// Completion calls can take a while.
		WriteTimeout:   EnvDuration("KRISMINI_HTTP_WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:    EnvDuration("KRISMINI_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: EnvInt("KRISMINI_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("KRISMINI_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("KRISMINI_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("KRISMINI_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("KRISMINI_DB_SCHEMA", "krismini"),
		DBAutoMigrate: EnvBool("KRISMINI_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("KRISMINI_READINESS_REQUIRE_DB", false),

		RedisURL: EnvString("KRISMINI_REDIS_URL", ""),

		JWTSecret:   EnvString("KRISMINI_JWT_SECRET", ""),
		JWTIssuer:   EnvString("KRISMINI_JWT_ISSUER", ""),
		JWTAudience: EnvString("KRISMINI_JWT_AUDIENCE", ""),

		RequireTokenDigestKey: EnvBool("KRISMINI_REQUIRE_TOKEN_DIGEST_KEY", false),

		GeminiAPIKey: EnvString("GEMINI_API_KEY", ""),
		GeminiModel:  EnvString("KRISMINI_GEMINI_MODEL", completion.DefaultModel),
		Persona:      EnvString("KRISMINI_PERSONA", completion.DefaultPersona),

		CORSAllowedOrigins:   EnvCSV("KRISMINI_CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		CORSAllowCredentials: EnvBool("KRISMINI_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("KRISMINI_CORS_MAX_AGE", 600),

		PageSize: EnvInt("KRISMINI_PAGE_SIZE", persistence.DefaultPageSize),
		Gateway: gateway.Config{
			MaxAttempts: EnvInt("KRISMINI_RETRY_ATTEMPTS", gw.MaxAttempts),
			BaseDelay:   EnvDuration("KRISMINI_RETRY_BASE_DELAY", gw.BaseDelay),
			MaxDelay:    EnvDuration("KRISMINI_RETRY_MAX_DELAY", gw.MaxDelay),
		},
		Queue: retryqueue.Config{
			Enabled:    EnvBool("KRISMINI_QUEUE_ENABLED", q.Enabled),
			MaxRetries: EnvInt("KRISMINI_QUEUE_MAX_RETRIES", q.MaxRetries),
			RetryDelay: EnvDuration("KRISMINI_QUEUE_RETRY_DELAY", q.RetryDelay),
		},
	}
}
