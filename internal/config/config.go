package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Audit         AuditConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	JWT           JWTConfig
	OTP           OTPConfig
	Session       SessionConfig
	Device        DeviceConfig
	Password      PasswordConfig
	RateLimit     RateLimitConfig
}

type ServerConfig struct {
	Port            int
	TLSPort         int
	EnableTLS       bool
	AutoCert        bool
	Domain          string
	CertFile        string
	KeyFile         string
	AutoCertDir     string
	DevCertDir      string
	Email           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequireHTTPS    bool
	AllowedOrigins  []string
	CleanupInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled          bool
	URL              string
	PoolSize         int
	MinIdleConns     int
	TLSCAFile        string
	FallbackCooldown time.Duration
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
	CAPath   string
	CertPath string
	KeyPath  string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	SecurityTopic string
	DeliveryTopic string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
	CAFile   string
}

// AuditConfig sizes the in-process ring that serves audit reads when no
// search or analytics backend is reachable.
type AuditConfig struct {
	RecentCapacity int
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers maps version to secret; the highest version hashes new passwords.
	Peppers map[int]string
}

type BucketingConfig struct {
	StoreShards int
	LockStripes int
	UserBuckets int
}

type JWTConfig struct {
	Secret    string
	Issuer    string
	AccessTTL time.Duration
}

type OTPConfig struct {
	CodeLength  int
	Expiry      time.Duration
	MaxAttempts int
	MaxResends  int
}

type SessionConfig struct {
	MaxPerUser           int
	TrustedDuration      time.Duration
	MobileDuration       time.Duration
	DefaultDurationHours int
	Retention            time.Duration
}

type DeviceConfig struct {
	Expiration          time.Duration
	MaxPerUser          int
	InactiveRevokeAfter time.Duration
	RiskThreshold       int
}

type PasswordConfig struct {
	ResetTokenTTL time.Duration
}

type RateLimitConfig struct {
	ConfigFile string
	BurstRate  float64
	BurstSize  int
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			TLSPort:         getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:        getEnvBool("SERVER_AUTO_CERT", false),
			Domain:          getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:     getEnv("SERVER_AUTO_CERT_DIR", "./certs/autocert"),
			DevCertDir:      getEnv("SERVER_DEV_CERT_DIR", "./certs/dev"),
			Email:           getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequireHTTPS:    getEnvBool("SERVER_REQUIRE_HTTPS", false),
			AllowedOrigins:  getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:          getEnvBool("REDIS_ENABLED", false),
			URL:              getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:         getEnvInt("REDIS_POOL_SIZE", 50),
			MinIdleConns:     getEnvInt("REDIS_MIN_IDLE_CONNS", 10),
			TLSCAFile:        getEnv("REDIS_TLS_CA_FILE", ""),
			FallbackCooldown: getEnvDuration("REDIS_FALLBACK_COOLDOWN", 30*time.Second),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", false),
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "auth_core"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			CAPath:   getEnv("SCYLLA_CA_PATH", ""),
			CertPath: getEnv("SCYLLA_CERT_PATH", ""),
			KeyPath:  getEnv("SCYLLA_KEY_PATH", ""),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvBool("KAFKA_ENABLED", false),
			Brokers:       getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
			DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "otp-delivery"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			Table:    getEnv("CLICKHOUSE_TABLE", "security_events"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		Audit: AuditConfig{
			RecentCapacity: getEnvInt("AUDIT_RECENT_CAPACITY", 10000),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Peppers:           getEnvPeppers("HASHING_PEPPERS"),
		},
		Bucketing: BucketingConfig{
			StoreShards: getEnvInt("STORE_SHARDS", 64),
			LockStripes: getEnvInt("LOCK_STRIPES", 256),
			UserBuckets: getEnvInt("USER_BUCKETS", 1024),
		},
		JWT: JWTConfig{
			Secret:    getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "auth-core"),
			AccessTTL: getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
		},
		OTP: OTPConfig{
			CodeLength:  getEnvInt("OTP_CODE_LENGTH", 6),
			Expiry:      getEnvDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
			MaxResends:  getEnvInt("OTP_MAX_RESENDS", 2),
		},
		Session: SessionConfig{
			MaxPerUser:           getEnvInt("SESSION_MAX_PER_USER", 10),
			TrustedDuration:      getEnvDuration("SESSION_TRUSTED_DURATION", 365*24*time.Hour),
			MobileDuration:       getEnvDuration("SESSION_MOBILE_DURATION", 90*24*time.Hour),
			DefaultDurationHours: getEnvInt("SESSION_DEFAULT_DURATION_HOURS", 720),
			Retention:            getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),
		},
		Device: DeviceConfig{
			Expiration:          getEnvDuration("DEVICE_TRUST_EXPIRATION", 30*24*time.Hour),
			MaxPerUser:          getEnvInt("DEVICE_MAX_PER_USER", 10),
			InactiveRevokeAfter: getEnvDuration("DEVICE_INACTIVE_REVOKE_AFTER", 90*24*time.Hour),
			RiskThreshold:       getEnvInt("DEVICE_RISK_THRESHOLD", 70),
		},
		Password: PasswordConfig{
			ResetTokenTTL: getEnvDuration("PASSWORD_RESET_TOKEN_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			ConfigFile: getEnv("RATE_LIMIT_CONFIG_FILE", ""),
			BurstRate:  getEnvFloat("HTTP_BURST_RATE", 50),
			BurstSize:  getEnvInt("HTTP_BURST_SIZE", 100),
		},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		errs = append(errs, fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength))
	}
	if c.OTP.Expiry <= 0 {
		errs = append(errs, errors.New("OTP_EXPIRY must be positive"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.OTP.MaxResends < 0 {
		errs = append(errs, errors.New("OTP_MAX_RESENDS cannot be negative"))
	}
	if c.Session.MaxPerUser <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_PER_USER must be positive"))
	}
	if c.Session.DefaultDurationHours <= 0 {
		errs = append(errs, errors.New("SESSION_DEFAULT_DURATION_HOURS must be positive"))
	}
	if c.Bucketing.StoreShards <= 0 || c.Bucketing.LockStripes <= 0 {
		errs = append(errs, errors.New("STORE_SHARDS and LOCK_STRIPES must be positive"))
	}
	if c.Hashing.Argon2MemoryCost <= 0 || c.Hashing.Argon2TimeCost <= 0 || c.Hashing.Argon2Parallelism <= 0 {
		errs = append(errs, errors.New("argon2 parameters must be positive"))
	}
	if c.IsProduction() && len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
	}
	if c.IsProduction() && len(c.Hashing.Peppers) == 0 {
		errs = append(errs, errors.New("HASHING_PEPPERS is required in production"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// SessionDefaultDuration converts the hour-based web/desktop default into a duration.
func (c *Config) SessionDefaultDuration() time.Duration {
	return time.Duration(c.Session.DefaultDurationHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvPeppers parses "1:secret,2:secret2".
func getEnvPeppers(key string) map[int]string {
	peppers := make(map[int]string)
	for _, entry := range getEnvSlice(key, nil) {
		version, secret, ok := strings.Cut(entry, ":")
		if !ok || secret == "" {
			continue
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			continue
		}
		peppers[v] = secret
	}
	return peppers
}
