package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Object store
	S3Endpoint string
	S3Bucket   string
	AWSRegion  string

	// Optional run-history database (disabled when empty)
	DatabaseURL string

	// Optional status API (disabled when empty)
	StatusPort string

	// Promotion
	PromoteMode      string
	PrimaryMetric    string
	ProductionPrefix string

	// Retry budgets and timings
	MaxRetries         int
	MaxSSHFailedOffers int
	HeartbeatInterval  time.Duration
	OfferDelay         time.Duration
	ReadyTimeout       time.Duration

	// Model defaults file (optional)
	ModelConfigPath string

	// Instance launch
	EC2KeyName       string
	EC2SecurityGroup string

	// Remote execution
	SSHUser       string
	SSHKeyPath    string
	RemoteWorkdir string

	// Feature building
	FeatureBuildCmd string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3Bucket:           getEnv("S3_BUCKET", "trading-ml"),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StatusPort:         getEnv("STATUS_PORT", ""),
		PromoteMode:        getEnv("PROMOTE_MODE", "off"),
		PrimaryMetric:      getEnv("PRIMARY_METRIC", "hit_rate"),
		ProductionPrefix:   getEnv("PRODUCTION_PREFIX", "production/models"),
		MaxRetries:         getEnvInt("MAX_RETRIES", 5),
		MaxSSHFailedOffers: getEnvInt("MAX_SSH_FAILED_OFFERS", 3),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		OfferDelay:         getEnvDuration("OFFER_DELAY", 10*time.Second),
		ReadyTimeout:       getEnvDuration("READY_TIMEOUT", 5*time.Minute),
		ModelConfigPath:    getEnv("MODEL_CONFIG_PATH", ""),
		EC2KeyName:         getEnv("EC2_KEY_NAME", ""),
		EC2SecurityGroup:   getEnv("EC2_SECURITY_GROUP", ""),
		SSHUser:            getEnv("SSH_USER", "ubuntu"),
		SSHKeyPath:         getEnv("SSH_KEY_PATH", ""),
		RemoteWorkdir:      getEnv("REMOTE_WORKDIR", "/opt/training"),
		FeatureBuildCmd:    getEnv("FEATURE_BUILD_CMD", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
