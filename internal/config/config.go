package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	JWTSecret    string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	SnapshotsDir string
	CORSOrigin   string
	LogMode      string
	// Redis Configuration - sessions and the event bus, disabled when empty
	RedisURL      string
	EventsChannel string
	// Meilisearch Configuration - search falls back to SQL when empty
	MeiliURL       string
	MeiliMasterKey string
	// MinIO Configuration - figure uploads, disabled when empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string
	// SMTP Configuration - empty by default, sharing by email disabled if not configured
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:           getenv("API_ADDR", ":8080"),
		DatabaseURL:    getenv("DATABASE_URL", "sqlite://./data/labdesk.db"),
		JWTSecret:      getenv("LABDESK_JWT_SECRET", "labdesk-dev-secret"),
		AccessTTL:      time.Duration(getenvInt("LABDESK_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:     time.Duration(getenvInt("LABDESK_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		SnapshotsDir:   getenv("LABDESK_SNAPSHOTS_DIR", "./data/snapshots"),
		CORSOrigin:     getenv("LABDESK_CORS_ORIGIN", "*"),
		LogMode:        getenv("LABDESK_LOG_MODE", "development"),
		RedisURL:       getenv("REDIS_URL", ""),
		EventsChannel:  getenv("LABDESK_EVENTS_CHANNEL", "labdesk:events"),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "labdesk-figures"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		MinioPublicURL: getenv("MINIO_PUBLIC_URL", ""),
		SMTPHost:       getenv("SMTP_HOST", ""),
		SMTPPort:       getenv("SMTP_PORT", "587"),
		SMTPUsername:   getenv("SMTP_USERNAME", ""),
		SMTPPassword:   getenv("SMTP_PASSWORD", ""),
		SMTPFrom:       getenv("SMTP_FROM", ""),
		SMTPFromName:   getenv("SMTP_FROM_NAME", "LabDesk"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
