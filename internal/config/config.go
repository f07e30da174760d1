package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// MaxBatchSize is the provider's per-request token limit.
const MaxBatchSize = 500

type Config struct {
	ServerPort string

	LogLevel  string
	LogFormat string

	WorkerCount       int
	SenderCount       int
	JobQueueSize      int
	BatchSize         int
	BatchTimeout      time.Duration
	SchedulerInterval time.Duration
	StaleJobAge       time.Duration

	DatabaseDriver string
	DatabaseURL    string

	FirebaseCredentialsFile string
	FirebaseProjectID       string
	FirebaseWeb             FirebaseWebConfig

	AuthMode          string
	OperatorJWTSecret string

	AllowedOrigins []string
	SendRateLimit  float64
	SendRateBurst  int

	SiteURL                    string
	NotificationIcon           string
	NotificationBadge          string
	AllAudienceRequiresEnabled bool
}

// FirebaseWebConfig is the public client configuration baked into the
// receiver script and handed to browsers.
type FirebaseWebConfig struct {
	APIKey            string `json:"apiKey"`
	AuthDomain        string `json:"authDomain"`
	ProjectID         string `json:"projectId"`
	StorageBucket     string `json:"storageBucket"`
	MessagingSenderID string `json:"messagingSenderId"`
	AppID             string `json:"appId"`
	VAPIDKey          string `json:"-"`
}

func Load() *Config {
	projectID := getEnv("FIREBASE_PROJECT_ID", "")

	batchSize := getIntEnv("BATCH_SIZE", MaxBatchSize)
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		WorkerCount:       getIntEnv("WORKER_COUNT", 5),
		SenderCount:       getIntEnv("SENDER_COUNT", 4),
		JobQueueSize:      getIntEnv("JOB_QUEUE_SIZE", 100),
		BatchSize:         batchSize,
		BatchTimeout:      getDurationEnv("BATCH_TIMEOUT", 30*time.Second),
		SchedulerInterval: getDurationEnv("SCHEDULER_INTERVAL", 5*time.Second),
		StaleJobAge:       getDurationEnv("STALE_JOB_AGE", 30*time.Minute),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "./novelpush.db"),

		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		FirebaseProjectID:       projectID,
		FirebaseWeb: FirebaseWebConfig{
			APIKey:            getEnv("FIREBASE_API_KEY", ""),
			AuthDomain:        getEnv("FIREBASE_AUTH_DOMAIN", ""),
			ProjectID:         projectID,
			StorageBucket:     getEnv("FIREBASE_STORAGE_BUCKET", ""),
			MessagingSenderID: getEnv("FIREBASE_MESSAGING_SENDER_ID", ""),
			AppID:             getEnv("FIREBASE_APP_ID", ""),
			VAPIDKey:          getEnv("FIREBASE_VAPID_KEY", ""),
		},

		AuthMode:          getEnv("AUTH_MODE", "firebase"),
		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),

		AllowedOrigins: getListEnv("ALLOWED_ORIGINS", []string{"*"}),
		SendRateLimit:  getFloatEnv("SEND_RATE_LIMIT", 1),
		SendRateBurst:  getIntEnv("SEND_RATE_BURST", 5),

		SiteURL:                    getEnv("SITE_URL", ""),
		NotificationIcon:           getEnv("NOTIFICATION_ICON", "/icons/icon-192x192.png"),
		NotificationBadge:          getEnv("NOTIFICATION_BADGE", "/icons/icon-72x72.png"),
		AllAudienceRequiresEnabled: getBoolEnv("ALL_AUDIENCE_REQUIRES_ENABLED", false),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.DatabaseDriver {
	case "sqlite", "postgres", "memory":
	case "firestore":
		if c.FirebaseProjectID == "" {
			result = multierror.Append(result, errors.New("FIREBASE_PROJECT_ID is required for the firestore driver"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	switch c.AuthMode {
	case "firebase", "none":
	case "jwt":
		if c.OperatorJWTSecret == "" {
			result = multierror.Append(result, errors.New("OPERATOR_JWT_SECRET is required when AUTH_MODE=jwt"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode))
	}

	if c.WorkerCount <= 0 {
		result = multierror.Append(result, errors.New("WORKER_COUNT must be positive"))
	}
	if c.SenderCount <= 0 {
		result = multierror.Append(result, errors.New("SENDER_COUNT must be positive"))
	}
	return result.ErrorOrNil()
}

func getEnv(key, defaultVal string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getListEnv(key string, defaultVal []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
