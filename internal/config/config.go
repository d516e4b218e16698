package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret string

	// API
	APIPort int

	// Quota limits (downloads per day, by tier)
	QuotaDailyAnonymous  int
	QuotaDailyRegistered int
	QuotaDailyPremium    int
	// Weekly/monthly limits are multiples of the daily limit
	QuotaWeeklyMultiplier  int
	QuotaMonthlyMultiplier int
	// Period scopes evaluated per download (daily is always configured)
	QuotaScopes []string
	// Store-unavailable policy: true = allow with default limit, false = deny
	QuotaFailOpen     bool
	QuotaStoreTimeout time.Duration

	// Download accounting
	DedupWindow        time.Duration
	EventRetentionDays int
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based approach if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Tokens from the user service will not validate.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	failOpen := getEnvBool("QUOTA_FAIL_OPEN", true)
	if failOpen {
		log.Println("Quota policy: fail-open (store outages admit downloads at default limits)")
	} else {
		log.Println("Quota policy: fail-closed (store outages deny downloads)")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "modhub"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "modhub"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret: jwtSecret,

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Quota
		QuotaDailyAnonymous:    getEnvInt("QUOTA_DAILY_ANONYMOUS", 5),
		QuotaDailyRegistered:   getEnvInt("QUOTA_DAILY_REGISTERED", 20),
		QuotaDailyPremium:      getEnvInt("QUOTA_DAILY_PREMIUM", 100),
		QuotaWeeklyMultiplier:  getEnvInt("QUOTA_WEEKLY_MULTIPLIER", 5),
		QuotaMonthlyMultiplier: getEnvInt("QUOTA_MONTHLY_MULTIPLIER", 20),
		QuotaScopes:            getEnvList("QUOTA_SCOPES", []string{"daily"}),
		QuotaFailOpen:          failOpen,
		QuotaStoreTimeout:      getEnvDuration("QUOTA_STORE_TIMEOUT", 3*time.Second),

		// Download accounting
		DedupWindow:        getEnvDuration("DEDUP_WINDOW", 1*time.Hour),
		EventRetentionDays: getEnvInt("EVENT_RETENTION_DAYS", 365),
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, strings.ToLower(part))
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
