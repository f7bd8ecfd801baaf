package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaTopic      string // driver location stream
	KafkaEventTopic string // lifecycle event bridge

	PGDSN string

	JWTSecret string
	JWTIssuer string

	FCMEndpoint string
	FCMKey      string

	FreshnessWindow time.Duration
	SweepInterval   time.Duration

	InitialRadiusKm float64
	MaxRadiusKm     float64
	RadiusGrowth    float64
	MinCandidates   int
	MaxCandidates   int
	OfferTTL        time.Duration
	ScheduledLead   time.Duration
	ScheduledSweep  time.Duration

	StripeAPIKey string
	HoldAmount   int64
	HoldCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		KafkaEventTopic: "ride-events",
		JWTIssuer:       "ridehail",
		FreshnessWindow: 30 * time.Minute,
		SweepInterval:   5 * time.Minute,
		InitialRadiusKm: 3,
		MaxRadiusKm:     15,
		RadiusGrowth:    2,
		MinCandidates:   1,
		MaxCandidates:   25,
		OfferTTL:        15 * time.Second,
		ScheduledLead:   10 * time.Minute,
		ScheduledSweep:  time.Minute,
		HoldAmount:      1500,
		HoldCurrency:    "usd",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setDurationFromEnv(&cfg.FreshnessWindow, "LOCATION_FRESHNESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "LOCATION_SWEEP_INTERVAL", &errs)

	setFloatFromEnv(&cfg.InitialRadiusKm, "MATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MaxRadiusKm, "MATCH_MAX_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.RadiusGrowth, "MATCH_RADIUS_GROWTH", &errs)
	setIntFromEnv(&cfg.MinCandidates, "MATCH_MIN_CANDIDATES", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "MATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.ScheduledLead, "MATCH_SCHEDULED_LEAD", &errs)
	setDurationFromEnv(&cfg.ScheduledSweep, "MATCH_SCHEDULED_SWEEP", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.HoldAmount, "BILLING_HOLD_AMOUNT", &errs)
	setStringFromEnv(&cfg.HoldCurrency, "BILLING_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.InitialRadiusKm <= 0 || cfg.MaxRadiusKm < cfg.InitialRadiusKm {
		errs = append(errs, fmt.Errorf("match radius bounds are inconsistent"))
	}
	if cfg.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_GROWTH must be > 1"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_OFFER_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
