package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the driver agent process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type AgentConfig struct {
	DriverID string

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Remote gateways.
	PresenceBaseURL string
	DispatchBaseURL string
	DispatchWSURL   string
	GatewayTimeout  time.Duration

	// Local fix daemon serving raw position requests.
	FixProviderURL      string
	HighAccuracyTimeout time.Duration
	LowAccuracyTimeout  time.Duration
	StaleBound          time.Duration
	MinSampleInterval   time.Duration
	MinSampleDistanceM  float64

	OfferDeadline time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:            ":8090",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		GatewayTimeout:      10 * time.Second,
		HighAccuracyTimeout: 15 * time.Second,
		LowAccuracyTimeout:  20 * time.Second,
		StaleBound:          30 * time.Second,
		MinSampleInterval:   5 * time.Second,
		MinSampleDistanceM:  25,
		OfferDeadline:       55 * time.Second,
		KafkaTopic:          "driver-locations",
		LogLevel:            "info",
	}
}

// LoadAgentConfig reads the environment and returns the merged configuration.
// All parse failures are accumulated so a misconfigured deployment reports
// every problem at once.
func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	cfg.DriverID = strings.TrimSpace(os.Getenv("DRIVER_ID"))

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PresenceBaseURL, "PRESENCE_BASE_URL")
	setStringFromEnv(&cfg.DispatchBaseURL, "DISPATCH_BASE_URL")
	setStringFromEnv(&cfg.DispatchWSURL, "DISPATCH_WS_URL")
	setDurationFromEnv(&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", &errs)

	setStringFromEnv(&cfg.FixProviderURL, "FIX_PROVIDER_URL")
	setDurationFromEnv(&cfg.HighAccuracyTimeout, "FIX_HIGH_ACCURACY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LowAccuracyTimeout, "FIX_LOW_ACCURACY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StaleBound, "FIX_STALE_BOUND", &errs)
	setDurationFromEnv(&cfg.MinSampleInterval, "TRACK_MIN_INTERVAL", &errs)
	setFloatFromEnv(&cfg.MinSampleDistanceM, "TRACK_MIN_DISTANCE_M", &errs)

	setDurationFromEnv(&cfg.OfferDeadline, "OFFER_DEADLINE", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DriverID == "" {
		errs = append(errs, fmt.Errorf("DRIVER_ID must be set"))
	}
	if cfg.OfferDeadline <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_DEADLINE must be > 0"))
	}
	if cfg.StaleBound <= 0 {
		errs = append(errs, fmt.Errorf("FIX_STALE_BOUND must be > 0"))
	}
	if cfg.MinSampleDistanceM < 0 {
		errs = append(errs, fmt.Errorf("TRACK_MIN_DISTANCE_M must be >= 0"))
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
