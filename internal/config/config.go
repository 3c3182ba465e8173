package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	RateLimitRPS    int

	// NASA FIRMS fetch collaborator.
	FIRMSMapKey  string
	FIRMSSource  string
	FIRMSBaseURL string
	FetchTimeout time.Duration

	// Optional weather and air-quality context.
	OpenWeatherAPIKey  string
	OpenWeatherBaseURL string

	// Optional AI enrichment.
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeout     time.Duration

	CacheDir           string
	CacheLockTimeout   time.Duration
	CacheSweepInterval time.Duration

	// Optional assessment publishing.
	KafkaBrokers         []string
	KafkaAssessmentTopic string
}

// ConditionsEnabled reports whether weather context is configured.
func (c *Config) ConditionsEnabled() bool { return c.OpenWeatherAPIKey != "" }

// AIEnabled reports whether AI enrichment is configured.
func (c *Config) AIEnabled() bool { return c.OpenAIAPIKey != "" }

// PublishEnabled reports whether assessments are published to Kafka.
func (c *Config) PublishEnabled() bool { return len(c.KafkaBrokers) > 0 }

// AnalysisBudget is the longest a single uncached analysis can take: the
// fetch and the conditions lookup share FetchTimeout, the AI call has
// AITimeout, and the two cache writes may each wait for their lock.
func (c *Config) AnalysisBudget() time.Duration {
	return 2*c.FetchTimeout + c.AITimeout + 2*c.CacheLockTimeout
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is read first if present;
// variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var durErr error
	duration := func(key, def string) time.Duration {
		d, err := parseDuration(key, def)
		if err != nil && durErr == nil {
			durErr = err
		}
		return d
	}

	cfg := &Config{
		HTTPAddr:        EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", "10s"),

		FIRMSMapKey:  os.Getenv("FIRMS_MAP_KEY"),
		FIRMSSource:  EnvOrDefault("FIRMS_SOURCE", "VIIRS_SNPP_NRT"),
		FIRMSBaseURL: EnvOrDefault("FIRMS_BASE_URL", "https://firms.modaps.eosdis.nasa.gov"),
		FetchTimeout: duration("FETCH_TIMEOUT", "30s"),

		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherBaseURL: EnvOrDefault("OPENWEATHER_BASE_URL", "https://api.openweathermap.org"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   EnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		AITimeout:     duration("AI_TIMEOUT", "30s"),

		CacheDir:           EnvOrDefault("CACHE_DIR", "./cache"),
		CacheLockTimeout:   duration("CACHE_LOCK_TIMEOUT", "5s"),
		CacheSweepInterval: duration("CACHE_SWEEP_INTERVAL", "15m"),

		KafkaBrokers:         ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaAssessmentTopic: EnvOrDefault("KAFKA_ASSESSMENT_TOPIC", "wildfire-assessments"),
	}
	if durErr != nil {
		return nil, durErr
	}

	rps, err := strconv.Atoi(EnvOrDefault("RATE_LIMIT_RPS", "10"))
	if err != nil || rps <= 0 {
		return nil, errors.New("invalid RATE_LIMIT_RPS")
	}
	cfg.RateLimitRPS = rps

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.FIRMSMapKey == "" {
		return errors.New("FIRMS_MAP_KEY is required")
	}
	if !domain.ValidFIRMSSource(c.FIRMSSource) {
		return fmt.Errorf("FIRMS_SOURCE %q is not a known FIRMS product", c.FIRMSSource)
	}
	if c.CacheDir == "" {
		return errors.New("CACHE_DIR must not be empty")
	}
	if c.PublishEnabled() && c.KafkaAssessmentTopic == "" {
		return errors.New("KAFKA_BROKERS is set but KAFKA_ASSESSMENT_TOPIC is empty")
	}
	return nil
}

// EnvOrDefault returns the value of key, or def when it is unset or empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
