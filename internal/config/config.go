package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	FeedPostgres = "postgres"
	FeedKafka    = "kafka"
	FeedNone     = "none"
)

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string
	JWTSecret  string
	CORSOrigin string

	// Change feed
	FeedDriver  string
	FeedChannel string

	// Kafka, used for the change feed when FeedDriver is kafka and for
	// transition events whenever brokers are configured.
	KafkaBrokers     []string
	KafkaFeedTopic   string
	KafkaEventsTopic string
	KafkaGroupID     string
}

// LoadConfig reads the environment (and .env when present) and exits on an
// unusable configuration.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Environment variables not loaded properly: %v", err)
	}
	return cfg
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:           os.Getenv("DB_HOST"),
		DBUser:           os.Getenv("DB_USER"),
		DBPassword:       os.Getenv("DB_PASSWORD"),
		DBName:           os.Getenv("DB_NAME"),
		DBPort:           getenv("DB_PORT", "5432"),
		AppPort:          getenv("APP_PORT", "8080"),
		AppEnv:           getenv("APP_ENV", "development"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CORSOrigin:       getenv("CORS_ORIGIN", "http://localhost:3000"),
		FeedDriver:       strings.ToLower(getenv("FEED_DRIVER", FeedPostgres)),
		FeedChannel:      getenv("FEED_CHANNEL", "quote_changes"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaFeedTopic:   getenv("KAFKA_FEED_TOPIC", "quote.changes"),
		KafkaEventsTopic: getenv("KAFKA_EVENTS_TOPIC", "quote.transitions"),
		KafkaGroupID:     getenv("KAFKA_GROUP_ID", "agrispare-quotes"),
	}

	if cfg.DBHost == "" {
		return nil, errors.New("DB_HOST is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	switch cfg.FeedDriver {
	case FeedPostgres, FeedNone:
	case FeedKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when FEED_DRIVER=kafka")
		}
	default:
		return nil, fmt.Errorf("unknown FEED_DRIVER %q", cfg.FeedDriver)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
