package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// StoreBackend is one of memory, postgres, mongo.
	StoreBackend  string
	PGDSN         string
	MongoURI      string
	MongoDB       string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisIndexKey string

	KafkaBrokers   []string
	LocationsTopic string

	// QueueBackend is one of memory, kafka, amqp.
	QueueBackend string
	Workers      int
	QueueBuffer  int
	JobsTopic    string
	JobsGroup    string
	AMQPURL      string
	AMQPQueue    string

	DispatchRadiusM  float64
	GeohashPrecision int
	OfferTTL         time.Duration
	SweepInterval    time.Duration
	SweepConcurrency int
	SweepLimit       int
	StalledAfter     time.Duration

	DefaultSpeedMps float64
	OSRMURL         string
	ETACacheTTL     time.Duration

	NotifyWebhookURL string
	NotifyWebhookKey string

	JWTSecret      string
	JWTIssuer      string
	DispatchSecret string
	CronSecret     string

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		StoreBackend:     "memory",
		MongoDB:          "ride_dispatch",
		RedisIndexKey:    "drivers_geohash",
		LocationsTopic:   "driver-locations",
		QueueBackend:     "memory",
		Workers:          8,
		QueueBuffer:      1024,
		JobsTopic:        "dispatch-jobs",
		JobsGroup:        "dispatch-workers",
		AMQPQueue:        "dispatch.jobs",
		DispatchRadiusM:  10000,
		GeohashPrecision: 10,
		OfferTTL:         30 * time.Second,
		SweepInterval:    10 * time.Second,
		SweepConcurrency: 8,
		SweepLimit:       500,
		StalledAfter:     time.Minute,
		DefaultSpeedMps:  10,
		ETACacheTTL:      time.Minute,
		JWTIssuer:        "ride-dispatch",
		LogLevel:         "info",
		LogFormat:        "json",
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

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisIndexKey, "REDIS_INDEX_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.QueueBackend, "QUEUE_BACKEND")
	cfg.QueueBackend = strings.ToLower(cfg.QueueBackend)
	setIntFromEnv(&cfg.Workers, "WORKERS", &errs)
	setIntFromEnv(&cfg.QueueBuffer, "QUEUE_BUFFER", &errs)
	setStringFromEnv(&cfg.JobsTopic, "KAFKA_JOBS_TOPIC")
	setStringFromEnv(&cfg.JobsGroup, "KAFKA_JOBS_GROUP")
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	setStringFromEnv(&cfg.AMQPQueue, "AMQP_QUEUE")

	setFloatFromEnv(&cfg.DispatchRadiusM, "DISPATCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.GeohashPrecision, "GEOHASH_PRECISION", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.SweepConcurrency, "SWEEP_CONCURRENCY", &errs)
	setIntFromEnv(&cfg.SweepLimit, "SWEEP_LIMIT", &errs)
	setDurationFromEnv(&cfg.StalledAfter, "STALLED_AFTER", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")
	cfg.DispatchSecret = os.Getenv("DISPATCH_SECRET")
	cfg.CronSecret = os.Getenv("CRON_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres store"))
		}
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, fmt.Errorf("MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.QueueBackend {
	case "memory":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required for the kafka queue"))
		}
	case "amqp":
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL is required for the amqp queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be > 0"))
	}
	if c.DispatchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if c.GeohashPrecision < 1 || c.GeohashPrecision > 12 {
		errs = append(errs, fmt.Errorf("GEOHASH_PRECISION must be within 1..12"))
	}
	if c.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the location ingest consumer.
type ConsumerConfig struct {
	KafkaBrokers   []string
	LocationsTopic string
	GroupID        string

	StoreBackend string
	PGDSN        string
	MongoURI     string
	MongoDB      string

	RedisAddr     string
	RedisPassword string
	RedisIndexKey string

	GeohashPrecision int
	MaxRetries       int
	RetryBackoff     time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:     []string{"localhost:9092"},
		LocationsTopic:   "driver-locations",
		GroupID:          "location-consumer",
		StoreBackend:     "postgres",
		MongoDB:          "ride_dispatch",
		RedisIndexKey:    "drivers_geohash",
		GeohashPrecision: 10,
		MaxRetries:       3,
		RetryBackoff:     200 * time.Millisecond,
		LogLevel:         "info",
		LogFormat:        "json",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisIndexKey, "REDIS_INDEX_KEY")
	setIntFromEnv(&cfg.GeohashPrecision, "GEOHASH_PRECISION", &errs)
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	switch cfg.StoreBackend {
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres store"))
		}
	case "mongo":
		if cfg.MongoURI == "" {
			errs = append(errs, fmt.Errorf("MONGO_URI is required for the mongo store"))
		}
	default:
		// the consumer writes shared state; an in-process store would be invisible to the API
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be postgres or mongo, got %q", cfg.StoreBackend))
	}
	if cfg.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be >= 1"))
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
