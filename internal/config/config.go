package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// Config holds all application configuration
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	Database  DatabaseConfig
	Queue     QueueConfig
	Kafka     KafkaConfig
	API       APIConfig
	Worker    WorkerConfig
	Transport TransportConfig
	Links     LinksConfig
	Segments  SegmentsConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host            string        `env:"DB_HOST" envDefault:"localhost"`
	Port            int           `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER" envDefault:"campaign_dispatch"`
	Password        string        `env:"DB_PASSWORD" envDefault:"campaign_dispatch"`
	DBName          string        `env:"DB_NAME" envDefault:"campaign_dispatch"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// QueueConfig selects the delivery event queue and holds Redis settings.
// Redis is also used for the coordinator lock regardless of backend.
type QueueConfig struct {
	Backend   string `env:"EVENT_QUEUE_BACKEND" envDefault:"redis"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	QueueName string `env:"QUEUE_NAME" envDefault:"campaign_delivery_events"`
}

// KafkaConfig holds Kafka settings for the kafka event queue backend
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"campaign-delivery-events"`
	GroupID string   `env:"KAFKA_GROUP_ID" envDefault:"campaign-dispatch-worker"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port           int      `env:"API_PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"API_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// WorkerConfig holds dispatcher and coordinator tuning
type WorkerConfig struct {
	ID                   string        `env:"WORKER_ID"`
	BatchSize            int           `env:"DISPATCH_BATCH_SIZE" envDefault:"100"`
	Concurrency          int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	SendTimeout          time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	SegmentPageTimeout   time.Duration `env:"SEGMENT_PAGE_TIMEOUT" envDefault:"15s"`
	PageFetchRetries     uint          `env:"PAGE_FETCH_RETRIES" envDefault:"5"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	SendRatePerSecond    float64       `env:"SEND_RATE_PER_SECOND" envDefault:"50"`
	SendRateBurst        int           `env:"SEND_RATE_BURST" envDefault:"10"`
	LeaseTTL             time.Duration `env:"CLAIM_LEASE_TTL" envDefault:"2m"`
	CoordinatorInterval  time.Duration `env:"COORDINATOR_INTERVAL" envDefault:"10s"`
	MaxActiveCampaigns   int           `env:"MAX_ACTIVE_CAMPAIGNS" envDefault:"1"`
	EventConcurrency     int           `env:"EVENT_CONSUMER_CONCURRENCY" envDefault:"5"`
	MaxFailureRate       float64       `env:"MAX_FAILURE_RATE" envDefault:"0"`
	FailureRateMinSample int64         `env:"FAILURE_RATE_MIN_SAMPLE" envDefault:"500"`
}

// TransportConfig selects and configures the outbound message transport
type TransportConfig struct {
	Backend         string  `env:"TRANSPORT" envDefault:"mock"`
	MockSuccessRate float64 `env:"MOCK_SUCCESS_RATE" envDefault:"0.97"`
	FromAddress     string  `env:"MAIL_FROM_ADDRESS" envDefault:"newsletter@example.com"`
	FromName        string  `env:"MAIL_FROM_NAME" envDefault:"The Newsroom"`
	SESRegion       string  `env:"AWS_SES_REGION" envDefault:"us-east-1"`
	SESAccessKey    string  `env:"AWS_SES_ACCESS_KEY"`
	SESSecretKey    string  `env:"AWS_SES_SECRET_KEY"`
	SESConfigSet    string  `env:"AWS_SES_CONFIGURATION_SET"`
}

// LinksConfig holds the URL templates baked into snapshots and messages
type LinksConfig struct {
	UnsubscribeURLTemplate string `env:"UNSUBSCRIBE_URL_TEMPLATE" envDefault:"https://news.example.com/unsubscribe?c={campaign_id}&r={recipient_id}&k={recipient_kind}&t={token}"`
	TrackingBaseURL        string `env:"TRACKING_BASE_URL"`
	SigningKey             string `env:"LINK_SIGNING_KEY" envDefault:"campaign-dispatch-dev-key"`
}

// SegmentsConfig points at the optional YAML segment catalog
type SegmentsConfig struct {
	File    string `env:"SEGMENTS_FILE"`
	Catalog []models.Segment
}

// Load reads configuration from the environment, after loading a .env file
// when one is present
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	if cfg.Segments.File != "" {
		catalog, err := LoadSegmentCatalog(cfg.Segments.File)
		if err != nil {
			return nil, err
		}
		cfg.Segments.Catalog = catalog
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the worker cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.Worker.BatchSize))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Worker.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT must be positive"))
	}
	if c.Worker.SegmentPageTimeout <= 0 {
		errs = append(errs, errors.New("SEGMENT_PAGE_TIMEOUT must be positive"))
	}
	if c.Worker.LeaseTTL <= 0 {
		errs = append(errs, errors.New("CLAIM_LEASE_TTL must be positive"))
	}
	if c.Worker.MaxActiveCampaigns < 1 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_CAMPAIGNS must be positive, got %d", c.Worker.MaxActiveCampaigns))
	}
	if c.Worker.MaxFailureRate < 0 || c.Worker.MaxFailureRate > 1 {
		errs = append(errs, fmt.Errorf("MAX_FAILURE_RATE must be within [0,1], got %v", c.Worker.MaxFailureRate))
	}

	switch c.Queue.Backend {
	case "redis", "kafka":
	default:
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_BACKEND must be 'redis' or 'kafka', got %q", c.Queue.Backend))
	}

	switch c.Transport.Backend {
	case "mock":
	case "ses":
		if c.Transport.FromAddress == "" {
			errs = append(errs, errors.New("MAIL_FROM_ADDRESS is required for the ses transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be 'mock' or 'ses', got %q", c.Transport.Backend))
	}

	if !strings.Contains(c.Links.UnsubscribeURLTemplate, "{recipient_id}") {
		errs = append(errs, errors.New("UNSUBSCRIBE_URL_TEMPLATE must contain {recipient_id}"))
	}

	return errors.Join(errs...)
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
