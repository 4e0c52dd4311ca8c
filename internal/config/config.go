// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/telemetry"
)

// Config is the root configuration shared by the service binaries.
type Config struct {
	Service   ServiceConfig    `mapstructure:"service"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Log       logger.Config    `mapstructure:"log"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Mongo     MongoConfig      `mapstructure:"mongo"`
	Redis     RedisConfig      `mapstructure:"redis"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Republish RepublishConfig  `mapstructure:"republish"`
	Dedup     DedupConfig      `mapstructure:"dedup"`
	Consumer  ConsumerConfig   `mapstructure:"consumer"`
	Cart      CartConfig       `mapstructure:"cart"`
	Master    MasterConfig     `mapstructure:"master"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Alert     AlertConfig      `mapstructure:"alert"`
	Tenant    TenantDefaults   `mapstructure:"tenant"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	JWTTTL    time.Duration `mapstructure:"jwtTtl"`
	// APIKeyHash is a bcrypt hash of the terminal API key accepted on
	// terminal-scoped routes.
	APIKeyHash string `mapstructure:"apiKeyHash"`
}

type MongoConfig struct {
	URI         string        `mapstructure:"uri"`
	DBPrefix    string        `mapstructure:"dbPrefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxPoolSize uint64        `mapstructure:"maxPoolSize"`
	// Retry settings for compare-and-swap writes that lost the race.
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval"`
	RetryMaxAttempts     uint64        `mapstructure:"retryMaxAttempts"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	FlushTimeout  time.Duration `mapstructure:"flushTimeout"`
	ReconnectWait time.Duration `mapstructure:"reconnectWait"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failureThreshold"`
	OpenTimeout      time.Duration `mapstructure:"openTimeout"`
}

type RepublishConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	Lookback         time.Duration `mapstructure:"lookback"`
	FailureThreshold time.Duration `mapstructure:"failureThreshold"`
}

type DedupConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ConsumerConfig names this consumer to the delivery ledger and points it
// at the publisher's acknowledgement endpoint.
type ConsumerConfig struct {
	Name         string        `mapstructure:"name"`
	PublisherURL string        `mapstructure:"publisherUrl"`
	AckTimeout   time.Duration `mapstructure:"ackTimeout"`
	QueueGroup   string        `mapstructure:"queueGroup"`
}

type CartConfig struct {
	CacheTTL time.Duration `mapstructure:"cacheTtl"`
}

type MasterConfig struct {
	CacheSize int           `mapstructure:"cacheSize"`
	CacheTTL  time.Duration `mapstructure:"cacheTtl"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"useSsl"`
}

type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhookUrl"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TenantDefaults seed new tenant databases with master data and register
// the event subscribers the publisher records deliveries for. Bootstrap
// lists the tenants provisioned at startup: indexes ensured and default
// master data seeded, so a fresh deployment can sell immediately.
type TenantDefaults struct {
	RoundingMode string             `mapstructure:"roundingMode"`
	Bootstrap    []string           `mapstructure:"bootstrap"`
	Subscribers  []SubscriberConfig `mapstructure:"subscribers"`
}

type SubscriberConfig struct {
	Name   string   `mapstructure:"name"`
	Topics []string `mapstructure:"topics"`
}

// Load reads the optional config file, layers POS_* environment variables
// on top, and fills every unset key with its default.
func Load(path, serviceName string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pos")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("service.name", serviceName)
	v.SetDefault("service.env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", 15*time.Second)
	v.SetDefault("http.writeTimeout", 30*time.Second)
	v.SetDefault("http.idleTimeout", 60*time.Second)
	v.SetDefault("http.shutdownTimeout", 20*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.service", serviceName)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "otlp")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.sampleRatio", 1.0)

	v.SetDefault("auth.jwtTtl", 12*time.Hour)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.dbPrefix", "db_pos")
	v.SetDefault("mongo.timeout", 10*time.Second)
	v.SetDefault("mongo.maxPoolSize", 100)
	v.SetDefault("mongo.retryInitialInterval", 50*time.Millisecond)
	v.SetDefault("mongo.retryMaxInterval", 500*time.Millisecond)
	v.SetDefault("mongo.retryMaxAttempts", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", serviceName)
	v.SetDefault("nats.flushTimeout", 3*time.Second)
	v.SetDefault("nats.reconnectWait", 2*time.Second)

	v.SetDefault("breaker.failureThreshold", 3)
	v.SetDefault("breaker.openTimeout", 60*time.Second)

	v.SetDefault("republish.enabled", true)
	v.SetDefault("republish.interval", 5*time.Minute)
	v.SetDefault("republish.lookback", 24*time.Hour)
	v.SetDefault("republish.failureThreshold", 30*time.Minute)

	// Longer than the republish lookback so a replayed event always finds
	// its marker.
	v.SetDefault("dedup.ttl", 26*time.Hour)

	// The subscriber name must match a tenant.subscribers entry or the
	// ledger rejects the ack: journald acks as "journal", reportd as
	// "report".
	v.SetDefault("consumer.name", strings.TrimSuffix(serviceName, "d"))
	v.SetDefault("consumer.publisherUrl", "http://localhost:8080")
	v.SetDefault("consumer.ackTimeout", 5*time.Second)
	v.SetDefault("consumer.queueGroup", serviceName)

	v.SetDefault("cart.cacheTtl", time.Hour)

	v.SetDefault("master.cacheSize", 4096)
	v.SetDefault("master.cacheTtl", 5*time.Minute)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "pos-journal")
	v.SetDefault("archive.useSsl", false)

	v.SetDefault("alert.timeout", 5*time.Second)

	v.SetDefault("tenant.roundingMode", "halfUp")
	v.SetDefault("tenant.subscribers", []map[string]interface{}{
		{"name": "journal", "topics": []string{"topic-tranlog", "topic-cashlog", "topic-opencloselog"}},
		{"name": "report", "topics": []string{"topic-tranlog", "topic-cashlog", "topic-opencloselog"}},
	})
}

// SubscribersFor returns the subscriber names registered for a topic.
func (t TenantDefaults) SubscribersFor(topic string) []string {
	var names []string
	for _, s := range t.Subscribers {
		for _, st := range s.Topics {
			if st == topic {
				names = append(names, s.Name)
				break
			}
		}
	}
	return names
}
