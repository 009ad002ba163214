package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the messenger runtime parameters.
type Config struct {
	GRPCAddress         string          `mapstructure:"grpc_address"`
	HTTPAddress         string          `mapstructure:"http_address"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	Store               StoreConfig     `mapstructure:"store"`
	JWT                 JWTConfig       `mapstructure:"jwt"`
	TLS                 TLSConfig       `mapstructure:"tls"`
	Limits              LimitsConfig    `mapstructure:"limits"`
	Push                PushConfig      `mapstructure:"push"`
	Delivery            DeliveryConfig  `mapstructure:"delivery"`
	Realtime            RealtimeConfig  `mapstructure:"realtime"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	PostgresURL   string `mapstructure:"postgres_url"`
}

// JWTConfig holds handshake token settings. Keys uses the kid:secret,kid2:secret2 format.
type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	Keys      string        `mapstructure:"keys"`
	ActiveKID string        `mapstructure:"active_kid"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Required bool   `mapstructure:"required"`
}

type LimitsConfig struct {
	EventsPerMinute     int `mapstructure:"events_per_minute"`
	EventBurst          int `mapstructure:"event_burst"`
	HandshakesPerMinute int `mapstructure:"handshakes_per_minute"`
	HandshakeBurst      int `mapstructure:"handshake_burst"`
}

type PushConfig struct {
	RatePerSecond int `mapstructure:"rate_per_second"`
	QueueSize     int `mapstructure:"queue_size"`
}

type DeliveryConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type RealtimeConfig struct {
	SendBuffer int `mapstructure:"send_buffer"`
}

type WebSocketConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

const (
	defaultGRPCAddress         = "0.0.0.0:50051"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStoreDriver         = "mongo"
	defaultMongoDatabase       = "chat_db"
	defaultJWTTTL              = 24 * time.Hour
	defaultEventsPerMinute     = 600
	defaultEventBurst          = 60
	defaultHandshakesPerMinute = 30
	defaultHandshakeBurst      = 5
	defaultPushRate            = 50
	defaultPushQueue           = 1024
	defaultDedupWindow         = 10 * time.Minute
	defaultSendBuffer          = 64
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MESSENGER_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESSENGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("grpc_address", defaultGRPCAddress)
	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("store.driver", defaultStoreDriver)
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_database", defaultMongoDatabase)
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.keys", "")
	v.SetDefault("jwt.active_kid", "")
	v.SetDefault("jwt.ttl", defaultJWTTTL.String())
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.required", false)
	v.SetDefault("limits.events_per_minute", defaultEventsPerMinute)
	v.SetDefault("limits.event_burst", defaultEventBurst)
	v.SetDefault("limits.handshakes_per_minute", defaultHandshakesPerMinute)
	v.SetDefault("limits.handshake_burst", defaultHandshakeBurst)
	v.SetDefault("push.rate_per_second", defaultPushRate)
	v.SetDefault("push.queue_size", defaultPushQueue)
	v.SetDefault("delivery.dedup_window", defaultDedupWindow.String())
	v.SetDefault("realtime.send_buffer", defaultSendBuffer)
	v.SetDefault("websocket.allowed_origins", []string{})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env overrides arrive as strings; normalize the durations here.
	for key, dst := range map[string]*time.Duration{
		"shutdown_grace_period": &cfg.ShutdownGracePeriod,
		"jwt.ttl":               &cfg.JWT.TTL,
		"delivery.dedup_window": &cfg.Delivery.DedupWindow,
	} {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "mongo", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	if cfg.Limits.EventsPerMinute <= 0 {
		cfg.Limits.EventsPerMinute = defaultEventsPerMinute
	}
	if cfg.Limits.HandshakesPerMinute <= 0 {
		cfg.Limits.HandshakesPerMinute = defaultHandshakesPerMinute
	}
	if cfg.Realtime.SendBuffer <= 0 {
		cfg.Realtime.SendBuffer = defaultSendBuffer
	}
	if cfg.Push.QueueSize <= 0 {
		cfg.Push.QueueSize = defaultPushQueue
	}

	return cfg, nil
}

// Validate checks settings that depend on the selected backend and auth mode.
func (c Config) Validate() error {
	if c.JWT.Secret == "" && c.JWT.Keys == "" {
		return fmt.Errorf("either jwt.secret or jwt.keys must be set")
	}
	switch c.Store.Driver {
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri must be set for the mongo driver")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url must be set for the postgres driver")
		}
	}
	if c.TLS.Required && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.required is true but tls.cert_file/tls.key_file are not configured")
	}
	return nil
}

// JWTKeys parses the kid:secret list into a map.
func (c Config) JWTKeys() (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(c.JWT.Keys, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid jwt.keys entry: %s", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}
