package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	Transport TransportConfig `mapstructure:"transport"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	API       APIConfig       `mapstructure:"api"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig configures the optional event journal database. An empty DSN
// disables journaling entirely.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TransportConfig struct {
	URL               string        `mapstructure:"url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
}

type FallbackConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Channel       string        `mapstructure:"channel"`
	ActivateAfter time.Duration `mapstructure:"activate_after"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoaderConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type SnapshotConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

type EngineConfig struct {
	Address    string `mapstructure:"address"`
	QueueSize  int    `mapstructure:"queue_size"`
	GlobalFeed bool   `mapstructure:"global_feed"`
}

type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RetentionDays int           `mapstructure:"retention_days"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("transport.url", "wss://stream.gridbet.example/ws")
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.heartbeat_interval", "20s")
	v.SetDefault("transport.backoff_base", "1s")
	v.SetDefault("transport.backoff_max", "60s")
	v.SetDefault("transport.max_reconnects", 10)
	v.SetDefault("fallback.redis_addr", "127.0.0.1:6379")
	v.SetDefault("fallback.redis_db", 0)
	v.SetDefault("fallback.channel", "gridbet:events")
	v.SetDefault("fallback.activate_after", "5s")
	v.SetDefault("api.base_url", "https://api.gridbet.example")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("loader.batch_size", 50)
	v.SetDefault("snapshot.ttl", "60s")
	v.SetDefault("snapshot.persist_interval", "30s")
	v.SetDefault("snapshot.key_prefix", "gridsync:page0")
	v.SetDefault("engine.address", "")
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.global_feed", false)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.retention_days", 7)
	v.SetDefault("journal.prune_interval", "1h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
