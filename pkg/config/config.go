package config

import "time"

// Config is the root configuration for the sinas execution engine.
// Values load from defaults first, then environment variables with the
// SINAS_ prefix (for example SINAS_DATABASE_HOST, SINAS_WORKER_COUNT).
type Config struct {
	Database  DatabaseConfig  `koanf:"database"  validate:"required"`
	Redis     RedisConfig     `koanf:"redis"     validate:"required"`
	Server    ServerConfig    `koanf:"server"    validate:"required"`
	Worker    WorkerConfig    `koanf:"worker"    validate:"required"`
	Dispatch  DispatchConfig  `koanf:"dispatch"  validate:"required"`
	LogStream LogStreamConfig `koanf:"logstream" validate:"required"`
	Log       LogConfig       `koanf:"log"`
}

// DatabaseConfig configures the Postgres execution record store.
type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	DBName          string        `koanf:"name"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"    validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
}

// RedisConfig configures the Redis connection shared by the dispatch
// queue, the result notification channel and the log stream.
type RedisConfig struct {
	URL          string        `koanf:"url"`
	Host         string        `koanf:"host"`
	Port         string        `koanf:"port"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"            validate:"gte=0"`
	PoolSize     int           `koanf:"pool_size"     validate:"gte=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PingTimeout  time.Duration `koanf:"ping_timeout"`
}

// ServerConfig configures the HTTP trigger/query surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"             validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// WorkerConfig configures job consumption and the stuck-execution reaper.
type WorkerConfig struct {
	Count        int           `koanf:"count"         validate:"gte=1"`
	PollTimeout  time.Duration `koanf:"poll_timeout"`
	ReapInterval time.Duration `koanf:"reap_interval"`
	// ReapGrace is how long a RUNNING execution may go without progress
	// before the reaper force-fails it as lost.
	ReapGrace time.Duration `koanf:"reap_grace"`
}

// DispatchConfig configures enqueue-and-wait behavior.
type DispatchConfig struct {
	QueueKey           string        `koanf:"queue_key"`
	DefaultWaitTimeout time.Duration `koanf:"default_wait_timeout"`
	MaxWaitTimeout     time.Duration `koanf:"max_wait_timeout"`
}

// LogStreamConfig configures the per-execution Redis stream log.
type LogStreamConfig struct {
	// Retention is the renewable TTL applied to each execution stream.
	Retention time.Duration `koanf:"retention"`
	TailBlock time.Duration `koanf:"tail_block"`
	MaxRange  int           `koanf:"max_range" validate:"gte=1"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `koanf:"level"  validate:"omitempty,oneof=debug info warn error"`
	JSON   bool   `koanf:"json"`
	Source bool   `koanf:"source"`
}

// Default returns the built-in defaults, the lowest-precedence source.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "sinas",
			DBName:          "sinas",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			ConnMaxLifetime: 30 * time.Minute,
			PingTimeout:     3 * time.Second,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			PingTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Count:        4,
			PollTimeout:  2 * time.Second,
			ReapInterval: 30 * time.Second,
			ReapGrace:    5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			QueueKey:           "execution:queue",
			DefaultWaitTimeout: 30 * time.Second,
			MaxWaitTimeout:     5 * time.Minute,
		},
		LogStream: LogStreamConfig{
			Retention: 7 * 24 * time.Hour,
			TailBlock: time.Second,
			MaxRange:  1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
