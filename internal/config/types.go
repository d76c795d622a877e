package config

import "time"

// Config represents the complete courier configuration.
type Config struct {
	Include []string      `yaml:"include,omitempty"`
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	API     APIConfig     `yaml:"api"`
	History HistoryConfig `yaml:"history"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// WorkerConfig defines how the background worker fetches.
type WorkerConfig struct {
	// PollInterval is how often callers without a completion signal poll.
	PollInterval    time.Duration     `yaml:"poll_interval"`
	ConnectTimeout  time.Duration     `yaml:"connect_timeout"`
	ResponseTimeout time.Duration     `yaml:"response_timeout"`
	MaxHeaderBytes  int               `yaml:"max_header_bytes"`
	MaxBodyBytes    int64             `yaml:"max_body_bytes"`
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers,omitempty"`
}

// APIConfig defines the HTTP control surface used by `courier serve`.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// MaxTracked bounds how many finished fetches stay queryable in memory.
	MaxTracked int `yaml:"max_tracked"`
	// FeedCapacity is the ring size of the completion event feed.
	FeedCapacity int `yaml:"feed_capacity"`
	// MaxBatch bounds URLs per POST /fetch.
	MaxBatch    int      `yaml:"max_batch"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// HistoryConfig defines the SQLite completion log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "courier",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "~/.local/state/courier/courier.lock",
		},
		Worker: WorkerConfig{
			PollInterval:    50 * time.Millisecond,
			ConnectTimeout:  10 * time.Second,
			ResponseTimeout: 30 * time.Second,
			MaxHeaderBytes:  64 << 10,
			MaxBodyBytes:    32 << 20,
			UserAgent:       "courier",
		},
		API: APIConfig{
			Listen:       "127.0.0.1:8088",
			MaxTracked:   1024,
			FeedCapacity: 256,
			MaxBatch:     64,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "~/.local/state/courier/history.db",
		},
	}
}
