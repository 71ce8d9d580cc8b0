package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Queue      QueueConfig      `yaml:"queue"`
	Bus        BusConfig        `yaml:"bus"`
	Worker     WorkerConfig     `yaml:"worker"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Hub        HubConfig        `yaml:"hub"`
	Logger     LoggerConfig     `yaml:"logger"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration (task metadata, read only)
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// QueueConfig queue configuration; Queues maps queue name to priority weight,
// mirroring the asynq server configuration of the job workers.
type QueueConfig struct {
	Queues map[string]int `yaml:"queues"`
}

// BusConfig event bus configuration
type BusConfig struct {
	Enabled          bool   `yaml:"enabled"`            // process-wide publish switch
	GlobalChannel    string `yaml:"global_channel"`     // global event channel
	ProjectPrefix    string `yaml:"project_prefix"`     // project channel prefix (channel = prefix + project id)
	StatsChannel     string `yaml:"stats_channel"`      // snapshot/queue-depth channel
	MaxPayloadBytes  int    `yaml:"max_payload_bytes"`  // serialized event size ceiling
	PublishTimeoutMs int    `yaml:"publish_timeout_ms"` // per-attempt redis publish deadline
	MaxRetries       int    `yaml:"max_retries"`        // publish attempts before giving up
	QueueSize        int    `yaml:"queue_size"`         // dispatcher queue capacity
}

// WorkerConfig worker liveness configuration
type WorkerConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"` // expected heartbeat interval (seconds)
	HeartbeatTTL      int `yaml:"heartbeat_ttl"`      // silence tolerated before offline (seconds)
}

// AggregatorConfig aggregator configuration
type AggregatorConfig struct {
	GlobalInterval  int `yaml:"global_interval"`  // global snapshot tick (seconds)
	ProjectInterval int `yaml:"project_interval"` // per-project snapshot tick (seconds)
	TickTimeout     int `yaml:"tick_timeout"`     // per-tick deadline (seconds)
}

// HubConfig fan-out hub configuration
type HubConfig struct {
	ClientBuffer int `yaml:"client_buffer"` // outbound messages buffered per connection
	PingInterval int `yaml:"ping_interval"` // websocket ping interval (seconds)
	PongTimeout  int `yaml:"pong_timeout"`  // max wait for pong before closing (seconds)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	cfg.ApplyDefaults()
	GlobalConfig = &cfg
	return nil
}

// ApplyDefaults fills zero-valued settings with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Bus.GlobalChannel == "" {
		c.Bus.GlobalChannel = "events:global"
	}
	if c.Bus.ProjectPrefix == "" {
		c.Bus.ProjectPrefix = "events:project:"
	}
	if c.Bus.StatsChannel == "" {
		c.Bus.StatsChannel = "events:stats"
	}
	if c.Bus.MaxPayloadBytes <= 0 {
		c.Bus.MaxPayloadBytes = 32 * 1024
	}
	if c.Bus.PublishTimeoutMs <= 0 {
		c.Bus.PublishTimeoutMs = 150
	}
	if c.Bus.MaxRetries <= 0 {
		c.Bus.MaxRetries = 3
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 1024
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 10
	}
	if c.Worker.HeartbeatTTL <= 0 {
		c.Worker.HeartbeatTTL = 30
	}
	if c.Aggregator.GlobalInterval <= 0 {
		c.Aggregator.GlobalInterval = 5
	}
	if c.Aggregator.ProjectInterval <= 0 {
		c.Aggregator.ProjectInterval = 10
	}
	if c.Aggregator.TickTimeout <= 0 {
		c.Aggregator.TickTimeout = 4
	}
	if c.Hub.ClientBuffer <= 0 {
		c.Hub.ClientBuffer = 256
	}
	if c.Hub.PingInterval <= 0 {
		c.Hub.PingInterval = 25
	}
	if c.Hub.PongTimeout <= 0 {
		c.Hub.PongTimeout = 60
	}
	if len(c.Queue.Queues) == 0 {
		c.Queue.Queues = map[string]int{"critical": 6, "default": 3, "low": 1}
	}
}
