package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Session struct {
	MaxParticipants int `mapstructure:"max_participants"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Signal struct {
	MessageTTL        time.Duration `mapstructure:"message_ttl"`
	SeenCapacity      int           `mapstructure:"seen_capacity"`
	StorePollInterval time.Duration `mapstructure:"store_poll_interval"`
	WSBuffer          int           `mapstructure:"ws_buffer"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
}

type Negotiation struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

type Track struct {
	UnmuteWait   time.Duration `mapstructure:"unmute_wait"`
	NudgeWait    time.Duration `mapstructure:"nudge_wait"`
	MaxReacquire int           `mapstructure:"max_reacquire"`
	PreferCodec  string        `mapstructure:"prefer_codec"`
}

type Health struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	DarkAfter      time.Duration `mapstructure:"dark_after"`
	MaxRecoveries  int           `mapstructure:"max_recoveries"`
}

type Delivery struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	EntryTTL      time.Duration `mapstructure:"entry_ttl"`
}

type Config struct {
	Server      Server      `mapstructure:"server"`
	Log         Log         `mapstructure:"log"`
	Session     Session     `mapstructure:"session"`
	ICEServers  []ICEServer `mapstructure:"ice_servers"`
	Signal      Signal      `mapstructure:"signal"`
	Negotiation Negotiation `mapstructure:"negotiation"`
	Track       Track       `mapstructure:"track"`
	Health      Health      `mapstructure:"health"`
	Delivery    Delivery    `mapstructure:"delivery"`
}

// Load reads config/config.<env>.yaml, env selected by CONFIG_ENV, with an
// optional explicit path override.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("log.level", "info")
	v.SetDefault("session.max_participants", 16)
	v.SetDefault("signal.message_ttl", "30s")
	v.SetDefault("signal.seen_capacity", 500)
	v.SetDefault("signal.store_poll_interval", "800ms")
	v.SetDefault("signal.ws_buffer", 32)
	v.SetDefault("signal.janitor_interval", "30s")
	v.SetDefault("negotiation.timeout", "10s")
	v.SetDefault("negotiation.retry_initial", "2500ms")
	v.SetDefault("negotiation.retry_max", "45s")
	v.SetDefault("negotiation.max_attempts", 3)
	v.SetDefault("negotiation.heartbeat_interval", "30s")
	v.SetDefault("negotiation.inactivity_timeout", "90s")
	v.SetDefault("track.unmute_wait", "2s")
	v.SetDefault("track.nudge_wait", "500ms")
	v.SetDefault("track.max_reacquire", 3)
	v.SetDefault("track.prefer_codec", "")
	v.SetDefault("health.sample_interval", "2s")
	v.SetDefault("health.dark_after", "5s")
	v.SetDefault("health.max_recoveries", 3)
	v.SetDefault("delivery.sweep_interval", "250ms")
	v.SetDefault("delivery.retry_initial", "1s")
	v.SetDefault("delivery.retry_max", "10s")
	v.SetDefault("delivery.entry_ttl", "2m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
