package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "STUDYHALL"

type StoreConfig struct {
	// Backend is "memory" or "mongo".
	Backend       string `mapstructure:"backend"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type MediaConfig struct {
	Allow     bool   `mapstructure:"allow"`
	VideoFile string `mapstructure:"video_file"`
	AudioFile string `mapstructure:"audio_file"`
	// Synthetic fills in generated media for kinds without a file.
	Synthetic bool   `mapstructure:"synthetic"`
	RecordDir string `mapstructure:"record_dir"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AppendLimit    int           `mapstructure:"append_limit"`
	AppendInterval time.Duration `mapstructure:"append_interval"`
	Store          StoreConfig   `mapstructure:"store"`

	// Client side.
	SignalURL          string      `mapstructure:"signal_url"`
	ICEServers         []string    `mapstructure:"ice_servers"`
	LoopbackCandidates bool        `mapstructure:"loopback_candidates"`
	Media              MediaConfig `mapstructure:"media"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("append_limit", 64)
	v.SetDefault("append_interval", "10s")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "studyhall")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("loopback_candidates", false)
	v.SetDefault("media.allow", true)
	v.SetDefault("media.video_file", "")
	v.SetDefault("media.audio_file", "")
	v.SetDefault("media.synthetic", true)
	v.SetDefault("media.record_dir", "")
}

// Load reads .env (when present), then config/config.<env>.yaml. An empty
// env falls back to $CONFIG_ENV and then "dev".
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one YAML file over the defaults. A missing file is not an
// error. STUDYHALL_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Backend).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "mongo":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AppendLimit <= 0 || c.AppendInterval <= 0 {
		return fmt.Errorf("append_limit and append_interval must be positive")
	}
	return nil
}
