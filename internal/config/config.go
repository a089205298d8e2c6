package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Callbox/internal/adapters/rtc"
	"github.com/dkeye/Callbox/internal/presence"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "CALLBOX"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`

	Store  StoreConfig  `mapstructure:"store"`
	WebRTC WebRTCConfig `mapstructure:"webrtc"`
	Map    MapConfig    `mapstructure:"map"`
	Limits LimitsConfig `mapstructure:"limits"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// RedisAddr is host:port.
	RedisAddr string `mapstructure:"redis_addr"`
	// PostgresDSN contains secrets; never log it.
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type WebRTCConfig struct {
	ICEServers           []string `mapstructure:"ice_servers"`
	ICECandidatePoolSize int      `mapstructure:"ice_candidate_pool_size"`
}

type MapConfig struct {
	Lat     float64 `mapstructure:"lat"`
	Lng     float64 `mapstructure:"lng"`
	Zoom    int     `mapstructure:"zoom"`
	MaxZoom int     `mapstructure:"max_zoom"`
	Tiles   string  `mapstructure:"tiles"`
}

type LimitsConfig struct {
	Writes int           `mapstructure:"writes"`
	Window time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	mv := presence.DefaultMapView()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("token_ttl", "168h")

	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("webrtc.ice_servers", rtc.DefaultICEServers)
	v.SetDefault("webrtc.ice_candidate_pool_size", rtc.DefaultICECandidatePoolSize)

	v.SetDefault("map.lat", mv.Center.Latitude)
	v.SetDefault("map.lng", mv.Center.Longitude)
	v.SetDefault("map.zoom", mv.Zoom)
	v.SetDefault("map.max_zoom", mv.MaxZoom)
	v.SetDefault("map.tiles", mv.Tiles)

	v.SetDefault("limits.writes", 120)
	v.SetDefault("limits.window", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults; CALLBOX_*
// environment variables override both (CALLBOX_STORE_DRIVER and so on).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
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
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("store", cfg.Store.Driver).
		Msg("config ready")
	return &cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("mode must be one of debug, release, test, got %q", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be a valid port, got %d", c.Port))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read_limit must be positive, got %d", c.ReadLimit))
	}
	if c.PingPeriod <= 0 {
		errs = append(errs, fmt.Errorf("ping_period must be positive, got %s", c.PingPeriod))
	}
	if c.Secret == "" {
		errs = append(errs, errors.New("secret is required"))
	} else if len(c.Secret) < 16 {
		errs = append(errs, errors.New("secret must be at least 16 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token_ttl must be positive, got %s", c.TokenTTL))
	}

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case store.DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of memory, redis, postgres, got %q", c.Store.Driver))
	}

	if c.WebRTC.ICECandidatePoolSize < 0 || c.WebRTC.ICECandidatePoolSize > 255 {
		errs = append(errs, fmt.Errorf("webrtc.ice_candidate_pool_size must be in 0..255, got %d", c.WebRTC.ICECandidatePoolSize))
	}
	if err := c.ICE().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("webrtc.ice_servers: %w", err))
	}

	if err := c.MapView().Center.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("map center: %w", err))
	}
	if c.Map.Zoom < 0 || c.Map.MaxZoom < c.Map.Zoom {
		errs = append(errs, fmt.Errorf("map zoom must be within 0..max_zoom, got %d/%d", c.Map.Zoom, c.Map.MaxZoom))
	}
	if c.Map.Tiles == "" {
		errs = append(errs, errors.New("map.tiles is required"))
	}

	if c.Limits.Writes <= 0 || c.Limits.Window <= 0 {
		errs = append(errs, errors.New("limits.writes and limits.window must be positive"))
	}

	return errors.Join(errs...)
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) ICE() rtc.ICEConfig {
	return rtc.ICEConfig{
		Servers:           c.WebRTC.ICEServers,
		CandidatePoolSize: uint8(c.WebRTC.ICECandidatePoolSize),
	}
}

func (c Config) MapView() presence.MapView {
	mv := presence.DefaultMapView()
	mv.Center.Latitude = c.Map.Lat
	mv.Center.Longitude = c.Map.Lng
	mv.Zoom = c.Map.Zoom
	mv.MaxZoom = c.Map.MaxZoom
	mv.Tiles = c.Map.Tiles
	return mv
}

func (c Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Store.Driver,
		RedisAddr:   c.Store.RedisAddr,
		PostgresDSN: c.Store.PostgresDSN,
	}
}
