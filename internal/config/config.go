package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATRELAY_"

// Config is the full runtime configuration of the relay server.
type Config struct {
	ListenAddr    string    `yaml:"listen_addr"`
	ScenariosFile string    `yaml:"scenarios_file"`
	ParamPrefix   string    `yaml:"param_prefix"`
	StateTable    string    `yaml:"state_table"`
	Redis         Redis     `yaml:"redis"`
	Upstream      Upstream  `yaml:"upstream"`
	Memory        Memory    `yaml:"memory"`
	RateLimit     RateLimit `yaml:"rate_limit"`
	Log           Log       `yaml:"log"`
}

type Redis struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Upstream struct {
	BaseURL string `yaml:"base_url"`
	// Model is used when the parameter store carries no model name.
	Model    string `yaml:"model"`
	ProxyURL string `yaml:"proxy_url"`
}

type Memory struct {
	CompactThreshold int `yaml:"compact_threshold"`
	RecentTurns      int `yaml:"recent_turns"`
	ContextBound     int `yaml:"context_bound"`
}

type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		ScenariosFile: "scenarios.yaml",
		Redis: Redis{
			Addr:         "localhost:6379",
			Prefix:       "chatrelay:",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Upstream: Upstream{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Memory: Memory{
			CompactThreshold: 1000,
			RecentTurns:      4,
			ContextBound:     4000,
		},
		RateLimit: RateLimit{PerSecond: 1, Burst: 3},
		Log:       Log{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), applies environment overrides and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.ScenariosFile = envString("SCENARIOS_FILE", cfg.ScenariosFile)
	cfg.ParamPrefix = envString("PARAM_PREFIX", cfg.ParamPrefix)
	cfg.StateTable = envString("STATE_TABLE", cfg.StateTable)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Prefix = envString("REDIS_PREFIX", cfg.Redis.Prefix)
	cfg.Upstream.BaseURL = envString("UPSTREAM_BASE_URL", cfg.Upstream.BaseURL)
	cfg.Upstream.Model = envString("UPSTREAM_MODEL", cfg.Upstream.Model)
	cfg.Upstream.ProxyURL = envString("UPSTREAM_PROXY_URL", cfg.Upstream.ProxyURL)
	cfg.Memory.CompactThreshold = envInt("COMPACT_THRESHOLD", cfg.Memory.CompactThreshold)
	cfg.Memory.RecentTurns = envInt("RECENT_TURNS", cfg.Memory.RecentTurns)
	cfg.Memory.ContextBound = envInt("CONTEXT_BOUND", cfg.Memory.ContextBound)
	cfg.RateLimit.PerSecond = envFloat("RATE_LIMIT_PER_SECOND", cfg.RateLimit.PerSecond)
	cfg.RateLimit.Burst = envInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("LOG_FORMAT", cfg.Log.Format)
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ParamPrefix) == "" {
		return errors.New("config: param_prefix must be set")
	}
	if strings.TrimSpace(c.StateTable) == "" {
		return errors.New("config: state_table must be set")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis.addr must be set")
	}
	if c.Memory.CompactThreshold <= 0 {
		return errors.New("config: memory.compact_threshold must be positive")
	}
	if c.Memory.RecentTurns <= 0 {
		return errors.New("config: memory.recent_turns must be positive")
	}
	if c.Memory.ContextBound < c.Memory.CompactThreshold {
		return errors.New("config: memory.context_bound must not be below compact_threshold")
	}
	if c.RateLimit.PerSecond <= 0 {
		return errors.New("config: rate_limit.per_second must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("config: rate_limit.burst must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
