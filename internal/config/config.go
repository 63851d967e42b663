// Package config loads runtime configuration from the environment and the
// strategy parameter file, and wires logging.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Config is the process configuration. Every field maps to an environment
// variable of the same name.
type Config struct {
	NodeEnv      string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	APIKey       string
	APISecret    string
	BaseURL      string
	RecvWindowMs int64
	Symbols      []string
	HTTPAddr     string
	ParamsFile   string
}

// IsProduction reports whether the process runs with production settings.
func (c Config) IsProduction() bool { return c.NodeEnv == "production" }

// Load reads configuration from the environment with defaults suitable for
// development.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_URL", "https://contract.mexc.com")
	v.SetDefault("RECV_WINDOW_MS", 5000)
	v.SetDefault("SYMBOLS", "BTCUSDT")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("PARAMS_FILE", "config/params.yaml")

	cfg := Config{
		NodeEnv:      v.GetString("NODE_ENV"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		DatabaseURL:  v.GetString("DATABASE_URL"),
		RedisURL:     v.GetString("REDIS_URL"),
		APIKey:       v.GetString("API_KEY"),
		APISecret:    v.GetString("API_SECRET"),
		BaseURL:      v.GetString("BASE_URL"),
		RecvWindowMs: v.GetInt64("RECV_WINDOW_MS"),
		HTTPAddr:     v.GetString("HTTP_ADDR"),
		ParamsFile:   v.GetString("PARAMS_FILE"),
	}

	for _, symbol := range strings.Split(v.GetString("SYMBOLS"), ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol != "" {
			cfg.Symbols = append(cfg.Symbols, symbol)
		}
	}
	if len(cfg.Symbols) == 0 {
		return Config{}, fmt.Errorf("config: SYMBOLS must name at least one symbol")
	}

	switch cfg.NodeEnv {
	case "development", "test", "production":
	default:
		return Config{}, fmt.Errorf("config: unknown NODE_ENV %q", cfg.NodeEnv)
	}
	if cfg.IsProduction() && (cfg.APIKey == "" || cfg.APISecret == "") {
		return Config{}, fmt.Errorf("config: API_KEY and API_SECRET are required in production")
	}
	return cfg, nil
}

// SetupLogging configures the global zerolog logger: pretty console output on
// a TTY outside production, JSON otherwise.
func SetupLogging(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))

	if !cfg.IsProduction() && term.IsTerminal(int(os.Stderr.Fd())) {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "silent":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
