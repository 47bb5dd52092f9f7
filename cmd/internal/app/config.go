package app

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"chanlayer/cmd/internal/gateway"
	"chanlayer/cmd/internal/layer"

	"github.com/caarlos0/env/v11"
)

// Backend names accepted by CHANLAYER_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

const envPrefix = "CHANLAYER_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	Backend     string `env:"BACKEND" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"chanlayer"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/chanlayer.db"`

	Expiry          time.Duration      `env:"EXPIRY" envDefault:"60s"`
	GroupExpiry     time.Duration      `env:"GROUP_EXPIRY" envDefault:"24h"`
	Capacity        int                `env:"CAPACITY" envDefault:"100"`
	ChannelCapacity layer.CapacityList `env:"CHANNEL_CAPACITY"`
	MaxMessageBytes int                `env:"MAX_MESSAGE_BYTES" envDefault:"1048576"`

	// Zero disables the periodic sweep.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	// Zero keeps the backend default.
	PollInterval time.Duration `env:"POLL_INTERVAL"`

	WSAllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSRequireOrigin     bool          `env:"WS_REQUIRE_ORIGIN" envDefault:"true"`
	WSDevInsecure       bool          `env:"WS_DEV_INSECURE" envDefault:"false"`
	WSMaxFrameBytes     int64         `env:"WS_MAX_FRAME_BYTES"`
	WSSendQueueSize     int           `env:"WS_SEND_QUEUE"`
	WSRateEvents        int           `env:"WS_RATE_EVENTS"`
	WSRateWindow        time.Duration `env:"WS_RATE_WINDOW"`
	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL"`
	WSHeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT"`
	WSReadIdleTimeout   time.Duration `env:"WS_READ_IDLE_TIMEOUT"`
}

// LoadConfig loads Config from CHANLAYER_* environment variables with defaults.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{Prefix: envPrefix})
}

func loadConfig(opts env.Options) (Config, error) {
	opts.FuncMap = map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(time.Duration(0)): parseDuration,
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseDuration reads a Go duration string ("90s", "1h") or a bare integer number
// of seconds ("60").
func parseDuration(v string) (any, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n > math.MaxInt64/int64(time.Second) || n < math.MinInt64/int64(time.Second) {
			return nil, fmt.Errorf("duration %q out of range", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: CHANLAYER_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	if c.DBMinConns > c.DBMaxConns {
		return errors.New("config: CHANLAYER_DB_MIN_CONNS exceeds CHANLAYER_DB_MAX_CONNS")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: CHANLAYER_SWEEP_INTERVAL must not be negative")
	}
	if _, err := layer.CompileCapacities(c.ChannelCapacity); err != nil {
		return fmt.Errorf("config: CHANLAYER_CHANNEL_CAPACITY: %w", err)
	}
	return nil
}

// LayerConfig compiles the channel layer configuration.
func (c Config) LayerConfig() (*layer.Config, error) {
	return layer.NewConfig(
		layer.WithExpiry(c.Expiry),
		layer.WithGroupExpiry(c.GroupExpiry),
		layer.WithCapacity(c.Capacity),
		layer.WithChannelCapacity(c.ChannelCapacity...),
		layer.WithMaxMessageSize(c.MaxMessageBytes),
	)
}

// GatewayOptions maps the CHANLAYER_WS_* knobs onto gateway options. Zero values
// fall back to the gateway defaults.
func (c Config) GatewayOptions(m *gateway.Metrics) gateway.Options {
	return gateway.Options{
		Origin: gateway.OriginPolicy{
			Required: c.WSRequireOrigin,
			Allowed:  trimAll(c.WSAllowedOrigins),
		},
		DevInsecure:       c.WSDevInsecure,
		MaxFrameBytes:     c.WSMaxFrameBytes,
		SendQueueSize:     c.WSSendQueueSize,
		WriteTimeout:      c.WriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
		Metrics:           m,
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
