package app

import (
	"errors"
	"slices"
	"testing"
	"time"

	"chanlayer/cmd/internal/layer"

	"github.com/caarlos0/env/v11"
)

func loadTestConfig(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	environ := make(map[string]string, len(vars))
	for k, v := range vars {
		environ[envPrefix+k] = v
	}
	return loadConfig(env.Options{Prefix: envPrefix, Environment: environ})
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadTestConfig(t, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.Backend != BackendMemory || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Expiry != layer.DefaultExpiry || cfg.GroupExpiry != layer.DefaultGroupExpiry {
		t.Fatalf("expiry=%s group_expiry=%s", cfg.Expiry, cfg.GroupExpiry)
	}
	if cfg.Capacity != layer.DefaultCapacity || cfg.MaxMessageBytes != layer.DefaultMaxMessageSize {
		t.Fatalf("capacity=%d max_message=%d", cfg.Capacity, cfg.MaxMessageBytes)
	}
	if len(cfg.ChannelCapacity) != 0 {
		t.Fatalf("channel capacity=%v", cfg.ChannelCapacity)
	}
	if cfg.SweepInterval != 30*time.Second || cfg.PollInterval != 0 {
		t.Fatalf("sweep=%s poll=%s", cfg.SweepInterval, cfg.PollInterval)
	}
	if !cfg.WSRequireOrigin || !slices.Equal(cfg.WSAllowedOrigins, []string{"http://localhost", "http://127.0.0.1"}) {
		t.Fatalf("ws origin defaults: required=%v allowed=%v", cfg.WSRequireOrigin, cfg.WSAllowedOrigins)
	}

	lcfg, err := cfg.LayerConfig()
	if err != nil {
		t.Fatalf("LayerConfig: %v", err)
	}
	if got := lcfg.Capacity("anything"); got != layer.DefaultCapacity {
		t.Fatalf("Capacity=%d", got)
	}
}

func TestLoadConfig_ChannelCapacity(t *testing.T) {
	t.Parallel()

	cfg, err := loadTestConfig(t, map[string]string{
		"CAPACITY":         "50",
		"CHANNEL_CAPACITY": `http.response!*=10, re:^websocket\.send!\w+$=20, http.request=200`,
		"EXPIRY":           "2m",
		"GROUP_EXPIRY":     "1h",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.ChannelCapacity) != 3 {
		t.Fatalf("entries=%v", cfg.ChannelCapacity)
	}

	lcfg, err := cfg.LayerConfig()
	if err != nil {
		t.Fatalf("LayerConfig: %v", err)
	}
	if lcfg.Expiry() != 2*time.Minute || lcfg.GroupExpiry() != time.Hour {
		t.Fatalf("expiry=%s group_expiry=%s", lcfg.Expiry(), lcfg.GroupExpiry())
	}

	cases := map[string]int{
		"http.response!abc123": 10,
		"websocket.send!xyz":   20,
		"http.request":         200,
		"http.request.body":    50,
		"chat.room":            50,
	}
	for ch, want := range cases {
		if got := lcfg.Capacity(ch); got != want {
			t.Fatalf("Capacity(%q)=%d want=%d", ch, got, want)
		}
	}
}

func TestLoadConfig_DurationsAcceptSeconds(t *testing.T) {
	t.Parallel()

	cfg, err := loadTestConfig(t, map[string]string{
		"EXPIRY":         "60",
		"GROUP_EXPIRY":   "86400",
		"SWEEP_INTERVAL": " 15 ",
		"POLL_INTERVAL":  "250ms",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Expiry != time.Minute || cfg.GroupExpiry != 24*time.Hour {
		t.Fatalf("expiry=%s group_expiry=%s", cfg.Expiry, cfg.GroupExpiry)
	}
	if cfg.SweepInterval != 15*time.Second || cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("sweep=%s poll=%s", cfg.SweepInterval, cfg.PollInterval)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "60", want: time.Minute},
		{in: "1m30s", want: 90 * time.Second},
		{in: "-2", want: -2 * time.Second},
		{in: "soon", wantErr: true},
		{in: "99999999999999", wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseDuration(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseDuration(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseDuration(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseDuration(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		vars map[string]string
	}{
		{name: "unknown backend", vars: map[string]string{"BACKEND": "redis"}},
		{name: "postgres without url", vars: map[string]string{"BACKEND": "postgres"}},
		{name: "unknown log format", vars: map[string]string{"LOG_FORMAT": "xml"}},
		{name: "bad duration", vars: map[string]string{"EXPIRY": "soon"}},
		{name: "bad capacity entry", vars: map[string]string{"CHANNEL_CAPACITY": "chat.*"}},
		{name: "bad capacity regexp", vars: map[string]string{"CHANNEL_CAPACITY": "re:([a-z=3"}},
		{name: "min above max conns", vars: map[string]string{"DB_MIN_CONNS": "5", "DB_MAX_CONNS": "2"}},
		{name: "negative sweep", vars: map[string]string{"SWEEP_INTERVAL": "-1s"}},
	}

	for _, tc := range cases {
		if _, err := loadTestConfig(t, tc.vars); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadConfig_NormalizesBackend(t *testing.T) {
	t.Parallel()

	cfg, err := loadTestConfig(t, map[string]string{
		"BACKEND":      " SQLite ",
		"SQLITE_PATH":  "/tmp/chanlayer-test.db",
		"LOG_FORMAT":   "Pretty",
		"DATABASE_URL": "",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != BackendSQLite || cfg.LogFormat != "pretty" {
		t.Fatalf("backend=%q log_format=%q", cfg.Backend, cfg.LogFormat)
	}
}

func TestConfig_LayerConfigRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{Expiry: 0, GroupExpiry: time.Hour, Capacity: 1, MaxMessageBytes: 1},
		{Expiry: time.Second, GroupExpiry: time.Hour, Capacity: -1, MaxMessageBytes: 1},
		{Expiry: time.Second, GroupExpiry: time.Hour, Capacity: 1, MaxMessageBytes: 0},
	}
	for i, cfg := range cases {
		_, err := cfg.LayerConfig()
		if !errors.Is(err, layer.ErrConfiguration) {
			t.Fatalf("case %d: err=%v want ErrConfiguration", i, err)
		}
	}
}

func TestConfig_GatewayOptions(t *testing.T) {
	t.Parallel()

	cfg := Config{
		WSAllowedOrigins: []string{" https://app.example.com ", "", "http://localhost"},
		WSRequireOrigin:  true,
		WSRateEvents:     7,
		WSRateWindow:     time.Second,
		WriteTimeout:     3 * time.Second,
	}

	opts := cfg.GatewayOptions(nil)
	if !opts.Origin.Required || !slices.Equal(opts.Origin.Allowed, []string{"https://app.example.com", "http://localhost"}) {
		t.Fatalf("origin=%+v", opts.Origin)
	}
	if opts.RateEvents != 7 || opts.RateWindow != time.Second || opts.WriteTimeout != 3*time.Second {
		t.Fatalf("opts=%+v", opts)
	}
}
