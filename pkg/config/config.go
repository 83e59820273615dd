package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
)

// EnvPrefix is the prefix of every environment override, e.g. P2P_PEER_WORKERS.
const EnvPrefix = "P2P"

// Duration wraps time.Duration so it can be written as "5m" in TOML and env vars.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Tracker Tracker `envconfig:"TRACKER"`
	Peer    Peer    `envconfig:"PEER"`
	Log     Log     `envconfig:"LOG"`
}

type Tracker struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR"`
	AdminAddr      string   `envconfig:"ADMIN_ADDR"`
	PortRangeStart int      `envconfig:"PORT_RANGE_START"`
	PortRangeEnd   int      `envconfig:"PORT_RANGE_END"`
	IdleTimeout    Duration `envconfig:"IDLE_TIMEOUT"`
	EvictInterval  Duration `envconfig:"EVICT_INTERVAL"`
	WriteTimeout   Duration `envconfig:"WRITE_TIMEOUT"`
	Advertise      bool     `envconfig:"ADVERTISE"`
	Store          string   `envconfig:"STORE"` // memory | redis
	Redis          Redis    `envconfig:"REDIS"`
}

type Redis struct {
	Addr     string `envconfig:"ADDR"`
	Password string `envconfig:"PASSWORD"`
	PoolSize int    `envconfig:"POOL_SIZE"`
}

type Peer struct {
	TrackerAddr       string   `envconfig:"TRACKER_ADDR"` // "auto" resolves via mDNS
	AdvertiseIP       string   `envconfig:"ADVERTISE_IP"`
	DownloadDir       string   `envconfig:"DOWNLOAD_DIR"`
	Workers           int      `envconfig:"WORKERS"`
	FetchDelay        Duration `envconfig:"FETCH_DELAY"`
	RequestTimeout    Duration `envconfig:"REQUEST_TIMEOUT"`
	DialTimeout       Duration `envconfig:"DIAL_TIMEOUT"`
	TransferTimeout   Duration `envconfig:"TRANSFER_TIMEOUT"`
	HeartbeatInterval Duration `envconfig:"HEARTBEAT_INTERVAL"`
	HTTPAddr          string   `envconfig:"HTTP_ADDR"`
}

type Log struct {
	Level   string `envconfig:"LEVEL"`
	File    string `envconfig:"FILE"`
	Console bool   `envconfig:"CONSOLE"`
}

func Default() *Config {
	return &Config{
		Tracker: Tracker{
			ListenAddr:     "0.0.0.0:3000",
			AdminAddr:      ":3080",
			PortRangeStart: 4001,
			PortRangeEnd:   4999,
			IdleTimeout:    Duration{5 * time.Minute},
			EvictInterval:  Duration{5 * time.Minute},
			WriteTimeout:   Duration{10 * time.Second},
			Store:          "memory",
			Redis: Redis{
				Addr: "127.0.0.1:6379",
			},
		},
		Peer: Peer{
			TrackerAddr:       "127.0.0.1:3000",
			AdvertiseIP:       "127.0.0.1",
			DownloadDir:       "Downloads",
			Workers:           5,
			FetchDelay:        Duration{500 * time.Millisecond},
			RequestTimeout:    Duration{10 * time.Second},
			DialTimeout:       Duration{5 * time.Second},
			TransferTimeout:   Duration{30 * time.Second},
			HeartbeatInterval: Duration{30 * time.Second},
		},
		Log: Log{
			Level:   "info",
			File:    "logs/p2p-share.log",
			Console: false,
		},
	}
}

// Load starts from Default, applies the TOML file at path (if non-empty), then
// P2P_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", expanded, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.Peer.DownloadDir, err = homedir.Expand(c.Peer.DownloadDir); err != nil {
		return fmt.Errorf("expand download dir: %w", err)
	}
	if c.Log.File, err = homedir.Expand(c.Log.File); err != nil {
		return fmt.Errorf("expand log file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	t := c.Tracker
	if t.PortRangeStart < 1 || t.PortRangeEnd > 65535 || t.PortRangeStart > t.PortRangeEnd {
		return fmt.Errorf("invalid peer port range %d-%d", t.PortRangeStart, t.PortRangeEnd)
	}
	if t.Store != "memory" && t.Store != "redis" {
		return fmt.Errorf("unknown tracker store %q", t.Store)
	}
	if c.Peer.Workers < 1 {
		return fmt.Errorf("peer workers must be at least 1, got %d", c.Peer.Workers)
	}
	return nil
}

// Bytes renders cfg as TOML, used by `config default`.
func Bytes(cfg *Config) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
