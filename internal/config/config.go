package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "STUDYSYNC"

type Config struct {
	Store  StoreConfig
	Remote RemoteConfig
	Sync   SyncConfig
	Inbox  InboxConfig
	HTTP   HTTPConfig
	Log    LogConfig
}

type StoreConfig struct {
	DSN         string
	CacheMaxAge time.Duration
}

type RemoteConfig struct {
	BaseURL       string
	APIKey        string
	Token         string
	HealthPath    string
	Timeout       time.Duration
	Retries       int
	RatePerSecond float64
}

type SyncConfig struct {
	MaxAttempts    int
	ProbeInterval  time.Duration
	IntervalJitter float64
	// Interval adds periodic sweeps while online; zero disables them.
	Interval time.Duration
	// Timeout bounds one sweep; zero means unbounded.
	Timeout time.Duration
}

type InboxConfig struct {
	Dir string
}

type HTTPConfig struct {
	Addr            string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type LogConfig struct {
	Level       string
	Development bool
}

type Options struct {
	// ConfigFile is an optional YAML/JSON/TOML file. Missing is an error only
	// when it was named explicitly.
	ConfigFile string
	// DotEnv is loaded into the process environment first when it exists.
	DotEnv string
}

// New returns a viper instance with every default set and environment
// overrides enabled (STUDYSYNC_REMOTE_BASEURL overrides remote.baseURL).
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("store.dsn", "badger://./.studysync/db")
	v.SetDefault("store.cacheMaxAge", time.Hour)

	v.SetDefault("remote.baseURL", "http://127.0.0.1:54321")
	v.SetDefault("remote.apiKey", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.healthPath", "/rest/v1/")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.retries", 0)
	v.SetDefault("remote.ratePerSecond", 0.0)

	v.SetDefault("sync.maxAttempts", 3)
	v.SetDefault("sync.probeInterval", 10*time.Second)
	v.SetDefault("sync.intervalJitter", 0.2)
	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.timeout", time.Duration(0))

	v.SetDefault("inbox.dir", "")

	v.SetDefault("http.addr", "127.0.0.1:8787")
	v.SetDefault("http.jwtSecret", "dev-secret")
	v.SetDefault("http.rateLimitMax", 0)
	v.SetDefault("http.rateLimitWindow", time.Minute)
	v.SetDefault("http.maxBodyBytes", int64(1<<20))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env, the optional config file and the environment into a
// Config.
func Load(opts Options) (*Config, error) {
	if opts.DotEnv != "" {
		if _, err := os.Stat(opts.DotEnv); err == nil {
			if err := godotenv.Load(opts.DotEnv); err != nil {
				return nil, pkgerrors.Wrapf(err, "load %s", opts.DotEnv)
			}
		} else if !os.IsNotExist(err) {
			return nil, pkgerrors.Wrapf(err, "stat %s", opts.DotEnv)
		}
	}
	v := New()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, pkgerrors.Wrapf(err, "read config %s", opts.ConfigFile)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Store: StoreConfig{
			DSN:         strings.TrimSpace(v.GetString("store.dsn")),
			CacheMaxAge: v.GetDuration("store.cacheMaxAge"),
		},
		Remote: RemoteConfig{
			BaseURL:       strings.TrimSpace(v.GetString("remote.baseURL")),
			APIKey:        strings.TrimSpace(v.GetString("remote.apiKey")),
			Token:         strings.TrimSpace(v.GetString("remote.token")),
			HealthPath:    strings.TrimSpace(v.GetString("remote.healthPath")),
			Timeout:       v.GetDuration("remote.timeout"),
			Retries:       v.GetInt("remote.retries"),
			RatePerSecond: v.GetFloat64("remote.ratePerSecond"),
		},
		Sync: SyncConfig{
			MaxAttempts:    v.GetInt("sync.maxAttempts"),
			ProbeInterval:  v.GetDuration("sync.probeInterval"),
			IntervalJitter: v.GetFloat64("sync.intervalJitter"),
			Interval:       v.GetDuration("sync.interval"),
			Timeout:        v.GetDuration("sync.timeout"),
		},
		Inbox: InboxConfig{
			Dir: strings.TrimSpace(v.GetString("inbox.dir")),
		},
		HTTP: HTTPConfig{
			Addr:            strings.TrimSpace(v.GetString("http.addr")),
			JWTSecret:       v.GetString("http.jwtSecret"),
			RateLimitMax:    v.GetInt("http.rateLimitMax"),
			RateLimitWindow: v.GetDuration("http.rateLimitWindow"),
			MaxBodyBytes:    v.GetInt64("http.maxBodyBytes"),
		},
		Log: LogConfig{
			Level:       strings.TrimSpace(v.GetString("log.level")),
			Development: v.GetBool("log.development"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Store.DSN == "":
		return pkgerrors.New("store.dsn is required")
	case c.Remote.BaseURL == "":
		return pkgerrors.New("remote.baseURL is required")
	case c.Sync.MaxAttempts < 1:
		return pkgerrors.Errorf("sync.maxAttempts must be at least 1, got %d", c.Sync.MaxAttempts)
	case c.Sync.ProbeInterval <= 0:
		return pkgerrors.New("sync.probeInterval must be positive")
	case c.Sync.IntervalJitter < 0 || c.Sync.IntervalJitter > 1:
		return pkgerrors.Errorf("sync.intervalJitter must be within [0,1], got %v", c.Sync.IntervalJitter)
	case c.Remote.Retries < 0:
		return pkgerrors.New("remote.retries must not be negative")
	}
	return nil
}
