package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Server struct {
	Host string
	Port int
}

type DB struct {
	Driver string
	Path   string
	Host   string
	Port   int
	User   string
	Pass   string
	Name   string
}

type JWT struct {
	Secret string
	Issuer string
	ExpMin int
}

type Pool struct {
	MaxConnections int
	TTL            time.Duration
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	SweepInterval  time.Duration
}

type Device struct {
	PingTimeout   time.Duration
	StatusTimeout time.Duration
	WriteTimeout  time.Duration
}

type Reconcile struct {
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Concurrency    int
}

type Deployment struct {
	ExecutionTimeout time.Duration
	SerialTimeout    time.Duration
}

// Redis enables the cross-instance relay when Addr is set.
type Redis struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type Log struct {
	Level  string
	Format string
	Path   string
}

type Config struct {
	Server     Server
	DB         DB
	JWT        JWT
	Pool       Pool
	Device     Device
	Reconcile  Reconcile
	Deployment Deployment
	Redis      Redis
	Log        Log
}

const envPrefix = "FLEET"

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9400)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "fleetd.db")
	v.SetDefault("db.host", "127.0.0.1")
	v.SetDefault("db.port", 3306)
	v.SetDefault("db.user", "root")
	v.SetDefault("db.pass", "")
	v.SetDefault("db.name", "fleetd")
	v.SetDefault("jwt.secret", "dev-secret")
	v.SetDefault("jwt.issuer", "fleetd")
	v.SetDefault("jwt.exp_min", 60)
	v.SetDefault("pool.max_connections", 10)
	v.SetDefault("pool.ttl", 5*time.Minute)
	v.SetDefault("pool.idle_timeout", time.Minute)
	v.SetDefault("pool.acquire_timeout", 10*time.Second)
	v.SetDefault("pool.sweep_interval", 30*time.Second)
	v.SetDefault("device.ping_timeout", 5*time.Second)
	v.SetDefault("device.status_timeout", 5*time.Second)
	v.SetDefault("device.write_timeout", 15*time.Second)
	v.SetDefault("reconcile.poll_interval", 30*time.Second)
	v.SetDefault("reconcile.max_retries", 3)
	v.SetDefault("reconcile.retry_base_delay", time.Second)
	v.SetDefault("reconcile.concurrency", 8)
	v.SetDefault("deployment.execution_timeout", 30*time.Second)
	v.SetDefault("deployment.serial_timeout", 10*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "fleetd:events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.path", "")
	return v
}

// Load reads the yaml file at path, if any, over the defaults. FLEET_*
// environment variables (and a .env file) override both.
func Load(path string) (*Config, error) {
	_ = EnsureEnv()
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	cfg := decode(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls onChange with the re-read configuration whenever the file at
// path is written. Invalid edits are reported through onError and ignored.
func Watch(path string, onChange func(*Config), onError func(error)) {
	if path == "" {
		return
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if onError != nil {
			onError(fmt.Errorf("watch config: %w", err))
		}
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := decode(v)
		if err := cfg.validate(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) *Config {
	return &Config{
		Server: Server{Host: v.GetString("server.host"), Port: v.GetInt("server.port")},
		DB: DB{
			Driver: v.GetString("db.driver"),
			Path:   v.GetString("db.path"),
			Host:   v.GetString("db.host"),
			Port:   v.GetInt("db.port"),
			User:   v.GetString("db.user"),
			Pass:   v.GetString("db.pass"),
			Name:   v.GetString("db.name"),
		},
		JWT: JWT{Secret: v.GetString("jwt.secret"), Issuer: v.GetString("jwt.issuer"), ExpMin: v.GetInt("jwt.exp_min")},
		Pool: Pool{
			MaxConnections: v.GetInt("pool.max_connections"),
			TTL:            v.GetDuration("pool.ttl"),
			IdleTimeout:    v.GetDuration("pool.idle_timeout"),
			AcquireTimeout: v.GetDuration("pool.acquire_timeout"),
			SweepInterval:  v.GetDuration("pool.sweep_interval"),
		},
		Device: Device{
			PingTimeout:   v.GetDuration("device.ping_timeout"),
			StatusTimeout: v.GetDuration("device.status_timeout"),
			WriteTimeout:  v.GetDuration("device.write_timeout"),
		},
		Reconcile: Reconcile{
			PollInterval:   v.GetDuration("reconcile.poll_interval"),
			MaxRetries:     v.GetInt("reconcile.max_retries"),
			RetryBaseDelay: v.GetDuration("reconcile.retry_base_delay"),
			Concurrency:    v.GetInt("reconcile.concurrency"),
		},
		Deployment: Deployment{
			ExecutionTimeout: v.GetDuration("deployment.execution_timeout"),
			SerialTimeout:    v.GetDuration("deployment.serial_timeout"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Log: Log{Level: v.GetString("log.level"), Format: v.GetString("log.format"), Path: v.GetString("log.path")},
	}
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unsupported db.driver %q", c.DB.Driver)
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("config: pool.max_connections must be positive, got %d", c.Pool.MaxConnections)
	}
	if c.JWT.Secret == "" {
		return errors.New("config: jwt.secret is empty")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port) }
