// Package config loads overlayd's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read.
const (
	EnvEtcdEndpoints = "OVERLAY_ETCD_ENDPOINTS" // comma separated
	EnvLogLevel      = "OVERLAY_LOG_LEVEL"
)

// Config 配置文件结构体
type Config struct {
	Etcd      Etcd      `yaml:"etcd"`
	Intercept Intercept `yaml:"intercept"`
	Edge      Edge      `yaml:"edge"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Etcd struct {
	Endpoints     []string      `yaml:"endpoints" validate:"required,min=1,dive,required"`
	DialTimeout   time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	EdgePrefix    string        `yaml:"edge_prefix" validate:"required,startswith=/"`
	ServicePrefix string        `yaml:"service_prefix" validate:"required,startswith=/"`
}

// Intercept configures the interception side (the forward proxy).
type Intercept struct {
	Listen         string        `yaml:"listen" validate:"required,hostname_port"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	Heartbeat      time.Duration `yaml:"heartbeat" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"` // per overlay frame
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	RateLimit      float64       `yaml:"rate_limit" validate:"gte=0"` // requests per second, 0 disables
	Burst          int           `yaml:"burst" validate:"gte=0"`
	Balancer       string        `yaml:"balancer" validate:"oneof=round_robin weighted_random consistent_hash"`
	Codec          string        `yaml:"codec" validate:"oneof=json binary"`
}

// Edge configures the hosting side.
type Edge struct {
	Listen          string            `yaml:"listen" validate:"required,hostname_port"`
	Advertise       string            `yaml:"advertise" validate:"omitempty,hostname_port"`
	LeaseTTL        int64             `yaml:"lease_ttl" validate:"gt=0"`
	UpstreamTimeout time.Duration     `yaml:"upstream_timeout" validate:"gte=0"`
	Retries         int               `yaml:"retries" validate:"gte=0,lte=10"`
	ChunkSize       int               `yaml:"chunk_size" validate:"gte=0"`
	Services        map[string]string `yaml:"services" validate:"dive,keys,required,endkeys,url"` // service → upstream base URL
}

type Log struct {
	Level  string   `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string   `yaml:"format" validate:"oneof=console json"`
	Writer []string `yaml:"writer" validate:"min=1,dive,oneof=console file"`
	File   LogFile  `yaml:"file"`
}

// LogFile is the rotated log file, used when Writer contains "file".
type LogFile struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

type Metrics struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"` // empty disables the endpoint
}

// Default 创建默认配置
func Default() *Config {
	return &Config{
		Etcd: Etcd{
			Endpoints:     []string{"127.0.0.1:2379"},
			DialTimeout:   5 * time.Second,
			EdgePrefix:    "/mini-overlay/edges",
			ServicePrefix: "/mini-overlay/services",
		},
		Intercept: Intercept{
			Listen:       "127.0.0.1:8118",
			IdleTimeout:  30 * time.Second,
			DialTimeout:  10 * time.Second,
			Heartbeat:    15 * time.Second,
			WriteTimeout: 10 * time.Second,
			Balancer:     "round_robin",
			Codec:        "binary",
		},
		Edge: Edge{
			Listen:    "0.0.0.0:7070",
			LeaseTTL:  10,
			Retries:   2,
			ChunkSize: 32 << 10,
			Services:  map[string]string{},
		},
		Log: Log{
			Level:  "info",
			Format: "console",
			Writer: []string{"console"},
			File: LogFile{
				Path:       "overlayd.log",
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Metrics: Metrics{Listen: "127.0.0.1:9108"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		var eps []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				eps = append(eps, ep)
			}
		}
		c.Etcd.Endpoints = eps
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
