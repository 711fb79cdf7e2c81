// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caio-sobreiro/dicomscp/instance"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DICOMSCP_"

// Config is the whole service configuration.
type Config struct {
	Log       LogConfig           `yaml:"log"`
	Receiver  ReceiverConfig      `yaml:"receiver"`
	Executor  ExecutorConfig      `yaml:"executor"`
	Store     StoreConfig         `yaml:"store"`
	Archive   ArchiveConfig       `yaml:"archive"`
	NATS      NATSConfig          `yaml:"nats"`
	Admin     AdminConfig         `yaml:"admin"`
	Instances []instance.Instance `yaml:"instances"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReceiverConfig applies to every per-port receiver.
type ReceiverConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Host               string        `yaml:"host"`
	User               string        `yaml:"user"`
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
	PortRetries        int           `yaml:"portRetries"`
	PortRetryDelay     time.Duration `yaml:"portRetryDelay"`
	// AcceptRate limits new connections per second on each port; zero
	// disables the limit.
	AcceptRate  float64 `yaml:"acceptRate"`
	AcceptBurst int     `yaml:"acceptBurst"`
}

type ExecutorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

// StoreConfig selects the instance store: memory, sqlite or postgres.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ArchiveConfig selects where received objects go: fs or s3.
type ArchiveConfig struct {
	Driver      string   `yaml:"driver"`
	Root        string   `yaml:"root"`
	SpoolDir    string   `yaml:"spoolDir"`
	HeaderLimit int      `yaml:"headerLimit"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"pathStyle"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// NATSConfig enables receive events when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type AdminConfig struct {
	// Address of the admin HTTP server; empty disables it.
	Address string `yaml:"address"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Receiver: ReceiverConfig{
			Enabled:            true,
			User:               "admin",
			NegotiationTimeout: 30 * time.Second,
			PortRetries:        3,
			PortRetryDelay:     250 * time.Millisecond,
		},
		Executor: ExecutorConfig{Workers: 16, QueueSize: 256},
		Store:    StoreConfig{Driver: "sqlite", DSN: "/var/lib/dicomscp/config.db"},
		Archive:  ArchiveConfig{Driver: "fs", Root: "/var/lib/dicomscp/archive"},
		NATS:     NATSConfig{Subject: "dicom.received"},
		Admin:    AdminConfig{Address: ":8080"},
	}
}

// Load reads path (when not empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DICOMSCP_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("ARCHIVE_ROOT", &c.Archive.Root)
	str("NATS_URL", &c.NATS.URL)
	str("ADMIN_ADDRESS", &c.Admin.Address)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup(EnvPrefix + "RECEIVER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRECEIVER_ENABLED: %w", EnvPrefix, err)
		}
		c.Receiver.Enabled = b
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		bad("log.format: unknown format %q", c.Log.Format)
	}

	if c.Receiver.NegotiationTimeout <= 0 {
		bad("receiver.negotiationTimeout: must be positive")
	}
	if c.Receiver.PortRetries < 0 {
		bad("receiver.portRetries: must not be negative")
	}
	if c.Receiver.AcceptRate < 0 || c.Receiver.AcceptBurst < 0 {
		bad("receiver.acceptRate and acceptBurst: must not be negative")
	}

	if c.Executor.Workers <= 0 {
		bad("executor.workers: must be positive")
	}
	if c.Executor.QueueSize < 0 {
		bad("executor.queueSize: must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			bad("store.dsn: required for driver %s", c.Store.Driver)
		}
	default:
		bad("store.driver: unknown driver %q", c.Store.Driver)
	}

	switch c.Archive.Driver {
	case "fs":
		if c.Archive.Root == "" {
			bad("archive.root: required for driver fs")
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			bad("archive.s3.bucket: required for driver s3")
		}
	default:
		bad("archive.driver: unknown driver %q", c.Archive.Driver)
	}

	for i, inst := range c.Instances {
		if err := inst.Validate(); err != nil {
			bad("instances[%d]: %w", i, err)
		}
	}
	for _, i := range instance.FindDuplicates(c.Instances) {
		bad("instances[%d]: duplicate enabled AE title and port %s", i, c.Instances[i].Key())
	}
	return errors.Join(errs...)
}
