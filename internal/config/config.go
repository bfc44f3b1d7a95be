// Package config holds the settings shared by the server, custody and
// client binaries. Values come from the Default* constants, then an optional
// YAML file, then command-line flags (applied by the binaries).
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr     = "127.0.0.1"
	DefaultListenPort     = "65432"
	DefaultCustodyPort    = "65431"
	DefaultVersion        = "indev"
	DefaultLogLevel       = "info"
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultAdmission      = AdmissionBlock
	DefaultRequestTimeout = 30 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultMaxMessageSize = 1 << 20
	DefaultKeyBits        = 512

	DefaultDatabaseDriver      = "sqlite3"
	DefaultDatabaseDirPath     = "/.config/ChimataPHE/"
	DefaultServerDatabaseName  = "server.db"
	DefaultCustodyDatabaseName = "custody.db"
	DefaultClientDatabaseName  = "client.db"
)

const (
	AdmissionBlock  = "block"
	AdmissionReject = "reject"
)

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Pipeline struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	Admission      string        `yaml:"admission"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Server struct {
	Listen            string        `yaml:"listen"`
	StatusListen      string        `yaml:"status_listen"`
	Database          Database      `yaml:"database"`
	Pipeline          Pipeline      `yaml:"pipeline"`
	AllowSelfTransfer bool          `yaml:"allow_self_transfer"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxMessageSize    int           `yaml:"max_message_size"`
}

type Custody struct {
	Listen   string   `yaml:"listen"`
	Database Database `yaml:"database"`
}

type Config struct {
	LogLevel string  `yaml:"log_level"`
	Server   Server  `yaml:"server"`
	Custody  Custody `yaml:"custody"`
}

// Default returns a Config filled with the Default* values. Database DSNs
// point into ~/.config/ChimataPHE.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Server: Server{
			Listen: DefaultListenAddr + ":" + DefaultListenPort,
			Database: Database{
				Driver: DefaultDatabaseDriver,
				DSN:    DefaultDatabasePath(DefaultServerDatabaseName),
			},
			Pipeline: Pipeline{
				Workers:        DefaultWorkers,
				QueueSize:      DefaultQueueSize,
				Admission:      DefaultAdmission,
				RequestTimeout: DefaultRequestTimeout,
			},
			IdleTimeout:    DefaultIdleTimeout,
			MaxMessageSize: DefaultMaxMessageSize,
		},
		Custody: Custody{
			Listen: DefaultListenAddr + ":" + DefaultCustodyPort,
			Database: Database{
				Driver: DefaultDatabaseDriver,
				DSN:    DefaultDatabasePath(DefaultCustodyDatabaseName),
			},
		},
	}
}

func DefaultDatabasePath(name string) string {
	homedir, _ := os.UserHomeDir()
	return homedir + DefaultDatabaseDirPath + name
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	p := c.Server.Pipeline
	switch {
	case p.Workers <= 0:
		return errors.Errorf("config: pipeline.workers must be positive, got %d", p.Workers)
	case p.QueueSize <= 0:
		return errors.Errorf("config: pipeline.queue_size must be positive, got %d", p.QueueSize)
	case p.Admission != AdmissionBlock && p.Admission != AdmissionReject:
		return errors.Errorf("config: unknown admission policy %q", p.Admission)
	case c.Server.MaxMessageSize <= 0:
		return errors.Errorf("config: max_message_size must be positive")
	}

	for _, db := range []Database{c.Server.Database, c.Custody.Database} {
		if db.Driver != "sqlite3" && db.Driver != "postgres" && db.Driver != "memory" {
			return errors.Errorf("config: unsupported database driver %q", db.Driver)
		}
	}
	return nil
}
