// Package config loads the DSU's YAML configuration file, following the
// upstream NDN stack's own convention of a small, mostly-optional YAML
// document (see std/engine/factory.go's GetClientConfig / TransportUri).
package config

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Repo describes how to reach the colocated repo's three TCP channels.
// All three channels connect to the same host:port; they are
// distinguished on the wire only by which socket they are (see
// internal/repochan).
type Repo struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Signing configures how the DSU obtains its signer.
type Signing struct {
	Key       string `yaml:"key"`        // path to a PEM-encoded secret signer, optional
	PIBSqlite string `yaml:"pib_sqlite"` // path to a sqlite PIB, optional
}

// Cache configures the optional Badger-backed object cache.
type Cache struct {
	BadgerDir string `yaml:"badger_dir"`
}

// Config is the full DSU configuration.
type Config struct {
	Face               string  `yaml:"face"`
	DeploymentPrefix   string  `yaml:"deployment_prefix"`
	ProducerPrefix     string  `yaml:"producer_prefix"`
	ConfirmReplyPrefix string  `yaml:"confirm_reply_prefix"`
	CatalogSuffix      string  `yaml:"catalog_suffix"`
	Repo               Repo    `yaml:"repo"`
	StateFile          string  `yaml:"state_file"`
	Signing            Signing `yaml:"signing"`
	Cache              Cache   `yaml:"cache"`
	LogLevel           string  `yaml:"log_level"`

	// RegisterAckFreshness and InterestLifetime are not exposed in YAML
	// (spec.md pins them at 10s / 60s); kept as fields so tests can
	// override them without magic numbers scattered through the engine.
	RegisterAckFreshness time.Duration `yaml:"-"`
	InterestLifetime     time.Duration `yaml:"-"`
}

// Default returns a Config with the deployment's fixed constants filled
// in and everything else zero-valued, suitable as a base for Load to
// overlay onto.
func Default() Config {
	return Config{
		Face:                 "unix:///run/nfd/nfd.sock",
		DeploymentPrefix:     "/org/openmhealth",
		ProducerPrefix:       "producer",
		ConfirmReplyPrefix:   "/org/openmhealth/dsu/confirm-reply",
		CatalogSuffix:        "SAMPLE/fitness/physical_activity/time_location/catalog",
		Repo:                 Repo{Host: "localhost", Port: 7376},
		StateFile:            "state",
		LogLevel:             "info",
		RegisterAckFreshness: 10 * time.Second,
		InterestLifetime:     60 * time.Second,
	}
}

// Load reads and parses a YAML config file at path, overlaying it onto
// Default(). A missing file is not an error at this layer; callers that
// require a config to exist should check os.Stat themselves.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Repo.Port == 0 {
		cfg.Repo.Port = 7376
	}
	return cfg, nil
}

// RepoAddr returns the "host:port" dial address for the repo's TCP
// channels.
func (c Config) RepoAddr() string {
	return fmt.Sprintf("%s:%d", c.Repo.Host, c.Repo.Port)
}
