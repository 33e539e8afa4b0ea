// Package config loads the configuration of the shellcache binary.
// Values come from an optional YAML file, overlaid by SHELLCACHE_* environment variables.
// Command line flags are applied on top by the binary itself.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoVersion     = errors.New("version not set")
	ErrEmptyManifest = errors.New("manifest is empty")
	ErrNoOrigin      = errors.New("origin not set")
)

const (
	DefaultPort = 8080
	DefaultDB   = "cache.db"
)

type Config struct {
	// Cache version tag. Changing it installs a new version and drops the old store.
	Version string `yaml:"version" env:"SHELLCACHE_VERSION"`
	// Application shell resources, relative to the origin.
	Manifest []string `yaml:"manifest" env:"SHELLCACHE_MANIFEST" envSeparator:","`
	// Origin URL to fetch from.
	Origin string `yaml:"origin" env:"SHELLCACHE_ORIGIN"`
	// Hostname of the origin, if Origin is just an address.
	Host string `yaml:"host" env:"SHELLCACHE_HOST"`
	// Resource served from the cache when the origin cannot be reached.
	OfflineFallback string `yaml:"offlineFallback" env:"SHELLCACHE_OFFLINE_FALLBACK"`
	Port            int    `yaml:"port" env:"SHELLCACHE_PORT"`
	// SQLite database file, or "memory".
	DB string `yaml:"db" env:"SHELLCACHE_DB"`
}

// Load reads the config file, if any, and applies the environment on top of it.
func Load(filename string) (Config, error) {
	config := Config{
		Port: DefaultPort,
		DB:   DefaultDB,
	}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Version == "" {
		return ErrNoVersion
	}
	if len(c.Manifest) == 0 {
		return ErrEmptyManifest
	}
	if c.Origin == "" {
		return ErrNoOrigin
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	return nil
}

// OriginURL returns the parsed origin. A bare address is taken to be https.
func (c Config) OriginURL() (url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil || u.Host == "" {
		// "localhost:8443" parses as scheme "localhost"
		u, err = url.Parse("https://" + c.Origin)
	}
	if err != nil {
		return url.URL{}, fmt.Errorf("origin: %w", err)
	}
	if u.Host == "" {
		return url.URL{}, fmt.Errorf("origin %q has no host", c.Origin)
	}
	return *u, nil
}

// Scope returns the URL of the application as clients see it:
// the origin, addressed by Host if one is set.
func (c Config) Scope() (url.URL, error) {
	u, err := c.OriginURL()
	if err != nil {
		return url.URL{}, err
	}
	scope := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	if c.Host != "" {
		scope.Host = c.Host
	}
	return scope, nil
}
