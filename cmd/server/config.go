package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/MegaGrindStone/askstream/internal/logging"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port        string         `yaml:"port"`
	Upstream    upstreamConfig `yaml:"upstream"`
	Thoughts    string         `yaml:"thoughts"`
	Relay       relayConfig    `yaml:"relay"`
	Log         logging.Config `yaml:"log"`
	DBPath      string         `yaml:"dbPath"`
	CORSOrigins []string       `yaml:"corsOrigins"`
}

type upstreamConfig struct {
	URL           string        `yaml:"url"`
	StreamPath    string        `yaml:"streamPath"`
	HeaderTimeout time.Duration `yaml:"headerTimeout"`
}

type relayConfig struct {
	MaxConcurrent int64 `yaml:"maxConcurrent"`
}

func defaultConfig() config {
	return config{
		Port: "8081",
		Upstream: upstreamConfig{
			URL:           "http://localhost:8080",
			StreamPath:    "/stream",
			HeaderTimeout: 30 * time.Second,
		},
		Thoughts:    stream.ThoughtsKeep.String(),
		CORSOrigins: []string{"*"},
	}
}

// loadConfig reads the yaml file at path on top of the defaults, then applies the environment.
// A missing file is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool, getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyEnv(getenv func(string) string) error {
	if v := getenv("ASKSTREAM_PORT"); v != "" {
		c.Port = v
	}
	if v := getenv("ASKSTREAM_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := getenv("ASKSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("ASKSTREAM_THOUGHTS"); v != "" {
		c.Thoughts = v
	}
	if v := getenv("ASKSTREAM_RELAY_MAX_CONCURRENT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ASKSTREAM_RELAY_MAX_CONCURRENT %q: %w", v, err)
		}
		c.Relay.MaxConcurrent = n
	}
	return nil
}

func (c config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream url is required")
	}
	if _, err := stream.ParseThoughtsPolicy(c.Thoughts); err != nil {
		return err
	}
	if c.Relay.MaxConcurrent < 0 {
		return fmt.Errorf("relay maxConcurrent must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
