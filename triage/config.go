package triage

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath    string `toml:"db_path"`
	Listen    string `toml:"listen"`
	Workers   int    `toml:"workers"`
	Alerts    AlertConfig
	Importers Importers
	Rewriters []Rewriter
}

type AlertConfig struct {
	DefaultThreshold Priority `toml:"default_threshold"`
	MaxRetries       uint64   `toml:"max_retries"`
	InitialInterval  Duration `toml:"initial_interval"`
}

type Importers struct {
	Vulnrich VulnrichConfig
	NVD      NVDConfig `toml:"nvd"`
	OSV      OSVConfig `toml:"osv"`
}

type VulnrichConfig struct {
	LookupPeriod Duration `toml:"lookup_period"`
	RepoURL      string   `toml:"repo_url"`
	RepoPath     string   `toml:"repo_path"`
}

type NVDConfig struct {
	Ecosystem string
	Endpoint  string
}

type OSVConfig struct {
	Zones []string
}

type Rewriter struct {
	Field       string
	Predicate   string
	RewriteRule string `toml:"rewrite_rule"`
}

// Duration decodes TOML strings such as "168h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("could not parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func ParseConfig(config io.Reader) (c Config, err error) {
	tomlData, err := io.ReadAll(config)
	if err != nil {
		return c, fmt.Errorf("could not read config file: %w", err)
	}
	_, err = toml.Decode(string(tomlData), &c)
	if err != nil {
		return c, fmt.Errorf("could not decode toml: %w", err)
	}
	if !c.Alerts.DefaultThreshold.Valid() && c.Alerts.DefaultThreshold != "" {
		return c, fmt.Errorf("unknown alert threshold %q", c.Alerts.DefaultThreshold)
	}
	return c.withDefaults(), nil
}

func ParseConfigFromFile(path string) (c Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = "triage.db"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Alerts.DefaultThreshold == "" {
		c.Alerts.DefaultThreshold = PriorityImmediate
	}
	if c.Alerts.MaxRetries == 0 {
		c.Alerts.MaxRetries = 3
	}
	if c.Alerts.InitialInterval.Duration == 0 {
		c.Alerts.InitialInterval.Duration = 500 * time.Millisecond
	}
	if c.Importers.Vulnrich.LookupPeriod.Duration == 0 {
		c.Importers.Vulnrich.LookupPeriod.Duration = 7 * 24 * time.Hour
	}
	if c.Importers.Vulnrich.RepoURL == "" {
		c.Importers.Vulnrich.RepoURL = "https://github.com/cisagov/vulnrichment.git"
	}
	if c.Importers.Vulnrich.RepoPath == "" {
		c.Importers.Vulnrich.RepoPath = "vulnrichment.git"
	}
	return c
}
