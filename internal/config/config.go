// Package config assembles parse_chat settings from defaults, an optional
// config file, the environment (optionally seeded from a .env file) and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chatparse/internal/extracthtml"
	"chatparse/internal/metrics/datadog"
)

// EnvPrefix prefixes every environment variable, e.g. PARSE_CHAT_QUERY_SELECTOR.
const EnvPrefix = "PARSE_CHAT"

// Keys understood in config files and, upper-cased with "." -> "_", in the
// environment.
const (
	KeyQuerySelector    = "query_selector"
	KeyResponseSelector = "response_selector"
	KeyTextSeparator    = "text_separator"
	KeyVerbose          = "verbose"
	KeyMetricsBackend   = "metrics.backend"
	KeyMetricsJob       = "metrics.job"
	KeyMetricsTags      = "metrics.tags"
)

// Metrics backends.
const (
	MetricsNone    = "none"
	MetricsDatadog = "datadog"
)

// Config is the resolved configuration for one run.
type Config struct {
	Selectors     extracthtml.Selectors
	TextSeparator string
	Verbose       bool
	Metrics       MetricsConfig

	// File is the config file that was read, if any.
	File string
}

// MetricsConfig selects and labels the metrics backend.
type MetricsConfig struct {
	Backend string
	JobName string
	Tags    []string
}

// Options returns the extraction options described by c.
func (c Config) Options() extracthtml.Options {
	return extracthtml.Options{
		Selectors:     c.Selectors,
		TextSeparator: c.TextSeparator,
	}
}

// NewViper returns a viper instance with defaults and environment binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyQuerySelector, extracthtml.DefaultQuerySelector)
	v.SetDefault(KeyResponseSelector, extracthtml.DefaultResponseSelector)
	v.SetDefault(KeyTextSeparator, "")
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyMetricsBackend, MetricsNone)
	v.SetDefault(KeyMetricsJob, "parse_chat")
	v.SetDefault(KeyMetricsTags, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultSearchPaths lists where parse_chat.{yaml,json,toml} is looked for
// when no config file is given explicitly.
func DefaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parse_chat"))
	}
	return paths
}

// LoadDotEnv loads variables from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration into v and resolves it.
//
// If configFile is set it must exist. Otherwise a file named parse_chat is
// searched in searchPaths; not finding one is fine.
func Load(v *viper.Viper, configFile string, searchPaths ...string) (Config, error) {
	switch {
	case configFile != "":
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}

	case len(searchPaths) > 0:
		v.SetConfigName("parse_chat")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Selectors: extracthtml.Selectors{
			Query:    strings.TrimSpace(v.GetString(KeyQuerySelector)),
			Response: strings.TrimSpace(v.GetString(KeyResponseSelector)),
		},
		TextSeparator: unescape(v.GetString(KeyTextSeparator)),
		Verbose:       v.GetBool(KeyVerbose),
		Metrics: MetricsConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString(KeyMetricsBackend))),
			JobName: strings.TrimSpace(v.GetString(KeyMetricsJob)),
			Tags:    tagList(v.Get(KeyMetricsTags)),
		},
		File: v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := c.Selectors.Validate(); err != nil {
		return err
	}
	switch c.Metrics.Backend {
	case "", MetricsNone, MetricsDatadog:
	default:
		return fmt.Errorf("unknown metrics backend %q (want %q or %q)", c.Metrics.Backend, MetricsNone, MetricsDatadog)
	}
	return nil
}

// tagList accepts either a comma-separated string (env, flags) or a list
// (YAML/JSON config files).
func tagList(raw any) []string {
	var parts []string
	switch t := raw.(type) {
	case string:
		return datadog.ParseTagsCSV(t)
	case []string:
		parts = t
	case []any:
		for _, x := range t {
			parts = append(parts, fmt.Sprint(x))
		}
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// unescape lets a separator such as "\n" be written literally in env vars
// and flags.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(s)
}
