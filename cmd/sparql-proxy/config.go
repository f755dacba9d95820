package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/ad-freiburg/sparql-proxy/pkg/nameservice"
)

// Config is the root config for the proxy.
type Config struct {
	// Server configuration
	HTTPListenAddress string `yaml:"http_listen_address"`
	Port              int    `yaml:"port"`

	// Backends. Backend 1 is the primary, backend 2 the fallback; an
	// empty backend 2 means "same as backend 1".
	Backend1 string `yaml:"backend_1"`
	Backend2 string `yaml:"backend_2"`

	// Per-backend deadlines for raced queries, and the deadline for
	// ordinary single-backend queries.
	Timeout1      time.Duration `yaml:"timeout_1"`
	Timeout2      time.Duration `yaml:"timeout_2"`
	TimeoutNormal time.Duration `yaml:"timeout"`

	// Name service settings.
	SubjectVarSuffix string              `yaml:"subject_var_suffix"`
	AddTriples       flagext.StringSlice `yaml:"add_triples"`

	LogLevel string `yaml:"log_level"`

	// Cache handling for backend 2.
	PinResultsBackend2     bool `yaml:"pin_results_backend_2"`
	ClearCacheBackend2     bool `yaml:"clear_cache_backend_2"`
	ShowCacheStatsBackend2 bool `yaml:"show_cache_stats_backend_2"`
}

// NewDefaultConfig creates a new Config with default values applied.
func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers flags and sets default values.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.HTTPListenAddress, prefix+"listen-address", "0.0.0.0", "HTTP server listen address.")
	f.IntVar(&c.Port, prefix+"port", 0, "Run the proxy on this port (required).")

	f.StringVar(&c.Backend1, prefix+"backend-1", "", "Primary backend URL (preferred when it responds in time).")
	f.StringVar(&c.Backend2, prefix+"backend-2", "", "Fallback backend URL, asked in parallel for raced queries. Empty means same as -backend-1.")

	f.DurationVar(&c.Timeout1, prefix+"timeout-1", 500*time.Millisecond, "Deadline for backend 1 when racing both backends.")
	f.DurationVar(&c.Timeout2, prefix+"timeout-2", 5*time.Second, "Deadline for backend 2 when racing both backends.")
	f.DurationVar(&c.TimeoutNormal, prefix+"timeout", 10*time.Second, "Deadline for ordinary single-backend queries.")

	f.StringVar(&c.SubjectVarSuffix, prefix+"subject-var-suffix", "_id", "Suffix appended to the subject variable of an added triple (may be empty).")
	f.Var(&c.AddTriples, prefix+"add-triple", "Triple to add in the form <predicate>|<suffix>|<position>. Repeatable; activates the name service.")

	f.StringVar(&c.LogLevel, prefix+"log-level", "INFO", "Log level (INFO, DEBUG, ERROR).")

	f.BoolVar(&c.PinResultsBackend2, prefix+"pin-results-backend-2", false, "Pin results from backend 2 to the upstream cache (URL parameters pinresult=true and pinsubtrees=true).")
	f.BoolVar(&c.ClearCacheBackend2, prefix+"clear-cache-2", false, "Clear the cache of backend 2 on startup, pinned results included (cmd=clearcachecomplete).")
	f.BoolVar(&c.ShowCacheStatsBackend2, prefix+"show-cache-stats-2", false, "Show cache statistics for backend 2 after every successful query.")
}

// Validate validates the configuration and resolves the backend 2 default.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return errPortRequired
	}
	if c.Backend1 == "" {
		return errBackendRequired
	}
	if c.Backend2 == "" {
		c.Backend2 = c.Backend1
	}
	if c.Timeout1 <= 0 || c.Timeout2 <= 0 || c.TimeoutNormal <= 0 {
		return errTimeoutsPositive
	}
	switch c.LogLevel {
	case "INFO", "DEBUG", "ERROR":
	default:
		return errBadLogLevel(c.LogLevel)
	}
	if _, err := c.AddTripleConfigs(); err != nil {
		return err
	}
	return nil
}

// AddTripleConfigs parses the -add-triple arguments. An empty subject
// variable suffix combined with all-empty triple suffixes is rejected: the
// added variable would collide with its subject.
func (c *Config) AddTripleConfigs() ([]nameservice.AddTripleConfig, error) {
	configs := make([]nameservice.AddTripleConfig, 0, len(c.AddTriples))
	allSuffixesEmpty := true
	for _, arg := range c.AddTriples {
		cfg, err := nameservice.ParseAddTripleConfig(arg)
		if err != nil {
			return nil, err
		}
		if cfg.Suffix != "" {
			allSuffixesEmpty = false
		}
		configs = append(configs, cfg)
	}
	if len(configs) > 0 && c.SubjectVarSuffix == "" && allSuffixesEmpty {
		return nil, errEmptySuffixes
	}
	return configs, nil
}

// CheckConfig checks if config values are suspect and returns a bundled
// list of warnings and explanations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Timeout1 >= c.Timeout2 {
		warnings = append(warnings, warnTimeoutOrder)
	}
	if c.ClearCacheBackend2 && !c.PinResultsBackend2 {
		warnings = append(warnings, warnClearWithoutPin)
	}

	return warnings
}

// ConfigWarning bundles message and explanation strings in one structure.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnTimeoutOrder = ConfigWarning{
		Message: "c.Timeout1 is not below c.Timeout2.",
		Explain: "Racing only helps when the primary deadline is well below the fallback deadline",
	}
	warnClearWithoutPin = ConfigWarning{
		Message: "c.ClearCacheBackend2 is set but c.PinResultsBackend2 is not.",
		Explain: "The cleared cache will not be repopulated with pinned results",
	}
)

// ExampleConfig returns an example configuration YAML.
func ExampleConfig() string {
	return `# SPARQL Proxy Configuration
http_listen_address: "0.0.0.0"
port: 8904

backend_1: "https://sparql.example.com:443/api/wikidata"
backend_2: "https://sparql-fallback.example.com:443/api/wikidata"

timeout_1: 500ms
timeout_2: 5s
timeout: 10s

subject_var_suffix: "_id"
add_triples:
  - "@en@<http://www.w3.org/2000/01/rdf-schema#label>|_name|1"

log_level: INFO

pin_results_backend_2: true
clear_cache_backend_2: false
show_cache_stats_backend_2: true
`
}

func errBadLogLevel(level string) error {
	return fmt.Errorf("log level must be one of INFO, DEBUG, ERROR, was %q", level)
}
