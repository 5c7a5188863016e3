// Package config loads the training configuration: defaults, then an
// optional YAML file, then THREATLENS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/cluster"
	"github.com/adalundhe/threatlens/core/dataset"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREATLENS_"

// DefaultCreatedAt stamps artifacts when no run time is configured, so
// repeated runs produce identical manifests.
var DefaultCreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Config struct {
	// Seed drives every random choice in a run.
	Seed int64 `yaml:"seed"`

	// CreatedAt is written to the manifest instead of the wall clock.
	CreatedAt time.Time `yaml:"created_at"`

	Dataset    DatasetConfig    `yaml:"dataset"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type DatasetConfig struct {
	Samples int `yaml:"samples"`

	// Profiles is a YAML archetype profile file. Empty uses the built-in
	// profiles.
	Profiles string `yaml:"profiles"`

	// ExportCSV, if set, receives the generated dataset.
	ExportCSV string `yaml:"export_csv"`
}

type ClassifierConfig struct {
	HoldoutFraction float64                   `yaml:"holdout_fraction"`
	Candidates      []string                  `yaml:"candidates"`
	Metric          string                    `yaml:"metric"`
	Parallel        bool                      `yaml:"parallel"`
	Params          classifier.EnsembleParams `yaml:"params"`
}

type ClusterConfig struct {
	Restarts      int     `yaml:"restarts"`
	MaxIterations int     `yaml:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`

	// Format is "auto", "text" or "json". Auto picks text on a terminal.
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	cls := classifier.DefaultConfig()
	km := cluster.DefaultKMeansConfig()

	candidates := make([]string, len(cls.Candidates))
	for i, f := range cls.Candidates {
		candidates[i] = string(f)
	}

	return &Config{
		Seed:      42,
		CreatedAt: DefaultCreatedAt,
		Dataset: DatasetConfig{
			Samples: dataset.DefaultSamples,
		},
		Classifier: ClassifierConfig{
			HoldoutFraction: cls.HoldoutFraction,
			Candidates:      candidates,
			Metric:          string(cls.Metric),
			Parallel:        cls.Parallel,
			Params:          cls.Params,
		},
		Cluster: ClusterConfig{
			Restarts:      km.Restarts,
			MaxIterations: km.MaxIterations,
			Tolerance:     km.Tolerance,
		},
		Artifacts: ArtifactsConfig{
			Dir: "models",
		},
		Ledger: LedgerConfig{
			Enabled: false,
			Path:    "data/ledger.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	if err := applyEnvironment(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

type lookupFunc func(string) (string, bool)

func applyEnvironment(cfg *Config, lookup lookupFunc) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	if v, ok := env("SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSEED: %w", EnvPrefix, err)
		}
		cfg.Seed = n
	}
	if v, ok := env("CREATED_AT"); ok {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("%sCREATED_AT: %w", EnvPrefix, err)
		}
		cfg.CreatedAt = ts
	}
	if v, ok := env("SAMPLES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSAMPLES: %w", EnvPrefix, err)
		}
		cfg.Dataset.Samples = n
	}
	if v, ok := env("PROFILES"); ok {
		cfg.Dataset.Profiles = v
	}
	if v, ok := env("EXPORT_CSV"); ok {
		cfg.Dataset.ExportCSV = v
	}
	if v, ok := env("METRIC"); ok {
		cfg.Classifier.Metric = v
	}
	if v, ok := env("CANDIDATES"); ok {
		cfg.Classifier.Candidates = splitList(v)
	}
	if v, ok := env("ARTIFACTS_DIR"); ok {
		cfg.Artifacts.Dir = v
	}
	if v, ok := env("LEDGER"); ok {
		cfg.Ledger.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := env("LEDGER_PATH"); ok {
		cfg.Ledger.Path = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that the components would otherwise reject late.
func (c *Config) Validate() error {
	if c.Dataset.Samples <= 0 {
		return fmt.Errorf("dataset.samples must be positive, got %d", c.Dataset.Samples)
	}
	if f := c.Classifier.HoldoutFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("classifier.holdout_fraction must be in (0, 1), got %v", f)
	}
	if _, err := c.Families(); err != nil {
		return err
	}
	switch classifier.Metric(c.Classifier.Metric) {
	case classifier.MetricAccuracy, classifier.MetricF1:
	default:
		return fmt.Errorf("classifier.metric %q is not supported", c.Classifier.Metric)
	}
	if c.Cluster.Restarts <= 0 || c.Cluster.MaxIterations <= 0 {
		return fmt.Errorf("cluster.restarts and cluster.max_iterations must be positive")
	}
	if c.Cluster.Tolerance < 0 {
		return fmt.Errorf("cluster.tolerance must be non-negative")
	}
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required when the ledger is enabled")
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of auto, text, json", c.Logging.Format)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Families parses the configured candidate list.
func (c *Config) Families() ([]classifier.Family, error) {
	out := make([]classifier.Family, 0, len(c.Classifier.Candidates))
	for _, name := range c.Classifier.Candidates {
		f, err := classifier.ParseFamily(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// TrainerConfig converts the classifier section for classifier.NewTrainer.
func (c *Config) TrainerConfig() (classifier.Config, error) {
	families, err := c.Families()
	if err != nil {
		return classifier.Config{}, err
	}
	return classifier.Config{
		HoldoutFraction: c.Classifier.HoldoutFraction,
		Candidates:      families,
		Metric:          classifier.Metric(c.Classifier.Metric),
		Seed:            c.Seed,
		Parallel:        c.Classifier.Parallel,
		Params:          c.Classifier.Params,
	}, nil
}

// KMeansConfig converts the cluster section for cluster.NewClusterer.
func (c *Config) KMeansConfig() cluster.KMeansConfig {
	km := cluster.DefaultKMeansConfig()
	km.Restarts = c.Cluster.Restarts
	km.MaxIterations = c.Cluster.MaxIterations
	km.Tolerance = c.Cluster.Tolerance
	km.Seed = c.Seed
	return km
}
