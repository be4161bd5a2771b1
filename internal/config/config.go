// Package config loads and saves engrave.json, the single configuration file
// shared by the server and the command line tools.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/matcher"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
	"github.com/AntoineMLD/EngraveDetect/internal/ocr"
	"github.com/AntoineMLD/EngraveDetect/internal/training"
)

// DefaultFile is read when no path is given.
const DefaultFile = "engrave.json"

// EnvFile names the environment variable overriding the config path.
const EnvFile = "ENGRAVE_CONFIG"

// Paths locates the artifacts of the pipeline.
type Paths struct {
	Raw        string `json:"raw"`
	Dataset    string `json:"dataset"`
	Splits     string `json:"splits"`
	Pairs      string `json:"pairs"`
	Checkpoint string `json:"checkpoint"`
	Templates  string `json:"templates"`
	Reports    string `json:"reports"`
}

// Config is the content of engrave.json.
type Config struct {
	Paths         Paths                    `json:"paths"`
	Workers       int                      `json:"workers"`
	LogLevel      string                   `json:"log_level"`
	Normalize     imaging.NormalizeOptions `json:"normalize"`
	Augment       imaging.AugmentOptions   `json:"augment"`
	Augmentations int                      `json:"augmentations"`
	Split         dataset.SplitOptions     `json:"split"`
	Pairs         dataset.PairOptions      `json:"pairs"`
	Network       network.Config           `json:"network"`
	Training      training.Config          `json:"training"`
	Matcher       matcher.Options          `json:"matcher"`
	OCR           ocr.Options              `json:"ocr"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Paths.Raw == "" {
		c.Paths.Raw = "data/raw"
	}
	if c.Paths.Dataset == "" {
		c.Paths.Dataset = "data/dataset"
	}
	if c.Paths.Splits == "" {
		c.Paths.Splits = "data/splits"
	}
	if c.Paths.Pairs == "" {
		c.Paths.Pairs = "data/pairs"
	}
	if c.Paths.Checkpoint == "" {
		c.Paths.Checkpoint = "models/best_model.bin"
	}
	if c.Paths.Templates == "" {
		c.Paths.Templates = "models/templates"
	}
	if c.Paths.Reports == "" {
		c.Paths.Reports = "reports"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Augmentations == 0 {
		c.Augmentations = dataset.DefaultAugmentations
	}
	if c.Split.TrainRatio <= 0 || c.Split.TrainRatio >= 1 {
		c.Split.TrainRatio = dataset.DefaultTrainRatio
	}
	if c.Pairs.PairsPerClass <= 0 {
		c.Pairs.PairsPerClass = dataset.DefaultPairsPerClass
	}

	c.Normalize.ApplyDefaults()
	c.Augment.ApplyDefaults()

	def := network.DefaultConfig()
	if c.Network.InputSize == 0 && len(c.Network.Channels) == 0 {
		c.Network = def
	}
	if c.Network.InputSize == 0 {
		c.Network.InputSize = c.Normalize.CanonicalSize
	}
	if len(c.Network.Channels) == 0 {
		c.Network.Channels = def.Channels
	}
	if c.Network.Hidden == 0 {
		c.Network.Hidden = def.Hidden
	}
	if c.Network.EmbeddingDim == 0 {
		c.Network.EmbeddingDim = def.EmbeddingDim
	}
	if c.Network.Momentum == 0 {
		c.Network.Momentum = def.Momentum
	}
	if c.Network.Epsilon == 0 {
		c.Network.Epsilon = def.Epsilon
	}

	c.Training.ApplyDefaults()
	if c.Training.CheckpointPath == "" {
		c.Training.CheckpointPath = c.Paths.Checkpoint
	}
	if c.Matcher.Threshold <= 0 {
		c.Matcher.Threshold = matcher.DefaultThreshold
	}
	c.OCR.ApplyDefaults()
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if c.Network.InputSize != c.Normalize.CanonicalSize {
		return fmt.Errorf("network input size %d differs from canonical size %d", c.Network.InputSize, c.Normalize.CanonicalSize)
	}
	if c.Matcher.Threshold > 1 {
		return fmt.Errorf("matcher threshold %v above 1", c.Matcher.Threshold)
	}
	return nil
}

// Path resolves the config file: an explicit path, then ENGRAVE_CONFIG, then
// DefaultFile.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvFile); env != "" {
		return env
	}
	return DefaultFile
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path through a temporary file.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	cfg.ApplyDefaults()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Source returns the artifact locations a matcher is opened from.
func (c *Config) Source() matcher.Source {
	return matcher.Source{
		Checkpoint: c.Paths.Checkpoint,
		BankDir:    c.Paths.Templates,
		Normalize:  c.Normalize,
		Options:    c.Matcher,
		Exec:       network.Exec{Workers: c.Workers},
	}
}

// Loader returns a matcher.Loader that reads the config at path on every
// call, so a reload applies edited thresholds and artifact paths.
func Loader(path string, log logr.Logger) matcher.Loader {
	return func(ctx context.Context) (*matcher.Matcher, error) {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		log.V(1).Info("opening recognizer", "config", path, "threshold", cfg.Matcher.Threshold)
		return matcher.Open(ctx, cfg.Source(), log)
	}
}
