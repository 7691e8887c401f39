// Package config defines the client's explicit configuration. Every policy
// constant in the system (learning rate, clip ceiling, memory fraction, ...)
// lives here with a documented default rather than as a hidden global, so
// multiple clients can coexist in one process under different settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config carries everything a client needs from construction to serving
// rounds. Priority when loading: environment > file > defaults.
type Config struct {
	ClientID       string `yaml:"client_id"`       // default: generated uuid
	AggregatorAddr string `yaml:"aggregator_addr"` // host:port the client dials
	DataDir        string `yaml:"data_dir"`        // expects train/<label>/ and val/<label>/ beneath
	BackbonePath   string `yaml:"backbone_path"`   // pretrained backbone gob; empty = seeded random
	CheckpointPath string `yaml:"checkpoint_path"` // head snapshot after each fit; empty disables

	Epochs    int   `yaml:"epochs"`     // local epoch budget per fit
	BatchSize int   `yaml:"batch_size"` //
	Workers   int   `yaml:"workers"`    // prefetch workers for the training loader
	Seed      int64 `yaml:"seed"`       // shuffle, dropout and init seed

	NumClasses int     `yaml:"num_classes"`
	ImageSize  int     `yaml:"image_size"` // square resize edge in pixels
	EmbedDim   int     `yaml:"embed_dim"`  // backbone output width
	HiddenDim  int     `yaml:"hidden_dim"` // head hidden width
	Dropout    float64 `yaml:"dropout"`    // head dropout probability, 0 disables

	LearningRate    float64 `yaml:"learning_rate"`
	WeightDecay     float64 `yaml:"weight_decay"`
	ClipNorm        float64 `yaml:"clip_norm"`        // global L2 gradient ceiling
	PlateauPatience int     `yaml:"plateau_patience"` // stagnant epochs before the LR halves
	PlateauFactor   float64 `yaml:"plateau_factor"`
	LRFloor         float64 `yaml:"lr_floor"`

	Device            string  `yaml:"device"`
	MemoryBudgetBytes uint64  `yaml:"memory_budget_bytes"`
	MemoryFraction    float64 `yaml:"memory_fraction"` // share of the budget this client may hold

	MetricsAddr string `yaml:"metrics_addr"` // e.g. ":9090"; empty disables the listener
	LogLevel    string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		AggregatorAddr:    "localhost:7003",
		DataDir:           "./data",
		Epochs:            1,
		BatchSize:         16,
		Workers:           2,
		Seed:              1,
		NumClasses:        2,
		ImageSize:         64,
		EmbedDim:          256,
		HiddenDim:         128,
		Dropout:           0.25,
		LearningRate:      1e-4,
		WeightDecay:       0.01,
		ClipNorm:          1.0,
		PlateauPatience:   2,
		PlateauFactor:     0.5,
		LRFloor:           1e-6,
		Device:            "cpu",
		MemoryBudgetBytes: 512 << 20,
		MemoryFraction:    0.4,
		LogLevel:          "info",
	}
}

// Load builds a Config from defaults, an optional YAML file, then
// FLVISION_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		n, e := strconv.Atoi(v)
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = n
	}
	num64 := func(key string, dst *int64) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		n, e := strconv.ParseInt(v, 10, 64)
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = n
	}
	unum := func(key string, dst *uint64) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		n, e := strconv.ParseUint(v, 10, 64)
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = n
	}
	flt := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		f, e := strconv.ParseFloat(v, 64)
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = f
	}

	str("FLVISION_CLIENT_ID", &c.ClientID)
	str("FLVISION_AGGREGATOR_ADDR", &c.AggregatorAddr)
	str("FLVISION_DATA_DIR", &c.DataDir)
	str("FLVISION_BACKBONE_PATH", &c.BackbonePath)
	str("FLVISION_CHECKPOINT_PATH", &c.CheckpointPath)
	num("FLVISION_EPOCHS", &c.Epochs)
	num("FLVISION_BATCH_SIZE", &c.BatchSize)
	num("FLVISION_WORKERS", &c.Workers)
	num64("FLVISION_SEED", &c.Seed)
	num("FLVISION_NUM_CLASSES", &c.NumClasses)
	num("FLVISION_IMAGE_SIZE", &c.ImageSize)
	num("FLVISION_EMBED_DIM", &c.EmbedDim)
	num("FLVISION_HIDDEN_DIM", &c.HiddenDim)
	flt("FLVISION_DROPOUT", &c.Dropout)
	flt("FLVISION_LEARNING_RATE", &c.LearningRate)
	flt("FLVISION_WEIGHT_DECAY", &c.WeightDecay)
	flt("FLVISION_CLIP_NORM", &c.ClipNorm)
	num("FLVISION_PLATEAU_PATIENCE", &c.PlateauPatience)
	flt("FLVISION_PLATEAU_FACTOR", &c.PlateauFactor)
	flt("FLVISION_LR_FLOOR", &c.LRFloor)
	str("FLVISION_DEVICE", &c.Device)
	unum("FLVISION_MEMORY_BUDGET_BYTES", &c.MemoryBudgetBytes)
	flt("FLVISION_MEMORY_FRACTION", &c.MemoryFraction)
	str("FLVISION_METRICS_ADDR", &c.MetricsAddr)
	str("FLVISION_LOG_LEVEL", &c.LogLevel)
	return err
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.AggregatorAddr == "" {
		return fmt.Errorf("aggregator_addr is required")
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("num_classes must be >= 2, got %d", c.NumClasses)
	}
	if c.ImageSize < 1 {
		return fmt.Errorf("image_size must be >= 1, got %d", c.ImageSize)
	}
	if c.EmbedDim < 1 {
		return fmt.Errorf("embed_dim must be >= 1, got %d", c.EmbedDim)
	}
	if c.HiddenDim < 1 {
		return fmt.Errorf("hidden_dim must be >= 1, got %d", c.HiddenDim)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1), got %g", c.Dropout)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0, got %g", c.WeightDecay)
	}
	if c.ClipNorm <= 0 {
		return fmt.Errorf("clip_norm must be > 0, got %g", c.ClipNorm)
	}
	if c.PlateauPatience < 1 {
		return fmt.Errorf("plateau_patience must be >= 1, got %d", c.PlateauPatience)
	}
	if c.PlateauFactor <= 0 || c.PlateauFactor >= 1 {
		return fmt.Errorf("plateau_factor must be in (0,1), got %g", c.PlateauFactor)
	}
	if c.LRFloor <= 0 || c.LRFloor > c.LearningRate {
		return fmt.Errorf("lr_floor must be in (0, learning_rate], got %g", c.LRFloor)
	}
	if c.MemoryFraction <= 0 || c.MemoryFraction > 1 {
		return fmt.Errorf("memory_fraction must be in (0,1], got %g", c.MemoryFraction)
	}
	return nil
}
