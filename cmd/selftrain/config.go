package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrDeviceUnavailable is returned when a compute device other than the
// CPU is requested. This build runs entirely on the CPU.
var ErrDeviceUnavailable = errors.New("compute device unavailable")

// ErrMissingCheckpoint is returned when evaluation is requested without a
// checkpoint to restore from.
var ErrMissingCheckpoint = errors.New("no checkpoint to evaluate")

// config carries every knob the drivers and collaborators read. Values
// come from the environment (optionally a .env file) and can be
// overridden by flags.
type config struct {
	Experiment string `env:"SELFTRAIN_EXPERIMENT" envDefault:"selftrain"`
	LogDir     string `env:"SELFTRAIN_LOG_DIR" envDefault:"logs"`
	LogLevel   string `env:"SELFTRAIN_LOG_LEVEL" envDefault:"info"`
	Device     string `env:"SELFTRAIN_DEVICE" envDefault:"cpu"`
	Seed       int64  `env:"SELFTRAIN_SEED" envDefault:"1"`

	Epochs        int `env:"SELFTRAIN_EPOCHS" envDefault:"10"`
	BatchSize     int `env:"SELFTRAIN_BATCH_SIZE" envDefault:"32"`
	EvalBatchSize int `env:"SELFTRAIN_EVAL_BATCH_SIZE" envDefault:"64"`

	// NumLabeled is the label budget; zero means fully supervised.
	NumLabeled int `env:"SELFTRAIN_NUM_LABELED" envDefault:"0"`

	Optimizer    string  `env:"SELFTRAIN_OPTIMIZER" envDefault:"sgd"`
	LearningRate float64 `env:"SELFTRAIN_LEARNING_RATE" envDefault:"0.1"`
	Momentum     float64 `env:"SELFTRAIN_MOMENTUM" envDefault:"0.9"`
	WeightDecay  float64 `env:"SELFTRAIN_WEIGHT_DECAY" envDefault:"0"`

	Milestones []int   `env:"SELFTRAIN_LR_MILESTONES" envSeparator:","`
	Gamma      float64 `env:"SELFTRAIN_LR_GAMMA" envDefault:"0.1"`

	Plateau         bool    `env:"SELFTRAIN_PLATEAU" envDefault:"false"`
	PlateauFactor   float64 `env:"SELFTRAIN_PLATEAU_FACTOR" envDefault:"0.1"`
	PlateauPatience int     `env:"SELFTRAIN_PLATEAU_PATIENCE" envDefault:"10"`
	PlateauCooldown int     `env:"SELFTRAIN_PLATEAU_COOLDOWN" envDefault:"0"`
	PlateauMinLR    float64 `env:"SELFTRAIN_PLATEAU_MIN_LR" envDefault:"0"`

	LogInterval        int `env:"SELFTRAIN_LOG_INTERVAL" envDefault:"10"`
	CheckpointInterval int `env:"SELFTRAIN_CHECKPOINT_INTERVAL" envDefault:"5"`
	PseudoLabelBatches int `env:"SELFTRAIN_PSEUDO_LABEL_BATCHES" envDefault:"4"`

	TrainExamples int     `env:"SELFTRAIN_TRAIN_EXAMPLES" envDefault:"2000"`
	ValExamples   int     `env:"SELFTRAIN_VAL_EXAMPLES" envDefault:"400"`
	TestExamples  int     `env:"SELFTRAIN_TEST_EXAMPLES" envDefault:"400"`
	ImageSize     int     `env:"SELFTRAIN_IMAGE_SIZE" envDefault:"28"`
	NumClasses    int     `env:"SELFTRAIN_NUM_CLASSES" envDefault:"10"`
	Noise         float64 `env:"SELFTRAIN_NOISE" envDefault:"0.3"`

	HiddenSize int     `env:"SELFTRAIN_HIDDEN_SIZE" envDefault:"128"`
	Dropout    float64 `env:"SELFTRAIN_DROPOUT" envDefault:"0.2"`

	GMMMaxIter int `env:"SELFTRAIN_GMM_MAX_ITER" envDefault:"100"`
}

// loadConfig reads an optional .env file and the process environment.
func loadConfig() (*config, error) {
	// A missing .env file is fine; variables may come from the
	// environment directly.
	_ = godotenv.Load()

	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %v", err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.Device != "cpu" {
		return fmt.Errorf("%w: %q", ErrDeviceUnavailable, c.Device)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("class count must be positive, got %d", c.NumClasses)
	}
	return nil
}

// newLogger builds the JSON logger at the configured level.
func (c *config) newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
