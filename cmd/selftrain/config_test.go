package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "selftrain", cfg.Experiment)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, 10, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 4, cfg.PseudoLabelBatches)
	assert.Empty(t, cfg.Milestones)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SELFTRAIN_EPOCHS", "25")
	t.Setenv("SELFTRAIN_LR_MILESTONES", "3,6,9")
	t.Setenv("SELFTRAIN_OPTIMIZER", "adam")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Epochs)
	assert.Equal(t, []int{3, 6, 9}, cfg.Milestones)
	assert.Equal(t, "adam", cfg.Optimizer)
}

func TestValidateRejectsNonCPUDevice(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	cfg.Device = "gpu"
	err = cfg.validate()
	assert.True(t, errors.Is(err, ErrDeviceUnavailable), "expected ErrDeviceUnavailable, got %v", err)
}

func TestValidateRejectsBadCounts(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	cfg.Epochs = 0
	assert.Error(t, cfg.validate())

	cfg, _ = loadConfig()
	cfg.BatchSize = -1
	assert.Error(t, cfg.validate())
}

func TestNewLoggerLevels(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg.LogLevel = level
		logger, err := cfg.newLogger()
		require.NoError(t, err, "level %s", level)
		assert.NotNil(t, logger)
	}

	cfg.LogLevel = "verbose"
	_, err = cfg.newLogger()
	assert.Error(t, err)
}

func TestRunEvaluationRequiresCheckpoint(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)

	err = runEvaluation(cfg, "", logger)
	assert.True(t, errors.Is(err, ErrMissingCheckpoint), "expected ErrMissingCheckpoint, got %v", err)

	err = runEvaluation(cfg, "does-not-exist.checkpoint", logger)
	assert.True(t, errors.Is(err, ErrMissingCheckpoint), "expected ErrMissingCheckpoint, got %v", err)
}
