package optimizer

import (
	"errors"
	"fmt"

	"github.com/tsawler/selftrain/tensor"
)

// ErrUnknownKind is returned when a configuration names an optimizer this
// package does not implement.
var ErrUnknownKind = errors.New("unknown optimizer kind")

// Kind selects the optimizer implementation.
type Kind string

const (
	SGD  Kind = "sgd"
	Adam Kind = "adam"
)

// Config holds the optimizer configuration shared by all kinds. Momentum
// only applies to SGD.
type Config struct {
	Kind         Kind
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()

	// Step applies one update using the current gradients.
	Step() error

	// SetLearningRate replaces the current learning rate. Used by the LR
	// schedulers.
	SetLearningRate(lr float64)

	// LearningRate returns the current learning rate.
	LearningRate() float64
}

// New constructs the optimizer named by the configuration over the given
// parameters. An unknown kind is a configuration error, surfaced before
// any training occurs.
func New(cfg Config, params []*tensor.Parameter) (Optimizer, error) {
	switch cfg.Kind {
	case SGD:
		return NewSGD(cfg, params), nil
	case Adam:
		return NewAdam(cfg, params), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
