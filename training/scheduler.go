package training

import (
	"math"
	"sort"
)

// LRScheduler computes the learning rate for a given epoch as a pure
// function of the epoch number and base rate.
type LRScheduler interface {
	// GetLR returns the learning rate to use during the given epoch
	// (1-based). This is a pure function - no state modifications.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler reduces the learning rate by a fixed factor at
// each configured epoch milestone.
type MultiStepLRScheduler struct {
	Milestones []int   // Epochs at which the LR decays, ascending
	Gamma      float64 // Multiplicative factor of LR decay
}

// NewMultiStepLRScheduler creates a milestone-based scheduler.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}

	owned := make([]int, len(milestones))
	copy(owned, milestones)
	sort.Ints(owned)

	return &MultiStepLRScheduler{
		Milestones: owned,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	// Apply gamma once per milestone that has been reached
	times := 0
	for _, m := range s.Milestones {
		if m <= epoch {
			times++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(times))
}

// IsMilestone reports whether the given epoch is a decay milestone.
func (s *MultiStepLRScheduler) IsMilestone(epoch int) bool {
	for _, m := range s.Milestones {
		if m == epoch {
			return true
		}
	}
	return false
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ReduceLROnPlateauScheduler reduces the learning rate when a monitored
// loss has stopped improving. Unlike the milestone scheduler it is
// stateful: feed it the validation loss once per epoch via Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement before the LR is reduced
	Cooldown  int     // Epochs to wait after a reduction before counting again
	MinLR     float64 // Lower bound on the learning rate
	Threshold float64 // Threshold for measuring the new optimum

	// Internal state
	bestMetric  float64
	badEpochs   int
	cooldownCtr int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler.
func NewReduceLROnPlateauScheduler(factor float64, patience, cooldown int, minLR float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if cooldown < 0 {
		cooldown = 0
	}
	if minLR < 0 {
		minLR = 0
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Cooldown:  cooldown,
		MinLR:     minLR,
		Threshold: 1e-4,
	}
}

// Step consumes this epoch's monitored loss and returns the learning rate
// to use from now on, reduced if the loss has plateaued.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return currentLR
	}

	if metric < s.bestMetric-s.Threshold {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	// Cooldown suppresses the bad-epoch count entirely
	if s.cooldownCtr > 0 {
		s.cooldownCtr--
		s.badEpochs = 0
	}

	if s.badEpochs >= s.Patience {
		reduced := currentLR * s.Factor
		if reduced < s.MinLR {
			reduced = s.MinLR
		}
		s.badEpochs = 0
		s.cooldownCtr = s.Cooldown
		return reduced
	}

	return currentLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
