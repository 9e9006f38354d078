package dataset

import (
	"fmt"
	"math/rand"
)

// SourceConfig controls how a Source partitions and batches its data.
type SourceConfig struct {
	// NumLabeled is the label budget: how many training examples keep
	// their true labels. The remainder form the unlabeled pool. Zero or
	// a value >= the training set size means fully supervised.
	NumLabeled    int
	BatchSize     int
	EvalBatchSize int
	Shuffle       bool
	Seed          int64
}

// Source owns the labeled/unlabeled partition of the training data and
// exposes the four batch streams the trainers consume. It implements the
// data side of self-training: RebuildLabeledSet folds the latest
// pseudo-labels into the labeled stream, and StopLabelGeneration reports
// when the unlabeled pool has been fully covered.
type Source struct {
	train Dataset
	val   Dataset
	test  Dataset

	cfg SourceConfig
	rng *rand.Rand

	labeledIdx   []int
	unlabeledIdx []int
	unlabeledSet map[int]bool

	trainLoader *Loader
	valLoader   *Loader
	testLoader  *Loader
	unsupLoader *Loader

	stopLabelGeneration bool
}

// NewSource partitions the training set under the configured label budget
// and builds the four loaders. The partition is drawn once with the
// configured seed and is stable for the lifetime of the source.
func NewSource(train, val, test Dataset, cfg SourceConfig) (*Source, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("training dataset is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	positions := make([]int, train.Len())
	for i := range positions {
		positions[i] = i
	}
	rng.Shuffle(len(positions), func(i, j int) {
		positions[i], positions[j] = positions[j], positions[i]
	})

	numLabeled := cfg.NumLabeled
	if numLabeled <= 0 || numLabeled > train.Len() {
		numLabeled = train.Len()
	}

	s := &Source{
		train:        train,
		val:          val,
		test:         test,
		cfg:          cfg,
		rng:          rng,
		labeledIdx:   positions[:numLabeled],
		unlabeledIdx: positions[numLabeled:],
		unlabeledSet: make(map[int]bool, train.Len()-numLabeled),
	}
	for _, idx := range s.unlabeledIdx {
		s.unlabeledSet[idx] = true
	}

	// An empty unlabeled pool leaves nothing to pseudo-label.
	if len(s.unlabeledIdx) == 0 {
		s.stopLabelGeneration = true
	}

	var err error
	s.valLoader, err = NewLoader(val, nil, nil, cfg.EvalBatchSize, false, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build validation loader: %v", err)
	}
	s.testLoader, err = NewLoader(test, nil, nil, cfg.EvalBatchSize, false, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build test loader: %v", err)
	}
	if len(s.unlabeledIdx) > 0 {
		s.unsupLoader, err = NewLoader(train, s.unlabeledIdx, nil, cfg.BatchSize, cfg.Shuffle, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to build unsupervised loader: %v", err)
		}
	}

	if err := s.RebuildLabeledSet(nil, nil); err != nil {
		return nil, err
	}

	return s, nil
}

// TrainLoader returns the current labeled training stream.
func (s *Source) TrainLoader() *Loader { return s.trainLoader }

// ValLoader returns the validation stream.
func (s *Source) ValLoader() *Loader { return s.valLoader }

// TestLoader returns the test stream.
func (s *Source) TestLoader() *Loader { return s.testLoader }

// UnsupervisedTrainLoader returns the unlabeled pool stream, or nil when
// the pool is empty.
func (s *Source) UnsupervisedTrainLoader() *Loader { return s.unsupLoader }

// StopLabelGeneration reports whether pseudo-label generation should stop.
func (s *Source) StopLabelGeneration() bool { return s.stopLabelGeneration }

// RebuildLabeledSet reconstitutes the labeled training stream from the
// originally-labeled examples plus the given pseudo-labels. Calling it
// with empty sequences is valid and means no pseudo-labels yet. Indices
// must lie in the unlabeled pool; the latest label wins for duplicates.
// Once the pseudo set covers the whole pool the stop flag is raised.
func (s *Source) RebuildLabeledSet(indices []int, labels []int32) error {
	if len(indices) != len(labels) {
		return fmt.Errorf("indices and labels must have the same length: got %d and %d", len(indices), len(labels))
	}

	overrides := make(map[int]int32, len(indices))
	for i, idx := range indices {
		if !s.unlabeledSet[idx] {
			return fmt.Errorf("index %d is not in the unlabeled pool", idx)
		}
		overrides[idx] = labels[i]
	}

	trainIndices := make([]int, 0, len(s.labeledIdx)+len(overrides))
	trainIndices = append(trainIndices, s.labeledIdx...)
	for _, idx := range s.unlabeledIdx {
		if _, ok := overrides[idx]; ok {
			trainIndices = append(trainIndices, idx)
		}
	}

	loader, err := NewLoader(s.train, trainIndices, overrides, s.cfg.BatchSize, s.cfg.Shuffle, s.rng)
	if err != nil {
		return fmt.Errorf("failed to rebuild labeled loader: %v", err)
	}
	s.trainLoader = loader

	if len(s.unlabeledIdx) > 0 && len(overrides) == len(s.unlabeledIdx) {
		s.stopLabelGeneration = true
	}

	return nil
}
