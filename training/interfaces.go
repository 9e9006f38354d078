package training

import (
	"errors"

	"github.com/tsawler/selftrain/dataset"
	"github.com/tsawler/selftrain/tensor"
)

// ErrEmptyStream is returned when metrics are finalized without having
// observed a single example. It indicates a misconfigured data source and
// is fatal: callers must not retry.
var ErrEmptyStream = errors.New("no examples observed in stream")

// Model is the classifier under training. Forward maps a batch of images
// to (class scores, unnormalized logits); argmax over the scores is the
// predicted label, the logits feed the cross-entropy loss. Train and Eval
// toggle training-mode behavior; in eval mode Forward must not mutate
// parameters and Backward is unavailable.
type Model interface {
	Forward(images *tensor.Tensor) (scores, logits *tensor.Tensor, err error)
	Backward(gradLogits *tensor.Tensor) error
	Train()
	Eval()
	Parameters() []*tensor.Parameter
}

// BatchStream is a restartable finite sequence of batches. Next returns
// nil once the pass is exhausted; Reset starts a new pass.
type BatchStream interface {
	Reset()
	Next() (*dataset.Batch, error)
	Len() int
	NumExamples() int
}

// DataSource is the data-loading collaborator. It owns the
// labeled/unlabeled partition and the stop flag for pseudo-label
// generation.
type DataSource interface {
	TrainLoader() BatchStream
	ValLoader() BatchStream
	TestLoader() BatchStream
	UnsupervisedTrainLoader() BatchStream

	// StopLabelGeneration reports whether the driver should stop
	// regenerating pseudo-labels. Read once per epoch.
	StopLabelGeneration() bool

	// RebuildLabeledSet reconstitutes the labeled training stream from a
	// prediction set. Empty sequences are valid and mean no
	// pseudo-labels yet.
	RebuildLabeledSet(indices []int, labels []int32) error
}

// sourceAdapter lifts a *dataset.Source into the DataSource interface.
type sourceAdapter struct {
	src *dataset.Source
}

// NewDataSource wraps a dataset source for use by the trainers.
func NewDataSource(src *dataset.Source) DataSource {
	return &sourceAdapter{src: src}
}

func (a *sourceAdapter) TrainLoader() BatchStream { return a.src.TrainLoader() }
func (a *sourceAdapter) ValLoader() BatchStream   { return a.src.ValLoader() }
func (a *sourceAdapter) TestLoader() BatchStream  { return a.src.TestLoader() }

func (a *sourceAdapter) UnsupervisedTrainLoader() BatchStream {
	// An empty unlabeled pool has no loader; return an untyped nil so
	// callers can compare against nil directly.
	if loader := a.src.UnsupervisedTrainLoader(); loader != nil {
		return loader
	}
	return nil
}

func (a *sourceAdapter) StopLabelGeneration() bool {
	return a.src.StopLabelGeneration()
}

func (a *sourceAdapter) RebuildLabeledSet(indices []int, labels []int32) error {
	return a.src.RebuildLabeledSet(indices, labels)
}
