package training

import (
	"fmt"

	"github.com/tsawler/selftrain/tensor"
)

// RunningMetric accumulates sum-reduced loss and correct-prediction
// counts over a stream of batches. Loss must be summed, not averaged,
// so batches of different sizes combine without bias. Finalizing before
// any example has been observed is an error: callers must guard with a
// non-empty stream.
type RunningMetric struct {
	summedLoss   float64
	correctCount int
	exampleCount int
}

// Observe accumulates one batch of predictions against true labels,
// together with the batch's sum-reduced loss.
func (m *RunningMetric) Observe(predicted, targets []int32, batchLossSum float64) error {
	if len(predicted) != len(targets) {
		return fmt.Errorf("predicted and target lengths differ: %d vs %d", len(predicted), len(targets))
	}

	m.summedLoss += batchLossSum
	m.exampleCount += len(predicted)
	for i := range predicted {
		if predicted[i] == targets[i] {
			m.correctCount++
		}
	}

	return nil
}

// Finalize returns the mean loss and accuracy percentage over everything
// observed so far. Returns ErrEmptyStream if no examples were observed.
func (m *RunningMetric) Finalize() (meanLoss, accuracyPercent float64, err error) {
	if m.exampleCount == 0 {
		return 0, 0, ErrEmptyStream
	}

	meanLoss = m.summedLoss / float64(m.exampleCount)
	accuracyPercent = 100.0 * float64(m.correctCount) / float64(m.exampleCount)
	return meanLoss, accuracyPercent, nil
}

// Correct returns the number of correct predictions observed.
func (m *RunningMetric) Correct() int {
	return m.correctCount
}

// Examples returns the number of examples observed.
func (m *RunningMetric) Examples() int {
	return m.exampleCount
}

// Reset clears all accumulated state.
func (m *RunningMetric) Reset() {
	m.summedLoss = 0
	m.correctCount = 0
	m.exampleCount = 0
}

// argmaxPredictions extracts the predicted class per example from a
// [batch, classes] score tensor.
func argmaxPredictions(scores *tensor.Tensor) ([]int32, error) {
	if len(scores.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D score tensor [batch, classes], got shape %v", scores.Shape)
	}

	data, err := scores.Float32Data()
	if err != nil {
		return nil, err
	}

	batchSize := scores.Shape[0]
	numClasses := scores.Shape[1]

	predictions := make([]int32, batchSize)
	for i := 0; i < batchSize; i++ {
		maxIdx := 0
		maxVal := data[i*numClasses]
		for j := 1; j < numClasses; j++ {
			if data[i*numClasses+j] > maxVal {
				maxVal = data[i*numClasses+j]
				maxIdx = j
			}
		}
		predictions[i] = int32(maxIdx)
	}

	return predictions, nil
}
