package training

import (
	"fmt"

	"github.com/tsawler/selftrain/dataset"
	"github.com/tsawler/selftrain/tensor"
)

// stubModel predicts class int(firstPixel) mod classes for every example,
// emitting one-hot scores. It records mode switches and backward calls so
// tests can assert on inference-only behavior.
type stubModel struct {
	classes       int
	mode          string
	params        []*tensor.Parameter
	backwardCalls int
}

func newStubModel(classes int) *stubModel {
	return &stubModel{classes: classes, mode: "train"}
}

func (m *stubModel) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	data, err := images.Float32Data()
	if err != nil {
		return nil, nil, err
	}

	n := images.Shape[0]
	per := images.NumElems / n
	scores := make([]float32, n*m.classes)
	for i := 0; i < n; i++ {
		cls := int(data[i*per]) % m.classes
		if cls < 0 {
			cls = 0
		}
		scores[i*m.classes+cls] = 1.0
	}

	out, err := tensor.NewTensor([]int{n, m.classes}, tensor.Float32, scores)
	if err != nil {
		return nil, nil, err
	}
	return out, out, nil
}

func (m *stubModel) Backward(gradLogits *tensor.Tensor) error {
	if m.mode != "train" {
		return fmt.Errorf("backward called in %s mode", m.mode)
	}
	m.backwardCalls++
	return nil
}

func (m *stubModel) Train() { m.mode = "train" }
func (m *stubModel) Eval()  { m.mode = "eval" }

func (m *stubModel) Parameters() []*tensor.Parameter { return m.params }

// stubStream replays a fixed batch sequence. failOnReset, when positive,
// makes Next fail during that reset cycle (1-based).
type stubStream struct {
	batches     []*dataset.Batch
	pos         int
	resets      int
	failOnReset int
}

func (s *stubStream) Reset() {
	s.pos = 0
	s.resets++
}

func (s *stubStream) Next() (*dataset.Batch, error) {
	if s.failOnReset > 0 && s.resets == s.failOnReset {
		return nil, fmt.Errorf("stream failure injected")
	}
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *stubStream) Len() int { return len(s.batches) }

func (s *stubStream) NumExamples() int {
	total := 0
	for _, b := range s.batches {
		total += b.Size()
	}
	return total
}

// makeBatch builds a [n, 1] image batch where each example's single pixel
// carries the given value, paired with indices startIdx..startIdx+n-1.
func makeBatch(startIdx int, values []float32, targets []int32) *dataset.Batch {
	n := len(values)
	data := make([]float32, n)
	copy(data, values)

	images, err := tensor.NewTensor([]int{n, 1}, tensor.Float32, data)
	if err != nil {
		panic(err)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = startIdx + i
	}

	return &dataset.Batch{Images: images, Targets: targets, Indices: indices}
}

// correctBatch makes a batch the stub model classifies perfectly.
func correctBatch(startIdx, n int, class int32) *dataset.Batch {
	values := make([]float32, n)
	targets := make([]int32, n)
	for i := range values {
		values[i] = float32(class)
		targets[i] = class
	}
	return makeBatch(startIdx, values, targets)
}

// wrongBatch makes a batch the stub model gets entirely wrong.
func wrongBatch(startIdx, n int, class, target int32) *dataset.Batch {
	values := make([]float32, n)
	targets := make([]int32, n)
	for i := range values {
		values[i] = float32(class)
		targets[i] = target
	}
	return makeBatch(startIdx, values, targets)
}

// stubSource hands out fixed streams and records rebuild calls. stopFn,
// when set, supplies the stop flag; it defaults to false.
type stubSource struct {
	train, val, test, unsup BatchStream

	stopFn     func() bool
	rebuildErr error

	trainCalls     int
	rebuiltIndices [][]int
	rebuiltLabels  [][]int32
}

func (s *stubSource) TrainLoader() BatchStream {
	s.trainCalls++
	return s.train
}

func (s *stubSource) ValLoader() BatchStream               { return s.val }
func (s *stubSource) TestLoader() BatchStream              { return s.test }
func (s *stubSource) UnsupervisedTrainLoader() BatchStream { return s.unsup }

func (s *stubSource) StopLabelGeneration() bool {
	if s.stopFn != nil {
		return s.stopFn()
	}
	return false
}

func (s *stubSource) RebuildLabeledSet(indices []int, labels []int32) error {
	if s.rebuildErr != nil {
		return s.rebuildErr
	}
	idx := make([]int, len(indices))
	copy(idx, indices)
	lbl := make([]int32, len(labels))
	copy(lbl, labels)
	s.rebuiltIndices = append(s.rebuiltIndices, idx)
	s.rebuiltLabels = append(s.rebuiltLabels, lbl)
	return nil
}
