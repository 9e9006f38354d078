package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/selftrain/tensor"
)

// MLPConfig configures the classifier.
type MLPConfig struct {
	InputSize  int
	HiddenSize int
	NumClasses int
	Dropout    float64 // drop probability after the hidden activation, train mode only
	Seed       int64
}

// MLP is a two-layer fully connected classifier:
// flatten -> Dense -> ReLU -> (Dropout) -> Dense. Forward returns class
// probabilities alongside the unnormalized logits; the probabilities feed
// argmax prediction, the logits feed the cross-entropy loss.
type MLP struct {
	cfg MLPConfig

	w1 *tensor.Parameter // [input, hidden]
	b1 *tensor.Parameter // [hidden]
	w2 *tensor.Parameter // [hidden, classes]
	b2 *tensor.Parameter // [classes]

	training bool
	rng      *rand.Rand

	// Forward-pass cache for the backward pass.
	lastInput  []float32 // flattened [batch, input]
	lastHidden []float32 // post-activation (and dropout) [batch, hidden]
	lastMask   []float32 // dropout scale per hidden unit, nil in eval mode
	lastBatch  int
}

// NewMLP creates an MLP with He-initialized weights.
func NewMLP(cfg MLPConfig) (*MLP, error) {
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("input, hidden and class sizes must be positive: got %d, %d, %d",
			cfg.InputSize, cfg.HiddenSize, cfg.NumClasses)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %f", cfg.Dropout)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	w1, err := randomParameter("fc1.weight", []int{cfg.InputSize, cfg.HiddenSize}, cfg.InputSize, rng)
	if err != nil {
		return nil, err
	}
	b1, err := zeroParameter("fc1.bias", []int{cfg.HiddenSize})
	if err != nil {
		return nil, err
	}
	w2, err := randomParameter("fc2.weight", []int{cfg.HiddenSize, cfg.NumClasses}, cfg.HiddenSize, rng)
	if err != nil {
		return nil, err
	}
	b2, err := zeroParameter("fc2.bias", []int{cfg.NumClasses})
	if err != nil {
		return nil, err
	}

	return &MLP{
		cfg: cfg,
		w1:  w1,
		b1:  b1,
		w2:  w2,
		b2:  b2,
		rng: rng,
	}, nil
}

func randomParameter(name string, shape []int, fanIn int, rng *rand.Rand) (*tensor.Parameter, error) {
	numElems := 1
	for _, dim := range shape {
		numElems *= dim
	}

	scale := float32(math.Sqrt(2.0 / float64(fanIn)))
	data := make([]float32, numElems)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * scale
	}

	values, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %v", name, err)
	}
	return tensor.NewParameter(name, values)
}

func zeroParameter(name string, shape []int) (*tensor.Parameter, error) {
	values, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %v", name, err)
	}
	return tensor.NewParameter(name, values)
}

// Train enables training mode (gradient caching, dropout active).
func (m *MLP) Train() {
	m.training = true
}

// Eval enables inference mode: the forward pass is deterministic and
// side-effect free with respect to parameters.
func (m *MLP) Eval() {
	m.training = false
}

// Parameters returns the trainable parameters in a stable order.
func (m *MLP) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.w1, m.b1, m.w2, m.b2}
}

// LoadParameters copies parameter values into the model, matched by
// name. Every model parameter must be present with a matching shape.
func (m *MLP) LoadParameters(params []*tensor.Parameter) error {
	byName := make(map[string]*tensor.Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	for _, own := range m.Parameters() {
		src, ok := byName[own.Name]
		if !ok {
			return fmt.Errorf("missing parameter %s", own.Name)
		}
		if err := own.CopyDataFrom(src.Data); err != nil {
			return fmt.Errorf("failed to load %s: %v", own.Name, err)
		}
	}
	return nil
}

// Forward runs the classifier over a batch of images with shape
// [batch, ...]; trailing dimensions are flattened and must multiply to
// the configured input size.
func (m *MLP) Forward(images *tensor.Tensor) (scores, logits *tensor.Tensor, err error) {
	if len(images.Shape) < 2 {
		return nil, nil, fmt.Errorf("expected batched input, got shape %v", images.Shape)
	}

	batchSize := images.Shape[0]
	sampleSize := images.NumElems / batchSize
	if sampleSize != m.cfg.InputSize {
		return nil, nil, fmt.Errorf("input size mismatch: model expects %d features, batch has %d", m.cfg.InputSize, sampleSize)
	}

	input, err := images.Float32Data()
	if err != nil {
		return nil, nil, err
	}

	hidden := m.cfg.HiddenSize
	classes := m.cfg.NumClasses

	w1 := m.w1.Data.Data.([]float32)
	b1 := m.b1.Data.Data.([]float32)
	w2 := m.w2.Data.Data.([]float32)
	b2 := m.b2.Data.Data.([]float32)

	// Dense 1 + ReLU
	h := make([]float32, batchSize*hidden)
	for n := 0; n < batchSize; n++ {
		for j := 0; j < hidden; j++ {
			sum := b1[j]
			for k := 0; k < m.cfg.InputSize; k++ {
				sum += input[n*m.cfg.InputSize+k] * w1[k*hidden+j]
			}
			if sum < 0 {
				sum = 0
			}
			h[n*hidden+j] = sum
		}
	}

	// Inverted dropout, train mode only
	var mask []float32
	if m.training && m.cfg.Dropout > 0 {
		keep := float32(1.0 - m.cfg.Dropout)
		mask = make([]float32, len(h))
		for i := range h {
			if m.rng.Float64() < m.cfg.Dropout {
				mask[i] = 0
			} else {
				mask[i] = 1.0 / keep
			}
			h[i] *= mask[i]
		}
	}

	// Dense 2
	logitData := make([]float32, batchSize*classes)
	for n := 0; n < batchSize; n++ {
		for j := 0; j < classes; j++ {
			sum := b2[j]
			for k := 0; k < hidden; k++ {
				sum += h[n*hidden+k] * w2[k*classes+j]
			}
			logitData[n*classes+j] = sum
		}
	}

	if m.training {
		flat := make([]float32, len(input))
		copy(flat, input)
		m.lastInput = flat
		m.lastHidden = h
		m.lastMask = mask
		m.lastBatch = batchSize
	}

	logits, err = tensor.NewTensor([]int{batchSize, classes}, tensor.Float32, logitData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logits tensor: %v", err)
	}

	scoreData := softmax(logitData, batchSize, classes)
	scores, err = tensor.NewTensor([]int{batchSize, classes}, tensor.Float32, scoreData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scores tensor: %v", err)
	}

	return scores, logits, nil
}

// Backward accumulates parameter gradients from the loss gradient with
// respect to the logits. Requires a preceding train-mode Forward call.
func (m *MLP) Backward(gradLogits *tensor.Tensor) error {
	if m.lastInput == nil {
		return fmt.Errorf("backward called without a train-mode forward pass")
	}

	grad, err := gradLogits.Float32Data()
	if err != nil {
		return err
	}

	batchSize := m.lastBatch
	hidden := m.cfg.HiddenSize
	classes := m.cfg.NumClasses
	inputSize := m.cfg.InputSize

	if len(grad) != batchSize*classes {
		return fmt.Errorf("gradient size mismatch: expected %d elements, got %d", batchSize*classes, len(grad))
	}

	w2 := m.w2.Data.Data.([]float32)
	gw1 := m.w1.Grad.Data.([]float32)
	gb1 := m.b1.Grad.Data.([]float32)
	gw2 := m.w2.Grad.Data.([]float32)
	gb2 := m.b2.Grad.Data.([]float32)

	// Dense 2 gradients
	for n := 0; n < batchSize; n++ {
		for j := 0; j < classes; j++ {
			g := grad[n*classes+j]
			gb2[j] += g
			for k := 0; k < hidden; k++ {
				gw2[k*classes+j] += m.lastHidden[n*hidden+k] * g
			}
		}
	}

	// Backprop into hidden: through Dense 2, dropout, and ReLU.
	dh := make([]float32, batchSize*hidden)
	for n := 0; n < batchSize; n++ {
		for k := 0; k < hidden; k++ {
			var sum float32
			for j := 0; j < classes; j++ {
				sum += grad[n*classes+j] * w2[k*classes+j]
			}
			if m.lastMask != nil {
				sum *= m.lastMask[n*hidden+k]
			}
			// ReLU gradient: the cached activation is zero where the
			// unit was inactive (or dropped), which zeroes sum below.
			if m.lastHidden[n*hidden+k] <= 0 {
				sum = 0
			}
			dh[n*hidden+k] = sum
		}
	}

	// Dense 1 gradients
	for n := 0; n < batchSize; n++ {
		for k := 0; k < hidden; k++ {
			g := dh[n*hidden+k]
			if g == 0 {
				continue
			}
			gb1[k] += g
			for i := 0; i < inputSize; i++ {
				gw1[i*hidden+k] += m.lastInput[n*inputSize+i] * g
			}
		}
	}

	return nil
}

func softmax(logits []float32, batchSize, classes int) []float32 {
	result := make([]float32, len(logits))

	for n := 0; n < batchSize; n++ {
		offset := n * classes

		maxVal := logits[offset]
		for j := 1; j < classes; j++ {
			if logits[offset+j] > maxVal {
				maxVal = logits[offset+j]
			}
		}

		var sum float32
		for j := 0; j < classes; j++ {
			exp := float32(math.Exp(float64(logits[offset+j] - maxVal)))
			result[offset+j] = exp
			sum += exp
		}

		for j := 0; j < classes; j++ {
			result[offset+j] /= sum
		}
	}

	return result
}
