package training

import (
	"fmt"
	"math"

	"github.com/tsawler/selftrain/tensor"
)

// CrossEntropyLoss computes softmax cross-entropy between unnormalized
// logits and integer class targets.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a cross-entropy loss with the given
// reduction. An empty reduction defaults to "mean".
func NewCrossEntropyLoss(reduction string) (*CrossEntropyLoss, error) {
	if reduction == "" {
		reduction = "mean"
	}
	if reduction != "mean" && reduction != "sum" {
		return nil, fmt.Errorf("unsupported reduction %q: must be mean or sum", reduction)
	}
	return &CrossEntropyLoss{reduction: reduction}, nil
}

// Forward computes the loss for [batch, classes] logits against targets.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int32) (float64, error) {
	batchSize, numClasses, err := ce.checkShapes(logits, targets)
	if err != nil {
		return 0, err
	}

	probs, err := softmaxRows(logits)
	if err != nil {
		return 0, err
	}

	var totalLoss float64
	for i := 0; i < batchSize; i++ {
		targetClass := targets[i]
		if targetClass < 0 || int(targetClass) >= numClasses {
			return 0, fmt.Errorf("target class %d out of range [0, %d)", targetClass, numClasses)
		}

		prob := probs[i*numClasses+int(targetClass)]
		// Clamp to avoid log(0)
		if prob < 1e-10 {
			prob = 1e-10
		}
		totalLoss += -math.Log(float64(prob))
	}

	if ce.reduction == "mean" {
		totalLoss /= float64(batchSize)
	}

	return totalLoss, nil
}

// Backward computes the loss gradient with respect to the logits:
// softmax(logits) minus one at the target class, scaled by the reduction.
func (ce *CrossEntropyLoss) Backward(logits *tensor.Tensor, targets []int32) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.checkShapes(logits, targets)
	if err != nil {
		return nil, err
	}

	grad, err := softmaxRows(logits)
	if err != nil {
		return nil, err
	}

	for i := 0; i < batchSize; i++ {
		targetClass := targets[i]
		if targetClass < 0 || int(targetClass) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", targetClass, numClasses)
		}
		grad[i*numClasses+int(targetClass)] -= 1.0
	}

	if ce.reduction == "mean" {
		scale := float32(1.0 / float64(batchSize))
		for i := range grad {
			grad[i] *= scale
		}
	}

	return tensor.NewTensor(logits.Shape, tensor.Float32, grad)
}

func (ce *CrossEntropyLoss) checkShapes(logits *tensor.Tensor, targets []int32) (batchSize, numClasses int, err error) {
	if logits.DType != tensor.Float32 {
		return 0, 0, fmt.Errorf("logits must be Float32, got %s", logits.DType)
	}
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}

	batchSize = logits.Shape[0]
	numClasses = logits.Shape[1]

	if len(targets) != batchSize {
		return 0, 0, fmt.Errorf("batch size mismatch: logits %d, targets %d", batchSize, len(targets))
	}

	return batchSize, numClasses, nil
}

// softmaxRows applies a numerically stable softmax to each row,
// returning a fresh slice.
func softmaxRows(logits *tensor.Tensor) ([]float32, error) {
	data, err := logits.Float32Data()
	if err != nil {
		return nil, err
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]
	result := make([]float32, len(data))

	for i := 0; i < batchSize; i++ {
		offset := i * numClasses

		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float32
		for j := 0; j < numClasses; j++ {
			exp := float32(math.Exp(float64(data[offset+j] - maxVal)))
			result[offset+j] = exp
			sum += exp
		}

		for j := 0; j < numClasses; j++ {
			result[offset+j] /= sum
		}
	}

	return result, nil
}
