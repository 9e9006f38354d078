package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/selftrain/tensor"
)

// Batch holds one batch of images with targets and the base dataset
// position of every example. Positions identify examples across epochs
// regardless of shuffling.
type Batch struct {
	Images  *tensor.Tensor
	Targets []int32
	Indices []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Targets)
}

// Loader yields batches over a fixed set of base dataset positions.
// Label overrides replace the dataset's own label for selected positions,
// which is how pseudo-labels enter the training stream.
type Loader struct {
	dataset   Dataset
	indices   []int
	overrides map[int]int32
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	position  int
}

// NewLoader creates a loader over the given base positions. A nil indices
// slice means the whole dataset. Overrides may be nil.
func NewLoader(ds Dataset, indices []int, overrides map[int]int32, batchSize int, shuffle bool, rng *rand.Rand) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	if indices == nil {
		indices = make([]int, ds.Len())
		for i := range indices {
			indices[i] = i
		}
	} else {
		owned := make([]int, len(indices))
		copy(owned, indices)
		indices = owned
	}

	return &Loader{
		dataset:   ds,
		indices:   indices,
		overrides: overrides,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
	}, nil
}

// Len returns the number of batches in one pass.
func (l *Loader) Len() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// NumExamples returns the number of examples in one pass.
func (l *Loader) NumExamples() int {
	return len(l.indices)
}

// Reset rewinds the loader for a new pass, reshuffling if configured.
func (l *Loader) Reset() {
	l.position = 0

	if l.shuffle {
		for i := len(l.indices) - 1; i > 0; i-- {
			j := l.rng.Intn(i + 1)
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		}
	}
}

// HasNext returns true if there are more batches in the current pass.
func (l *Loader) HasNext() bool {
	return l.position < len(l.indices)
}

// Next returns the next batch, or nil once the pass is complete.
func (l *Loader) Next() (*Batch, error) {
	if l.position >= len(l.indices) {
		return nil, nil
	}

	batchEnd := l.position + l.batchSize
	if batchEnd > len(l.indices) {
		batchEnd = len(l.indices)
	}

	batchIndices := l.indices[l.position:batchEnd]
	l.position = batchEnd

	return l.loadBatch(batchIndices)
}

// loadBatch assembles sample tensors into one batched tensor of shape
// [batch, sample...].
func (l *Loader) loadBatch(indices []int) (*Batch, error) {
	first, _, err := l.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	batchShape := append([]int{len(indices)}, first.Shape...)
	images, err := tensor.Zeros(batchShape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tensor: %v", err)
	}

	batchData := images.Data.([]float32)
	sampleSize := first.NumElems

	targets := make([]int32, len(indices))
	positions := make([]int, len(indices))

	for i, idx := range indices {
		image, label, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}

		sampleData, err := image.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %v", idx, err)
		}
		if len(sampleData) != sampleSize {
			return nil, fmt.Errorf("sample %d size mismatch: expected %d elements, got %d", idx, sampleSize, len(sampleData))
		}
		copy(batchData[i*sampleSize:(i+1)*sampleSize], sampleData)

		if override, ok := l.overrides[idx]; ok {
			label = override
		}
		targets[i] = label
		positions[i] = idx
	}

	return &Batch{
		Images:  images,
		Targets: targets,
		Indices: positions,
	}, nil
}
