package dataset

import (
	"fmt"

	"github.com/tsawler/selftrain/tensor"
)

// Dataset is a finite collection of labelled images. Indices are stable:
// Get(i) always returns the same example for the lifetime of the dataset.
type Dataset interface {
	Len() int
	Get(idx int) (image *tensor.Tensor, label int32, err error)
}

// SliceDataset is an in-memory Dataset backed by parallel slices.
type SliceDataset struct {
	images []*tensor.Tensor
	labels []int32
}

// NewSliceDataset creates a dataset from parallel image and label slices.
func NewSliceDataset(images []*tensor.Tensor, labels []int32) (*SliceDataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("images and labels must have the same length: got %d and %d", len(images), len(labels))
	}
	return &SliceDataset{
		images: images,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset.
func (ds *SliceDataset) Len() int {
	return len(ds.images)
}

// Get returns the sample at the given index.
func (ds *SliceDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.labels[idx], nil
}

// Labels returns the full label slice. Used by the GMM baseline, which
// clusters the raw training data against known labels.
func (ds *SliceDataset) Labels() []int32 {
	return ds.labels
}
