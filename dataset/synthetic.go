package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/selftrain/tensor"
)

// SyntheticConfig describes a generated classification dataset: each
// class gets a random template image, and every example is its class
// template plus Gaussian pixel noise.
type SyntheticConfig struct {
	NumExamples int
	ImageSize   int // pixels per side, images are [size, size]
	NumClasses  int
	Noise       float64 // standard deviation of the per-pixel noise
	Seed        int64
}

// NewSynthetic generates an in-memory dataset of noisy class templates.
// Labels cycle through the classes so every class is equally represented.
func NewSynthetic(cfg SyntheticConfig) (*SliceDataset, error) {
	if cfg.NumExamples <= 0 || cfg.ImageSize <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("examples, image size and classes must be positive: got %d, %d, %d",
			cfg.NumExamples, cfg.ImageSize, cfg.NumClasses)
	}
	if cfg.Noise < 0 {
		return nil, fmt.Errorf("noise must be non-negative, got %f", cfg.Noise)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	pixels := cfg.ImageSize * cfg.ImageSize

	templates := make([][]float32, cfg.NumClasses)
	for c := range templates {
		template := make([]float32, pixels)
		for i := range template {
			template[i] = float32(rng.NormFloat64())
		}
		templates[c] = template
	}

	images := make([]*tensor.Tensor, cfg.NumExamples)
	labels := make([]int32, cfg.NumExamples)
	for i := 0; i < cfg.NumExamples; i++ {
		class := i % cfg.NumClasses
		data := make([]float32, pixels)
		for p := range data {
			data[p] = templates[class][p] + float32(rng.NormFloat64()*cfg.Noise)
		}

		image, err := tensor.NewTensor([]int{cfg.ImageSize, cfg.ImageSize}, tensor.Float32, data)
		if err != nil {
			return nil, fmt.Errorf("failed to build example %d: %v", i, err)
		}
		images[i] = image
		labels[i] = int32(class)
	}

	return NewSliceDataset(images, labels)
}
