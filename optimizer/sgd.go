package optimizer

import (
	"fmt"

	"github.com/tsawler/selftrain/tensor"
)

// SGDOptimizer implements stochastic gradient descent with optional
// momentum and L2 weight decay.
type SGDOptimizer struct {
	learningRate float64
	momentum     float64
	weightDecay  float64

	params          []*tensor.Parameter
	momentumBuffers [][]float32
}

// NewSGD creates an SGD optimizer over the given parameters. Momentum
// buffers are allocated lazily on the first step.
func NewSGD(cfg Config, params []*tensor.Parameter) *SGDOptimizer {
	return &SGDOptimizer{
		learningRate: cfg.LearningRate,
		momentum:     cfg.Momentum,
		weightDecay:  cfg.WeightDecay,
		params:       params,
	}
}

// ZeroGrad clears the gradients of all managed parameters.
func (o *SGDOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one SGD update:
//
//	g = grad + weightDecay*w
//	buf = momentum*buf + g  (if momentum > 0)
//	w = w - lr*buf
func (o *SGDOptimizer) Step() error {
	if o.momentum > 0 && o.momentumBuffers == nil {
		o.momentumBuffers = make([][]float32, len(o.params))
		for i, p := range o.params {
			o.momentumBuffers[i] = make([]float32, p.Data.NumElems)
		}
	}

	for i, p := range o.params {
		weights, err := p.Data.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
		grads, err := p.Grad.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter %s gradient: %v", p.Name, err)
		}

		lr := float32(o.learningRate)
		wd := float32(o.weightDecay)
		mu := float32(o.momentum)

		for j := range weights {
			g := grads[j] + wd*weights[j]

			if o.momentum > 0 {
				buf := o.momentumBuffers[i]
				buf[j] = mu*buf[j] + g
				g = buf[j]
			}

			weights[j] -= lr * g
		}
	}

	return nil
}

// SetLearningRate replaces the current learning rate.
func (o *SGDOptimizer) SetLearningRate(lr float64) {
	o.learningRate = lr
}

// LearningRate returns the current learning rate.
func (o *SGDOptimizer) LearningRate() float64 {
	return o.learningRate
}
