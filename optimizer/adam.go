package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/selftrain/tensor"
)

// AdamOptimizer implements the Adam update rule with bias correction and
// optional L2 weight decay.
type AdamOptimizer struct {
	learningRate float64
	weightDecay  float64
	beta1        float64
	beta2        float64
	epsilon      float64

	params    []*tensor.Parameter
	m         [][]float32 // first moment estimates
	v         [][]float32 // second moment estimates
	stepCount uint64
}

// NewAdam creates an Adam optimizer with the standard beta1=0.9,
// beta2=0.999, epsilon=1e-8 hyperparameters.
func NewAdam(cfg Config, params []*tensor.Parameter) *AdamOptimizer {
	m := make([][]float32, len(params))
	v := make([][]float32, len(params))
	for i, p := range params {
		m[i] = make([]float32, p.Data.NumElems)
		v[i] = make([]float32, p.Data.NumElems)
	}

	return &AdamOptimizer{
		learningRate: cfg.LearningRate,
		weightDecay:  cfg.WeightDecay,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		params:       params,
		m:            m,
		v:            v,
	}
}

// ZeroGrad clears the gradients of all managed parameters.
func (o *AdamOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update with bias-corrected moment estimates.
func (o *AdamOptimizer) Step() error {
	o.stepCount++

	biasCorr1 := 1.0 - math.Pow(o.beta1, float64(o.stepCount))
	biasCorr2 := 1.0 - math.Pow(o.beta2, float64(o.stepCount))

	for i, p := range o.params {
		weights, err := p.Data.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
		grads, err := p.Grad.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter %s gradient: %v", p.Name, err)
		}

		for j := range weights {
			g := float64(grads[j]) + o.weightDecay*float64(weights[j])

			mj := o.beta1*float64(o.m[i][j]) + (1-o.beta1)*g
			vj := o.beta2*float64(o.v[i][j]) + (1-o.beta2)*g*g
			o.m[i][j] = float32(mj)
			o.v[i][j] = float32(vj)

			mHat := mj / biasCorr1
			vHat := vj / biasCorr2

			weights[j] -= float32(o.learningRate * mHat / (math.Sqrt(vHat) + o.epsilon))
		}
	}

	return nil
}

// SetLearningRate replaces the current learning rate.
func (o *AdamOptimizer) SetLearningRate(lr float64) {
	o.learningRate = lr
}

// LearningRate returns the current learning rate.
func (o *AdamOptimizer) LearningRate() float64 {
	return o.learningRate
}
