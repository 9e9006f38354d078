package tensor

import (
	"fmt"
)

// Parameter is a trainable model tensor together with its accumulated
// gradient. The gradient tensor always has the same shape as the value.
type Parameter struct {
	Name string
	Data *Tensor
	Grad *Tensor
}

// NewParameter creates a parameter with a zeroed gradient of matching shape.
func NewParameter(name string, data *Tensor) (*Parameter, error) {
	if data.DType != Float32 {
		return nil, fmt.Errorf("parameter %s: only Float32 parameters are supported, got %s", name, data.DType)
	}

	grad, err := Zeros(data.Shape, Float32)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: failed to allocate gradient: %v", name, err)
	}

	return &Parameter{
		Name: name,
		Data: data,
		Grad: grad,
	}, nil
}

// ZeroGrad clears the accumulated gradient in place.
func (p *Parameter) ZeroGrad() {
	grad := p.Grad.Data.([]float32)
	for i := range grad {
		grad[i] = 0
	}
}

// CopyDataFrom overwrites the parameter value with src, which must have the
// same shape. The gradient is left untouched.
func (p *Parameter) CopyDataFrom(src *Tensor) error {
	if !p.Data.ShapeEquals(src) {
		return fmt.Errorf("parameter %s: shape mismatch: have %v, got %v", p.Name, p.Data.Shape, src.Shape)
	}
	srcData, err := src.Float32Data()
	if err != nil {
		return fmt.Errorf("parameter %s: %v", p.Name, err)
	}
	dst := p.Data.Data.([]float32)
	copy(dst, srcData)
	return nil
}
