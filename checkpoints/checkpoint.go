package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/selftrain/tensor"
)

// WeightTensor is a serialized model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// CheckpointMetadata describes when and by what a checkpoint was written.
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the full serialized model state at one epoch.
type Checkpoint struct {
	Experiment string             `json:"experiment"`
	Epoch      int                `json:"epoch"`
	Weights    []WeightTensor     `json:"weights"`
	Metadata   CheckpointMetadata `json:"metadata"`
}

// Store writes and reads epoch checkpoints under a log directory. Paths
// are deterministic: {logdir}/{experiment}_epoch{N}.checkpoint.
type Store struct {
	logDir     string
	experiment string
}

// NewStore creates the log directory if needed.
func NewStore(logDir, experiment string) (*Store, error) {
	if experiment == "" {
		return nil, fmt.Errorf("experiment name must not be empty")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %v", logDir, err)
	}
	return &Store{
		logDir:     logDir,
		experiment: experiment,
	}, nil
}

// Path returns the checkpoint path for the given epoch.
func (s *Store) Path(epoch int) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%s_epoch%d.checkpoint", s.experiment, epoch))
}

// Save persists the given parameters for the given epoch. A write failure
// is fatal to the caller: training state diverging from persisted state is
// worse than stopping.
func (s *Store) Save(params []*tensor.Parameter, epoch int) error {
	checkpoint := &Checkpoint{
		Experiment: s.experiment,
		Epoch:      epoch,
		Weights:    ExtractWeights(params),
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "selftrain",
			CreatedAt: time.Now(),
		},
	}

	path := s.Path(epoch)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file %s: %v", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %v", path, err)
	}

	return nil
}

// Load reads a checkpoint from an arbitrary path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file %s: %v", path, err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %v", path, err)
	}

	return &checkpoint, nil
}

// ExtractWeights copies parameter values into serializable form.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := p.Data.Data.([]float32)
		owned := make([]float32, len(data))
		copy(owned, data)

		shape := make([]int, len(p.Data.Shape))
		copy(shape, p.Data.Shape)

		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  owned,
		})
	}
	return weights
}

// LoadWeightsInto restores checkpoint weights into model parameters,
// matched by name. Every parameter must be present with a matching shape.
func LoadWeightsInto(checkpoint *Checkpoint, params []*tensor.Parameter) error {
	byName := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		weight, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
		}

		src, err := tensor.NewTensor(weight.Shape, tensor.Float32, weight.Data)
		if err != nil {
			return fmt.Errorf("checkpoint parameter %s: %v", p.Name, err)
		}
		if err := p.CopyDataFrom(src); err != nil {
			return fmt.Errorf("failed to restore parameter %s: %v", p.Name, err)
		}
	}

	return nil
}
