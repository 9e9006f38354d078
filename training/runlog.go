package training

import (
	"encoding/json"
	"fmt"
	"os"
)

// ScalarPoint is one sample of a scalar time series, serialized as a
// [step, value] pair.
type ScalarPoint struct {
	Step  int
	Value float64
}

func (p ScalarPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(p.Step), p.Value})
}

func (p *ScalarPoint) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Step = int(pair[0])
	p.Value = pair[1]
	return nil
}

// RunMetricsLog is the per-run record of training curves and summary
// fields, serialized once at the end of the run.
type RunMetricsLog struct {
	TrainLossPerIter    []ScalarPoint `json:"train_loss_per_iter"`
	TrainLossPerEpoch   []ScalarPoint `json:"train_loss_per_epoch"`
	ValLossPerIter      []ScalarPoint `json:"val_loss_per_iter"`
	ValLossPerEpoch     []ScalarPoint `json:"val_loss_per_epoch"`
	ValAccuracyPerIter  []ScalarPoint `json:"val_accuracy_per_iter"`
	ValAccuracyPerEpoch []ScalarPoint `json:"val_accuracy_per_epoch"`
	TestLoss            []ScalarPoint `json:"test_loss"`
	TestAccuracy        []ScalarPoint `json:"test_accuracy"`
	BestEpoch           int           `json:"best_epoch"`
	BestTestAccuracy    float64       `json:"best_test_accuracy"`
	SSLLoss             []ScalarPoint `json:"ssl_loss"`
	SSLAccuracy         []ScalarPoint `json:"ssl_accuracy"`
	SSLCorrect          []ScalarPoint `json:"ssl_correct"`
	Notes               []string      `json:"notes"`
}

// NewRunMetricsLog creates a log with empty (not nil) series so the JSON
// record always carries every field.
func NewRunMetricsLog() *RunMetricsLog {
	return &RunMetricsLog{
		TrainLossPerIter:    []ScalarPoint{},
		TrainLossPerEpoch:   []ScalarPoint{},
		ValLossPerIter:      []ScalarPoint{},
		ValLossPerEpoch:     []ScalarPoint{},
		ValAccuracyPerIter:  []ScalarPoint{},
		ValAccuracyPerEpoch: []ScalarPoint{},
		TestLoss:            []ScalarPoint{},
		TestAccuracy:        []ScalarPoint{},
		SSLLoss:             []ScalarPoint{},
		SSLAccuracy:         []ScalarPoint{},
		SSLCorrect:          []ScalarPoint{},
		Notes:               []string{},
	}
}

// AppendTrainIter records per-iteration training progress.
func (l *RunMetricsLog) AppendTrainIter(iter int, trainLoss, valLoss, valAcc float64) {
	l.TrainLossPerIter = append(l.TrainLossPerIter, ScalarPoint{iter, trainLoss})
	l.ValLossPerIter = append(l.ValLossPerIter, ScalarPoint{iter, valLoss})
	l.ValAccuracyPerIter = append(l.ValAccuracyPerIter, ScalarPoint{iter, valAcc})
}

// AppendTrainEpoch records end-of-epoch training metrics.
func (l *RunMetricsLog) AppendTrainEpoch(epoch int, trainLoss, valLoss, valAcc float64) {
	l.TrainLossPerEpoch = append(l.TrainLossPerEpoch, ScalarPoint{epoch, trainLoss})
	l.ValLossPerEpoch = append(l.ValLossPerEpoch, ScalarPoint{epoch, valLoss})
	l.ValAccuracyPerEpoch = append(l.ValAccuracyPerEpoch, ScalarPoint{epoch, valAcc})
}

// AppendTest records a test evaluation.
func (l *RunMetricsLog) AppendTest(epoch int, loss, acc float64) {
	l.TestLoss = append(l.TestLoss, ScalarPoint{epoch, loss})
	l.TestAccuracy = append(l.TestAccuracy, ScalarPoint{epoch, acc})
}

// SetBest records the best test result seen so far.
func (l *RunMetricsLog) SetBest(epoch int, acc float64) {
	l.BestEpoch = epoch
	l.BestTestAccuracy = acc
}

// AppendSSL records pseudo-label quality diagnostics.
func (l *RunMetricsLog) AppendSSL(epoch int, loss, acc float64, correct int) {
	l.SSLLoss = append(l.SSLLoss, ScalarPoint{epoch, loss})
	l.SSLAccuracy = append(l.SSLAccuracy, ScalarPoint{epoch, acc})
	l.SSLCorrect = append(l.SSLCorrect, ScalarPoint{epoch, float64(correct)})
}

// AppendNote records a free-text note.
func (l *RunMetricsLog) AppendNote(note string) {
	l.Notes = append(l.Notes, note)
}

// RunLogger owns a RunMetricsLog and persists it to a JSON file exactly
// once on Close, no matter how many times Close is called.
type RunLogger struct {
	path   string
	log    *RunMetricsLog
	closed bool
}

// NewRunLogger creates a logger that will write to the given path.
func NewRunLogger(path string) *RunLogger {
	return &RunLogger{
		path: path,
		log:  NewRunMetricsLog(),
	}
}

// Log returns the mutable metrics record.
func (r *RunLogger) Log() *RunMetricsLog {
	return r.log
}

// Close writes the record to disk. Idempotent: only the first call
// writes. A write failure is fatal to the run.
func (r *RunLogger) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to create run log %s: %v", r.path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.log); err != nil {
		return fmt.Errorf("failed to encode run log %s: %v", r.path, err)
	}

	return nil
}
