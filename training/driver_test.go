package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/selftrain/checkpoints"
	"github.com/tsawler/selftrain/dataset"
	"github.com/tsawler/selftrain/model"
	"github.com/tsawler/selftrain/optimizer"
	"github.com/tsawler/selftrain/tensor"
)

func newDriverSource() *stubSource {
	return &stubSource{
		train: &stubStream{batches: trainBatches(3)},
		val:   &stubStream{batches: []*dataset.Batch{correctBatch(0, 2, 1)}},
		test:  &stubStream{batches: []*dataset.Batch{correctBatch(0, 2, 1)}},
		unsup: &stubStream{batches: []*dataset.Batch{makeBatch(100, []float32{0, 2}, []int32{0, 2})}},
	}
}

func newDriverParts(t *testing.T, model *stubModel, src *stubSource) (*EpochTrainer, *Evaluator, *PseudoLabelGenerator, optimizer.Optimizer) {
	t.Helper()

	opt, err := optimizer.New(optimizer.Config{Kind: optimizer.SGD, LearningRate: 0.1}, model.Parameters())
	require.NoError(t, err)

	eval, err := NewEvaluator(model, nil, nil)
	require.NoError(t, err)

	trainer, err := NewEpochTrainer(model, opt, src, eval, nil, EpochTrainerConfig{}, nil, nil)
	require.NoError(t, err)

	gen, err := NewPseudoLabelGenerator(model, nil, nil)
	require.NoError(t, err)

	return trainer, eval, gen, opt
}

func TestSupervisedDriverRunsAllEpochs(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()
	trainer, eval, _, opt := newDriverParts(t, model, src)

	driver, err := NewSupervisedDriver(model, trainer, eval, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 3})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	assert.Equal(t, 3, src.trainCalls)
	assert.Equal(t, 9, trainer.Iterations())
	assert.Empty(t, src.rebuiltIndices, "supervised runs never rebuild the labeled set")
	assert.Equal(t, 0, src.unsup.(*stubStream).resets, "supervised runs never touch the unlabeled pool")
}

func TestDriverRejectsNonPositiveEpochs(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()
	trainer, eval, gen, opt := newDriverParts(t, model, src)

	_, err := NewSupervisedDriver(model, trainer, eval, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 0})
	assert.Error(t, err)

	_, err = NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: -1})
	assert.Error(t, err)
}

func TestSupervisedDriverCheckpointInterval(t *testing.T) {
	model := newStubModel(3)
	weight, err := tensor.NewTensor([]int{2}, tensor.Float32, []float32{1, 2})
	require.NoError(t, err)
	param, err := tensor.NewParameter("fc.weight", weight)
	require.NoError(t, err)
	model.params = []*tensor.Parameter{param}

	src := newDriverSource()
	trainer, eval, _, opt := newDriverParts(t, model, src)

	store, err := checkpoints.NewStore(t.TempDir(), "sup")
	require.NoError(t, err)

	driver, err := NewSupervisedDriver(model, trainer, eval, src, opt, nil, store, nil, nil,
		DriverConfig{Epochs: 12, CheckpointSaveInterval: 5})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	for _, epoch := range []int{5, 10} {
		_, err := os.Stat(store.Path(epoch))
		assert.NoError(t, err, "expected checkpoint at epoch %d", epoch)
	}
	for _, epoch := range []int{1, 4, 6, 12} {
		_, err := os.Stat(store.Path(epoch))
		assert.True(t, os.IsNotExist(err), "unexpected checkpoint at epoch %d", epoch)
	}
}

func TestSupervisedDriverMilestoneDecay(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()
	trainer, eval, _, opt := newDriverParts(t, model, src)

	sched := NewMultiStepLRScheduler([]int{3}, 0.1)
	driver, err := NewSupervisedDriver(model, trainer, eval, src, opt, sched, nil, nil, nil, DriverConfig{Epochs: 4})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	// The single milestone at epoch 3 decays once; later epochs keep the
	// reduced rate.
	assert.InDelta(t, 0.01, opt.LearningRate(), 1e-12)
}

func TestSupervisedDriverWritesRunLog(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()

	path := filepath.Join(t.TempDir(), "run.json")
	runLogger := NewRunLogger(path)

	opt, err := optimizer.New(optimizer.Config{Kind: optimizer.SGD, LearningRate: 0.1}, nil)
	require.NoError(t, err)
	eval, err := NewEvaluator(model, nil, runLogger.Log())
	require.NoError(t, err)
	trainer, err := NewEpochTrainer(model, opt, src, eval, nil, EpochTrainerConfig{}, nil, runLogger.Log())
	require.NoError(t, err)

	driver, err := NewSupervisedDriver(model, trainer, eval, src, opt, nil, nil, runLogger, nil, DriverConfig{Epochs: 2})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var back RunMetricsLog
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Len(t, back.TestAccuracy, 2)
	assert.Len(t, back.TrainLossPerEpoch, 2)
	assert.Len(t, back.Notes, 1, "close-out appends exactly one summary note")
	assert.Equal(t, 100.0, back.BestTestAccuracy)
}

func TestSupervisedDriverClosesRunLogOnFailure(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()
	// The training stream fails during its third pass, i.e. epoch 3.
	src.train.(*stubStream).failOnReset = 3

	path := filepath.Join(t.TempDir(), "run.json")
	runLogger := NewRunLogger(path)

	trainer, eval, _, opt := newDriverParts(t, model, src)
	driver, err := NewSupervisedDriver(model, trainer, eval, src, opt, nil, nil, runLogger, nil, DriverConfig{Epochs: 5})
	require.NoError(t, err)

	require.Error(t, driver.Run())

	// The run log is still flushed exactly once.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back RunMetricsLog
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Len(t, back.Notes, 1)
}

func TestSelfTrainingDriverRebuildAndGenerateEachEpoch(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()
	trainer, eval, gen, opt := newDriverParts(t, model, src)

	driver, err := NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 3})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	// Epoch 1 rebuilds with the empty initial set; later epochs carry
	// the previous epoch's predictions.
	require.Len(t, src.rebuiltIndices, 3)
	assert.Empty(t, src.rebuiltIndices[0])
	assert.Equal(t, []int{100, 101}, src.rebuiltIndices[1])
	assert.Equal(t, []int32{0, 2}, src.rebuiltLabels[1])
	assert.Equal(t, []int{100, 101}, src.rebuiltIndices[2])

	assert.Equal(t, 3, src.unsup.(*stubStream).resets, "one generation pass per epoch")
}

func TestSelfTrainingDriverFreezesOnStopFlag(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()

	// The flag rises after the second training pass: rebuilds happen at
	// epochs 1 and 2, generation only at epoch 1, and everything after
	// runs on the frozen labeled set.
	src.stopFn = func() bool { return src.trainCalls >= 2 }

	trainer, eval, gen, opt := newDriverParts(t, model, src)
	driver, err := NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 5})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	assert.Len(t, src.rebuiltIndices, 2)
	assert.Equal(t, 1, src.unsup.(*stubStream).resets)
	assert.Equal(t, 5, src.trainCalls, "training continues to the epoch budget after the freeze")
}

func TestSelfTrainingDriverFreezeIsLatched(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()

	// The flag flickers back to false after rising; the driver must not
	// resume relabeling.
	src.stopFn = func() bool { return src.trainCalls == 1 }

	trainer, eval, gen, opt := newDriverParts(t, model, src)
	driver, err := NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 4})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	assert.Len(t, src.rebuiltIndices, 1, "only the initial rebuild before the flag rose")
	assert.Equal(t, 0, src.unsup.(*stubStream).resets)
}

func TestSelfTrainingDriverStopAfterFirstEpoch(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()

	// The flag rises right after the first training pass. Only the
	// initial rebuild with the empty prediction set happens; no
	// generation pass ever runs.
	src.stopFn = func() bool { return src.trainCalls >= 1 }

	trainer, eval, gen, opt := newDriverParts(t, model, src)
	driver, err := NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 5})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	require.Len(t, src.rebuiltIndices, 1)
	assert.Empty(t, src.rebuiltIndices[0])
	assert.Equal(t, 0, src.unsup.(*stubStream).resets)
	assert.Equal(t, 5, src.trainCalls)
}

func TestCheckpointRoundTripReproducesEvaluation(t *testing.T) {
	trained, err := model.NewMLP(model.MLPConfig{InputSize: 1, HiddenSize: 8, NumClasses: 3, Seed: 1})
	require.NoError(t, err)

	stream := &stubStream{batches: []*dataset.Batch{
		makeBatch(0, []float32{0, 1, 2, 0}, []int32{0, 1, 2, 1}),
		makeBatch(4, []float32{1, 2}, []int32{1, 0}),
	}}

	eval, err := NewEvaluator(trained, nil, nil)
	require.NoError(t, err)
	wantLoss, wantAcc, err := eval.Evaluate(stream, SplitTest, 1, 0, false)
	require.NoError(t, err)

	store, err := checkpoints.NewStore(t.TempDir(), "roundtrip")
	require.NoError(t, err)
	require.NoError(t, store.Save(trained.Parameters(), 1))

	checkpoint, err := checkpoints.Load(store.Path(1))
	require.NoError(t, err)

	restored, err := model.NewMLP(model.MLPConfig{InputSize: 1, HiddenSize: 8, NumClasses: 3, Seed: 99})
	require.NoError(t, err)
	require.NoError(t, restored.LoadParameters(paramsFromCheckpoint(t, checkpoint)))

	restoredEval, err := NewEvaluator(restored, nil, nil)
	require.NoError(t, err)
	gotLoss, gotAcc, err := restoredEval.Evaluate(stream, SplitTest, 1, 0, false)
	require.NoError(t, err)

	assert.InDelta(t, wantLoss, gotLoss, 1e-6)
	assert.InDelta(t, wantAcc, gotAcc, 1e-6)
}

func paramsFromCheckpoint(t *testing.T, checkpoint *checkpoints.Checkpoint) []*tensor.Parameter {
	t.Helper()

	params := make([]*tensor.Parameter, 0, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		values, err := tensor.NewTensor(w.Shape, tensor.Float32, w.Data)
		require.NoError(t, err)
		param, err := tensor.NewParameter(w.Name, values)
		require.NoError(t, err)
		params = append(params, param)
	}
	return params
}

func TestSelfTrainingDriverFullySupervisedSource(t *testing.T) {
	model := newStubModel(3)
	src := newDriverSource()

	// A source with no unlabeled pool raises the flag from the start and
	// has no unsupervised stream at all.
	src.unsup = nil
	src.stopFn = func() bool { return true }

	trainer, eval, gen, opt := newDriverParts(t, model, src)
	driver, err := NewSelfTrainingDriver(model, trainer, eval, gen, src, opt, nil, nil, nil, nil, DriverConfig{Epochs: 3})
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	assert.Empty(t, src.rebuiltIndices)
	assert.Equal(t, 3, src.trainCalls)
}
