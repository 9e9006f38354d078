package training

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/selftrain/checkpoints"
	"github.com/tsawler/selftrain/optimizer"
)

// TrainingMode selects which driver runs. It is chosen once at startup;
// the drivers themselves carry no mode branching.
type TrainingMode string

const (
	ModeSupervised     TrainingMode = "supervised"
	ModeSemiSupervised TrainingMode = "semi-supervised"
	ModeGMM            TrainingMode = "gmm"
)

// DriverConfig holds the epoch-level run configuration.
type DriverConfig struct {
	Epochs                 int
	CheckpointSaveInterval int
	// PseudoLabelBatches bounds each pseudo-label generation pass.
	// Relabeling only a prefix of the pool each epoch is a deliberate
	// cost/quality trade-off.
	PseudoLabelBatches int
}

// driverState is the self-training state machine.
type driverState int

const (
	stateRunning driverState = iota
	stateLabelFrozen
	stateDone
)

// driverBase carries what both drivers share: the per-epoch tail
// (step-wise LR schedule, periodic checkpoints) and run close-out.
type driverBase struct {
	model     Model
	trainer   *EpochTrainer
	evaluator *Evaluator
	data      DataSource
	opt       optimizer.Optimizer
	sched     *MultiStepLRScheduler
	store     *checkpoints.Store
	runLogger *RunLogger
	logger    *slog.Logger
	cfg       DriverConfig
}

func (d *driverBase) validate() error {
	if d.cfg.Epochs <= 0 {
		return fmt.Errorf("epoch count must be positive, got %d", d.cfg.Epochs)
	}
	return nil
}

// epochTail advances the step-wise LR schedule and writes a periodic
// checkpoint. The milestone decay multiplies the optimizer's current
// rate so it composes with any plateau reduction made during the epoch.
func (d *driverBase) epochTail(epoch int) error {
	if d.sched != nil && d.sched.IsMilestone(epoch+1) {
		next := d.opt.LearningRate() * d.sched.Gamma
		d.opt.SetLearningRate(next)
		d.logger.Info("learning rate decayed at milestone",
			slog.Int("epoch", epoch+1),
			slog.Float64("learning_rate", next),
		)
	}

	if d.store != nil && d.cfg.CheckpointSaveInterval > 0 && epoch%d.cfg.CheckpointSaveInterval == 0 {
		if err := d.store.Save(d.model.Parameters(), epoch); err != nil {
			return fmt.Errorf("checkpoint save failed at epoch %d: %v", epoch, err)
		}
		d.logger.Info("saved checkpoint", slog.String("path", d.store.Path(epoch)))
	}

	return nil
}

// closeOut flushes the run log and reports the final summary. Safe to
// call more than once; only the first call writes.
func (d *driverBase) closeOut(start time.Time) error {
	best := d.evaluator.Best()

	if d.runLogger != nil {
		d.runLogger.Log().AppendNote(fmt.Sprintf("best test performance: epoch %d accuracy %.1f%%",
			best.BestEpoch, best.BestAccuracy))
		if err := d.runLogger.Close(); err != nil {
			return err
		}
	}

	d.logger.Info("run complete",
		slog.Int("best_epoch", best.BestEpoch),
		slog.Float64("best_test_accuracy", best.BestAccuracy),
		slog.Duration("total", time.Since(start)),
	)

	return nil
}

// SupervisedDriver trains on the originally-labeled data only.
type SupervisedDriver struct {
	driverBase
}

// NewSupervisedDriver creates the fully supervised driver. Scheduler,
// store and run logger may be nil when not configured.
func NewSupervisedDriver(
	model Model,
	trainer *EpochTrainer,
	evaluator *Evaluator,
	data DataSource,
	opt optimizer.Optimizer,
	sched *MultiStepLRScheduler,
	store *checkpoints.Store,
	runLogger *RunLogger,
	logger *slog.Logger,
	cfg DriverConfig,
) (*SupervisedDriver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &SupervisedDriver{driverBase: driverBase{
		model:     model,
		trainer:   trainer,
		evaluator: evaluator,
		data:      data,
		opt:       opt,
		sched:     sched,
		store:     store,
		runLogger: runLogger,
		logger:    logger,
		cfg:       cfg,
	}}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Run trains for the configured number of epochs, evaluating on the test
// stream after each.
func (d *SupervisedDriver) Run() (err error) {
	start := time.Now()
	defer func() {
		if closeErr := d.closeOut(start); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for epoch := 1; epoch <= d.cfg.Epochs; epoch++ {
		epochStart := time.Now()

		if err := d.trainer.TrainEpoch(epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		if _, _, err := d.evaluator.Evaluate(d.data.TestLoader(), SplitTest, epoch, 0, true); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		if err := d.epochTail(epoch); err != nil {
			return err
		}

		d.logger.Info("epoch complete",
			slog.Int("epoch", epoch),
			slog.Duration("duration", time.Since(epochStart)),
		)
	}

	return nil
}

// SelfTrainingDriver alternates supervised training on a growing labeled
// set with pseudo-label inference over the unlabeled pool. Once the data
// source raises its stop flag the label set freezes: no further rebuilds
// or generation passes, but training continues to the epoch budget.
type SelfTrainingDriver struct {
	driverBase

	generator   *PseudoLabelGenerator
	predictions PredictionSet
	state       driverState
}

// NewSelfTrainingDriver creates the semi-supervised driver.
func NewSelfTrainingDriver(
	model Model,
	trainer *EpochTrainer,
	evaluator *Evaluator,
	generator *PseudoLabelGenerator,
	data DataSource,
	opt optimizer.Optimizer,
	sched *MultiStepLRScheduler,
	store *checkpoints.Store,
	runLogger *RunLogger,
	logger *slog.Logger,
	cfg DriverConfig,
) (*SelfTrainingDriver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PseudoLabelBatches <= 0 {
		cfg.PseudoLabelBatches = 4
	}

	d := &SelfTrainingDriver{
		driverBase: driverBase{
			model:     model,
			trainer:   trainer,
			evaluator: evaluator,
			data:      data,
			opt:       opt,
			sched:     sched,
			store:     store,
			runLogger: runLogger,
			logger:    logger,
			cfg:       cfg,
		},
		generator: generator,
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// freezeIfStopped latches the label-frozen state when the data source
// reports the stop flag. The latch is one-way: once frozen the driver
// never relabels again, whatever the flag does later.
func (d *SelfTrainingDriver) freezeIfStopped() {
	if d.state == stateRunning && d.data.StopLabelGeneration() {
		d.state = stateLabelFrozen
		d.logger.Info("label generation stopped; labeled set frozen")
	}
}

// Run executes the self-training loop. Each epoch while labels are not
// frozen: rebuild the labeled set from the current predictions, train,
// evaluate on test, regenerate predictions; then advance the LR schedule
// and checkpoint periodically.
func (d *SelfTrainingDriver) Run() (err error) {
	start := time.Now()
	d.state = stateRunning
	defer func() {
		if closeErr := d.closeOut(start); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for epoch := 1; epoch <= d.cfg.Epochs; epoch++ {
		epochStart := time.Now()

		d.freezeIfStopped()
		if d.state == stateRunning {
			if err := d.data.RebuildLabeledSet(d.predictions.Indices, d.predictions.Labels); err != nil {
				return fmt.Errorf("epoch %d: failed to rebuild labeled set: %v", epoch, err)
			}
		}

		if err := d.trainer.TrainEpoch(epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		if _, _, err := d.evaluator.Evaluate(d.data.TestLoader(), SplitTest, epoch, 0, true); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		// The rebuild above may have covered the whole pool, so check
		// again before generating.
		d.freezeIfStopped()
		if d.state == stateRunning {
			predictions, err := d.generator.Generate(d.data.UnsupervisedTrainLoader(), epoch, d.cfg.PseudoLabelBatches, true)
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			d.predictions = predictions
		}

		if err := d.epochTail(epoch); err != nil {
			return err
		}

		d.logger.Info("epoch complete",
			slog.Int("epoch", epoch),
			slog.Int("pseudo_labels", d.predictions.Len()),
			slog.Duration("duration", time.Since(epochStart)),
		)
	}

	d.state = stateDone
	return nil
}
