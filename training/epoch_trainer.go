package training

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/selftrain/optimizer"
)

// EpochTrainerConfig controls progress reporting during an epoch.
type EpochTrainerConfig struct {
	// LogInterval is the number of batches between validation probes.
	LogInterval int
	// ProbeBatches bounds each mid-epoch validation probe. Probes are
	// for visibility only and never touch the best-test record.
	ProbeBatches int
}

// EpochTrainer runs single training passes over the labeled stream. It
// owns the global iteration counter, which increases monotonically
// across the whole run and is never reset between epochs.
type EpochTrainer struct {
	model     Model
	opt       optimizer.Optimizer
	criterion *CrossEntropyLoss
	evaluator *Evaluator
	data      DataSource
	reducer   *ReduceLROnPlateauScheduler
	cfg       EpochTrainerConfig
	logger    *slog.Logger
	runLog    *RunMetricsLog

	iter int
}

// NewEpochTrainer creates a trainer. The plateau reducer and run log may
// be nil when not configured.
func NewEpochTrainer(
	model Model,
	opt optimizer.Optimizer,
	data DataSource,
	evaluator *Evaluator,
	reducer *ReduceLROnPlateauScheduler,
	cfg EpochTrainerConfig,
	logger *slog.Logger,
	runLog *RunMetricsLog,
) (*EpochTrainer, error) {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10
	}
	if cfg.ProbeBatches <= 0 {
		cfg.ProbeBatches = 4
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	criterion, err := NewCrossEntropyLoss("mean")
	if err != nil {
		return nil, err
	}

	return &EpochTrainer{
		model:     model,
		opt:       opt,
		criterion: criterion,
		evaluator: evaluator,
		data:      data,
		reducer:   reducer,
		cfg:       cfg,
		logger:    logger,
		runLog:    runLog,
	}, nil
}

// Iterations returns the global iteration count so far.
func (t *EpochTrainer) Iterations() int {
	return t.iter
}

// TrainEpoch runs one pass over the labeled training stream, updating
// model parameters batch by batch. Every LogInterval batches a bounded
// validation probe reports progress. At epoch end, if a plateau reducer
// is configured, a full validation pass feeds it and the optimizer's
// learning rate is updated accordingly.
func (t *EpochTrainer) TrainEpoch(epoch int) error {
	stream := t.data.TrainLoader()
	stream.Reset()

	totalBatches := stream.Len()
	totalExamples := stream.NumExamples()

	var trainLoss, valLoss, valAcc float64
	batchIdx := 0
	examplesSeen := 0

	for {
		batch, err := stream.Next()
		if err != nil {
			return fmt.Errorf("failed to read training batch: %v", err)
		}
		if batch == nil {
			break
		}

		t.model.Train()
		t.opt.ZeroGrad()
		t.iter++

		_, logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return fmt.Errorf("training forward pass failed: %v", err)
		}

		trainLoss, err = t.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return fmt.Errorf("training loss computation failed: %v", err)
		}

		gradLogits, err := t.criterion.Backward(logits, batch.Targets)
		if err != nil {
			return fmt.Errorf("loss backward failed: %v", err)
		}
		if err := t.model.Backward(gradLogits); err != nil {
			return fmt.Errorf("model backward failed: %v", err)
		}

		if err := t.opt.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %v", err)
		}

		if batchIdx%t.cfg.LogInterval == 0 {
			valLoss, valAcc, err = t.evaluator.Evaluate(t.data.ValLoader(), SplitVal, epoch, t.cfg.ProbeBatches, false)
			if err != nil {
				return fmt.Errorf("validation probe failed: %w", err)
			}

			if t.runLog != nil {
				t.runLog.AppendTrainIter(t.iter, trainLoss, valLoss, valAcc)
			}

			progress := 0.0
			if totalBatches > 0 {
				progress = 100.0 * float64(batchIdx) / float64(totalBatches)
			}
			t.logger.Info("training progress",
				slog.Int("epoch", epoch),
				slog.Int("iter", t.iter),
				slog.Int("examples", examplesSeen),
				slog.Int("total_examples", totalExamples),
				slog.Float64("percent", progress),
				slog.Float64("train_loss", trainLoss),
				slog.Float64("val_loss", valLoss),
				slog.Float64("val_accuracy", valAcc),
			)
		}

		examplesSeen += batch.Size()
		batchIdx++
	}

	if batchIdx == 0 {
		return fmt.Errorf("training epoch %d: %w", epoch, ErrEmptyStream)
	}

	if t.reducer != nil {
		var err error
		valLoss, valAcc, err = t.evaluator.Evaluate(t.data.ValLoader(), SplitVal, epoch, 0, false)
		if err != nil {
			return fmt.Errorf("plateau validation pass failed: %w", err)
		}

		newLR := t.reducer.Step(valLoss, t.opt.LearningRate())
		if newLR != t.opt.LearningRate() {
			t.logger.Info("plateau reducer shrinking learning rate",
				slog.Int("epoch", epoch),
				slog.Float64("learning_rate", newLR),
			)
			t.opt.SetLearningRate(newLR)
		}
	}

	if t.runLog != nil {
		t.runLog.AppendTrainEpoch(epoch, trainLoss, valLoss, valAcc)
	}

	return nil
}
