package training

import (
	"fmt"
	"log/slog"
)

// Split names an evaluation stream.
type Split string

const (
	SplitVal  Split = "Val"
	SplitTest Split = "Test"
)

// BestRecord tracks the best test accuracy seen in a run. BestAccuracy is
// non-decreasing; ties prefer the later epoch.
type BestRecord struct {
	BestAccuracy float64
	BestEpoch    int
}

// Evaluator runs the model in inference mode over a batch stream and
// accumulates loss and accuracy. Test-split results feed the BestRecord.
type Evaluator struct {
	model     Model
	criterion *CrossEntropyLoss
	best      BestRecord
	logger    *slog.Logger
	runLog    *RunMetricsLog
}

// NewEvaluator creates an evaluator. The run log may be nil when no file
// logging is configured.
func NewEvaluator(model Model, logger *slog.Logger, runLog *RunMetricsLog) (*Evaluator, error) {
	criterion, err := NewCrossEntropyLoss("sum")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Evaluator{
		model:     model,
		criterion: criterion,
		logger:    logger,
		runLog:    runLog,
	}, nil
}

// Best returns the best test record so far.
func (e *Evaluator) Best() BestRecord {
	return e.best
}

// Evaluate runs one inference pass over the stream. nBatches caps how
// many batches are consumed; zero means a full pass. The stream must
// yield at least one example or the call fails with ErrEmptyStream.
//
// On the Test split, an accuracy greater than or equal to the best seen
// so far updates the BestRecord, so the most recent epoch wins ties.
// verbose controls reporting only, never the metrics themselves.
func (e *Evaluator) Evaluate(stream BatchStream, split Split, epoch int, nBatches int, verbose bool) (meanLoss, accuracy float64, err error) {
	e.model.Eval()
	stream.Reset()

	var metric RunningMetric
	consumed := 0

	for {
		batch, err := stream.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read %s batch: %v", split, err)
		}
		if batch == nil {
			break
		}

		scores, logits, err := e.model.Forward(batch.Images)
		if err != nil {
			return 0, 0, fmt.Errorf("%s forward pass failed: %v", split, err)
		}

		lossSum, err := e.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return 0, 0, fmt.Errorf("%s loss computation failed: %v", split, err)
		}

		predicted, err := argmaxPredictions(scores)
		if err != nil {
			return 0, 0, fmt.Errorf("%s prediction failed: %v", split, err)
		}

		if err := metric.Observe(predicted, batch.Targets, lossSum); err != nil {
			return 0, 0, err
		}

		consumed++
		if nBatches > 0 && consumed >= nBatches {
			break
		}
	}

	meanLoss, accuracy, err = metric.Finalize()
	if err != nil {
		return 0, 0, fmt.Errorf("%s evaluation: %w", split, err)
	}

	if split == SplitTest && accuracy >= e.best.BestAccuracy {
		e.best = BestRecord{BestAccuracy: accuracy, BestEpoch: epoch}
	}

	if verbose {
		e.logger.Info("evaluation complete",
			slog.String("split", string(split)),
			slog.Int("epoch", epoch),
			slog.Float64("loss", meanLoss),
			slog.Float64("accuracy", accuracy),
			slog.Int("correct", metric.Correct()),
			slog.Int("examples", metric.Examples()),
		)
		if split == SplitTest {
			e.logger.Info("best test performance",
				slog.Int("epoch", e.best.BestEpoch),
				slog.Float64("accuracy", e.best.BestAccuracy),
			)
			if e.runLog != nil {
				e.runLog.AppendTest(epoch, meanLoss, accuracy)
			}
		}
	}

	if split == SplitTest && e.runLog != nil {
		e.runLog.SetBest(e.best.BestEpoch, e.best.BestAccuracy)
	}

	return meanLoss, accuracy, nil
}
