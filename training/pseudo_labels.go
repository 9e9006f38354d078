package training

import (
	"fmt"
	"log/slog"
)

// PredictionSet is the current best guess of labels for the unlabeled
// pool: parallel index and label sequences of equal length. It is
// rebuilt wholesale on each generation pass; callers may rely on the
// index->label association but not on the ordering.
type PredictionSet struct {
	Indices []int
	Labels  []int32
}

// Len returns the number of predictions.
func (p PredictionSet) Len() int {
	return len(p.Indices)
}

// IsEmpty reports whether the set holds no predictions.
func (p PredictionSet) IsEmpty() bool {
	return len(p.Indices) == 0
}

// PseudoLabelGenerator runs the model over the unlabeled stream and
// collects predicted labels keyed by dataset position. The ground-truth
// labels riding along in the batches are used only to measure
// pseudo-label quality, never for training. The pass never mutates model
// parameters.
type PseudoLabelGenerator struct {
	model     Model
	criterion *CrossEntropyLoss
	logger    *slog.Logger
	runLog    *RunMetricsLog
}

// NewPseudoLabelGenerator creates a generator. The run log may be nil.
func NewPseudoLabelGenerator(model Model, logger *slog.Logger, runLog *RunMetricsLog) (*PseudoLabelGenerator, error) {
	criterion, err := NewCrossEntropyLoss("sum")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &PseudoLabelGenerator{
		model:     model,
		criterion: criterion,
		logger:    logger,
		runLog:    runLog,
	}, nil
}

// Generate runs one inference pass over the stream, returning predicted
// labels and their dataset positions. nBatches caps how many batches are
// consumed; zero means a full pass.
func (g *PseudoLabelGenerator) Generate(stream BatchStream, epoch int, nBatches int, verbose bool) (PredictionSet, error) {
	g.model.Eval()
	stream.Reset()

	var metric RunningMetric
	var predictions PredictionSet
	consumed := 0

	for {
		batch, err := stream.Next()
		if err != nil {
			return PredictionSet{}, fmt.Errorf("failed to read unlabeled batch: %v", err)
		}
		if batch == nil {
			break
		}

		scores, logits, err := g.model.Forward(batch.Images)
		if err != nil {
			return PredictionSet{}, fmt.Errorf("label generation forward pass failed: %v", err)
		}

		lossSum, err := g.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return PredictionSet{}, fmt.Errorf("label generation loss computation failed: %v", err)
		}

		predicted, err := argmaxPredictions(scores)
		if err != nil {
			return PredictionSet{}, fmt.Errorf("label generation prediction failed: %v", err)
		}

		if err := metric.Observe(predicted, batch.Targets, lossSum); err != nil {
			return PredictionSet{}, err
		}

		predictions.Indices = append(predictions.Indices, batch.Indices...)
		predictions.Labels = append(predictions.Labels, predicted...)

		consumed++
		if nBatches > 0 && consumed >= nBatches {
			break
		}
	}

	meanLoss, accuracy, err := metric.Finalize()
	if err != nil {
		return PredictionSet{}, fmt.Errorf("label generation: %w", err)
	}

	if verbose {
		g.logger.Info("pseudo-label generation complete",
			slog.Int("epoch", epoch),
			slog.Float64("loss", meanLoss),
			slog.Float64("accuracy", accuracy),
			slog.Int("correct", metric.Correct()),
			slog.Int("examples", metric.Examples()),
		)
		if g.runLog != nil {
			g.runLog.AppendSSL(epoch, meanLoss, accuracy, metric.Correct())
		}
	}

	return predictions, nil
}
