package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/selftrain/dataset"
	"github.com/tsawler/selftrain/gmm"
)

// flatten turns a dataset into a design matrix, one flattened image per
// row, with its label vector.
func flatten(ds *dataset.SliceDataset) (*mat.Dense, []int32, error) {
	n := ds.Len()
	if n == 0 {
		return nil, nil, fmt.Errorf("dataset is empty")
	}

	first, _, err := ds.Get(0)
	if err != nil {
		return nil, nil, err
	}
	d := first.NumElems

	data := mat.NewDense(n, d, nil)
	labels := make([]int32, n)
	row := make([]float64, d)
	for i := 0; i < n; i++ {
		image, label, err := ds.Get(i)
		if err != nil {
			return nil, nil, err
		}
		pixels, err := image.Float32Data()
		if err != nil {
			return nil, nil, err
		}
		if len(pixels) != d {
			return nil, nil, fmt.Errorf("example %d has %d features, expected %d", i, len(pixels), d)
		}
		for j, v := range pixels {
			row[j] = float64(v)
		}
		data.SetRow(i, row)
		labels[i] = label
	}
	return data, labels, nil
}

// runGMMBaseline fits one mixture per covariance type concurrently and
// reports each fit's test accuracy, raw and after the majority vote.
func runGMMBaseline(ctx context.Context, cfg *config, logger *slog.Logger) error {
	train, _, test, err := buildDatasets(cfg)
	if err != nil {
		return err
	}

	trainX, trainY, err := flatten(train)
	if err != nil {
		return fmt.Errorf("failed to flatten training data: %v", err)
	}
	testX, testY, err := flatten(test)
	if err != nil {
		return fmt.Errorf("failed to flatten test data: %v", err)
	}

	// Both splits are standardized with the training statistics.
	means, stds := gmm.ColumnStats(trainX)
	if err := gmm.ApplyStandardization(trainX, means, stds); err != nil {
		return err
	}
	if err := gmm.ApplyStandardization(testX, means, stds); err != nil {
		return err
	}

	types := gmm.CovarianceTypes()
	results := make([]gmm.Result, len(types))

	g, ctx := errgroup.WithContext(ctx)
	for i, cov := range types {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := gmm.RunBaseline(trainX, trainY, testX, testY, gmm.Config{
				Components: cfg.NumClasses,
				Covariance: cov,
				MaxIter:    cfg.GMMMaxIter,
				Seed:       cfg.Seed,
			})
			if err != nil {
				return fmt.Errorf("%s fit: %w", cov, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	best := results[0]
	for _, result := range results {
		logger.Info("mixture baseline result",
			slog.String("covariance", string(result.Covariance)),
			slog.Float64("test_accuracy", result.Accuracy),
			slog.Float64("raw_cluster_accuracy", result.RawAccuracy),
			slog.Bool("converged", result.Converged),
			slog.Int("iterations", result.Iterations),
		)
		if result.Accuracy > best.Accuracy {
			best = result
		}
	}

	logger.Info("best mixture baseline",
		slog.String("covariance", string(best.Covariance)),
		slog.Float64("test_accuracy", best.Accuracy),
	)
	return nil
}
