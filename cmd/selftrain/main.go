package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tsawler/selftrain/checkpoints"
	"github.com/tsawler/selftrain/dataset"
	"github.com/tsawler/selftrain/model"
	"github.com/tsawler/selftrain/optimizer"
	"github.com/tsawler/selftrain/training"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "selftrain",
		Short: "Train an image classifier with or without a label budget",
		Long: "selftrain trains an image classifier fully supervised, " +
			"semi-supervised via self-training with pseudo-labels, or as a " +
			"Gaussian-mixture clustering baseline.",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Experiment, "experiment", cfg.Experiment, "experiment name used in log and checkpoint paths")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for run logs and checkpoints")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flags.StringVar(&cfg.Device, "device", cfg.Device, "compute device (only cpu is available)")
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed for data generation, partitioning and weights")

	root.AddCommand(newTrainCommand(cfg), newEvalCommand(cfg), newGMMCommand(cfg))
	return root
}

func newTrainCommand(cfg *config) *cobra.Command {
	mode := string(training.ModeSemiSupervised)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			return runTraining(cfg, training.TrainingMode(mode), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", mode, "training mode: supervised or semi-supervised")
	flags.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "training batch size")
	flags.IntVar(&cfg.NumLabeled, "num-labeled", cfg.NumLabeled, "label budget; 0 keeps every training label")
	flags.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: sgd or adam")
	flags.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "initial learning rate")
	flags.IntSliceVar(&cfg.Milestones, "lr-milestones", cfg.Milestones, "epochs at which the learning rate decays")
	flags.BoolVar(&cfg.Plateau, "plateau", cfg.Plateau, "also reduce the learning rate on validation plateaus")

	return cmd
}

func newEvalCommand(cfg *config) *cobra.Command {
	var checkpointPath string

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint on the test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			return runEvaluation(cfg, checkpointPath, logger)
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file to restore")
	return cmd
}

func newGMMCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gmm",
		Short: "Run the Gaussian-mixture clustering baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			return runGMMBaseline(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().IntVar(&cfg.GMMMaxIter, "max-iter", cfg.GMMMaxIter, "EM iteration budget per fit")
	return cmd
}

// buildDatasets generates the three synthetic splits with related seeds
// so the splits differ but a run is reproducible end to end.
func buildDatasets(cfg *config) (train, val, test *dataset.SliceDataset, err error) {
	base := dataset.SyntheticConfig{
		ImageSize:  cfg.ImageSize,
		NumClasses: cfg.NumClasses,
		Noise:      cfg.Noise,
	}

	trainCfg := base
	trainCfg.NumExamples = cfg.TrainExamples
	trainCfg.Seed = cfg.Seed
	if train, err = dataset.NewSynthetic(trainCfg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build training data: %v", err)
	}

	valCfg := base
	valCfg.NumExamples = cfg.ValExamples
	valCfg.Seed = cfg.Seed + 1
	if val, err = dataset.NewSynthetic(valCfg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build validation data: %v", err)
	}

	testCfg := base
	testCfg.NumExamples = cfg.TestExamples
	testCfg.Seed = cfg.Seed + 2
	if test, err = dataset.NewSynthetic(testCfg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build test data: %v", err)
	}

	return train, val, test, nil
}

func buildModel(cfg *config) (*model.MLP, error) {
	return model.NewMLP(model.MLPConfig{
		InputSize:  cfg.ImageSize * cfg.ImageSize,
		HiddenSize: cfg.HiddenSize,
		NumClasses: cfg.NumClasses,
		Dropout:    cfg.Dropout,
		Seed:       cfg.Seed,
	})
}

func runTraining(cfg *config, mode training.TrainingMode, logger *slog.Logger) error {
	train, val, test, err := buildDatasets(cfg)
	if err != nil {
		return err
	}

	source, err := dataset.NewSource(train, val, test, dataset.SourceConfig{
		NumLabeled:    cfg.NumLabeled,
		BatchSize:     cfg.BatchSize,
		EvalBatchSize: cfg.EvalBatchSize,
		Shuffle:       true,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return err
	}
	data := training.NewDataSource(source)

	classifier, err := buildModel(cfg)
	if err != nil {
		return err
	}

	opt, err := optimizer.New(optimizer.Config{
		Kind:         optimizer.Kind(cfg.Optimizer),
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}, classifier.Parameters())
	if err != nil {
		return err
	}

	store, err := checkpoints.NewStore(cfg.LogDir, cfg.Experiment)
	if err != nil {
		return err
	}
	runLogger := training.NewRunLogger(filepath.Join(cfg.LogDir, cfg.Experiment+"_metrics.json"))

	evaluator, err := training.NewEvaluator(classifier, logger, runLogger.Log())
	if err != nil {
		return err
	}

	var reducer *training.ReduceLROnPlateauScheduler
	if cfg.Plateau {
		reducer = training.NewReduceLROnPlateauScheduler(cfg.PlateauFactor, cfg.PlateauPatience, cfg.PlateauCooldown, cfg.PlateauMinLR)
	}

	trainer, err := training.NewEpochTrainer(classifier, opt, data, evaluator, reducer, training.EpochTrainerConfig{
		LogInterval:  cfg.LogInterval,
		ProbeBatches: cfg.PseudoLabelBatches,
	}, logger, runLogger.Log())
	if err != nil {
		return err
	}

	var sched *training.MultiStepLRScheduler
	if len(cfg.Milestones) > 0 {
		sched = training.NewMultiStepLRScheduler(cfg.Milestones, cfg.Gamma)
	}

	driverCfg := training.DriverConfig{
		Epochs:                 cfg.Epochs,
		CheckpointSaveInterval: cfg.CheckpointInterval,
		PseudoLabelBatches:     cfg.PseudoLabelBatches,
	}

	logger.Info("starting training",
		slog.String("mode", string(mode)),
		slog.String("experiment", cfg.Experiment),
		slog.Int("epochs", cfg.Epochs),
		slog.Int("num_labeled", cfg.NumLabeled),
		slog.String("optimizer", cfg.Optimizer),
	)

	switch mode {
	case training.ModeSupervised:
		driver, err := training.NewSupervisedDriver(classifier, trainer, evaluator, data, opt, sched, store, runLogger, logger, driverCfg)
		if err != nil {
			return err
		}
		return driver.Run()
	case training.ModeSemiSupervised:
		generator, err := training.NewPseudoLabelGenerator(classifier, logger, runLogger.Log())
		if err != nil {
			return err
		}
		driver, err := training.NewSelfTrainingDriver(classifier, trainer, evaluator, generator, data, opt, sched, store, runLogger, logger, driverCfg)
		if err != nil {
			return err
		}
		return driver.Run()
	default:
		return fmt.Errorf("unknown training mode %q: use supervised or semi-supervised", mode)
	}
}

func runEvaluation(cfg *config, checkpointPath string, logger *slog.Logger) error {
	if checkpointPath == "" {
		return ErrMissingCheckpoint
	}

	checkpoint, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingCheckpoint, err)
	}

	_, val, test, err := buildDatasets(cfg)
	if err != nil {
		return err
	}

	classifier, err := buildModel(cfg)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeightsInto(checkpoint, classifier.Parameters()); err != nil {
		return fmt.Errorf("failed to restore %s: %v", checkpointPath, err)
	}

	source, err := dataset.NewSource(test, val, test, dataset.SourceConfig{
		BatchSize:     cfg.EvalBatchSize,
		EvalBatchSize: cfg.EvalBatchSize,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return err
	}

	evaluator, err := training.NewEvaluator(classifier, logger, nil)
	if err != nil {
		return err
	}

	loss, accuracy, err := evaluator.Evaluate(source.TestLoader(), training.SplitTest, checkpoint.Epoch, 0, true)
	if err != nil {
		return err
	}

	logger.Info("evaluation finished",
		slog.String("checkpoint", checkpointPath),
		slog.Int("epoch", checkpoint.Epoch),
		slog.Float64("test_loss", loss),
		slog.Float64("test_accuracy", accuracy),
	)
	return nil
}
