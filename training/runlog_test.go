package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestScalarPointJSON(t *testing.T) {
	p := ScalarPoint{Step: 3, Value: 0.5}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != "[3,0.5]" {
		t.Errorf("expected [3,0.5], got %s", out)
	}

	var back ScalarPoint
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != p {
		t.Errorf("round trip mismatch: %+v vs %+v", back, p)
	}
}

func TestRunMetricsLogFieldNames(t *testing.T) {
	out, err := json.Marshal(NewRunMetricsLog())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []string{
		"train_loss_per_iter", "train_loss_per_epoch",
		"val_loss_per_iter", "val_loss_per_epoch",
		"val_accuracy_per_iter", "val_accuracy_per_epoch",
		"test_loss", "test_accuracy",
		"best_epoch", "best_test_accuracy",
		"ssl_loss", "ssl_accuracy", "ssl_correct",
	}
	for _, name := range want {
		if _, ok := fields[name]; !ok {
			t.Errorf("missing field %q", name)
		}
	}
}

func TestRunMetricsLogEmptySeriesSerializeAsArrays(t *testing.T) {
	out, err := json.Marshal(NewRunMetricsLog())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if string(fields["test_loss"]) != "[]" {
		t.Errorf("expected empty array for test_loss, got %s", fields["test_loss"])
	}
}

func TestRunMetricsLogAppends(t *testing.T) {
	log := NewRunMetricsLog()

	log.AppendTrainIter(7, 1.5, 2.0, 40.0)
	log.AppendTrainEpoch(1, 1.2, 1.8, 45.0)
	log.AppendTest(1, 1.7, 50.0)
	log.AppendSSL(1, 2.2, 33.0, 11)
	log.SetBest(1, 50.0)

	if len(log.TrainLossPerIter) != 1 || log.TrainLossPerIter[0] != (ScalarPoint{7, 1.5}) {
		t.Errorf("unexpected train loss series: %+v", log.TrainLossPerIter)
	}
	if len(log.ValAccuracyPerEpoch) != 1 || log.ValAccuracyPerEpoch[0] != (ScalarPoint{1, 45.0}) {
		t.Errorf("unexpected val accuracy series: %+v", log.ValAccuracyPerEpoch)
	}
	if len(log.SSLCorrect) != 1 || log.SSLCorrect[0] != (ScalarPoint{1, 11.0}) {
		t.Errorf("unexpected ssl correct series: %+v", log.SSLCorrect)
	}
	if log.BestEpoch != 1 || log.BestTestAccuracy != 50.0 {
		t.Errorf("unexpected best record: epoch %d accuracy %f", log.BestEpoch, log.BestTestAccuracy)
	}
}

func TestRunLoggerWritesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	logger := NewRunLogger(path)

	logger.Log().AppendTest(2, 0.9, 60.0)
	logger.Log().SetBest(2, 60.0)

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}

	var back RunMetricsLog
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("failed to parse run log: %v", err)
	}
	if back.BestEpoch != 2 || back.BestTestAccuracy != 60.0 {
		t.Errorf("unexpected best record: epoch %d accuracy %f", back.BestEpoch, back.BestTestAccuracy)
	}
	if len(back.TestAccuracy) != 1 || back.TestAccuracy[0] != (ScalarPoint{2, 60.0}) {
		t.Errorf("unexpected test accuracy series: %+v", back.TestAccuracy)
	}
}

func TestRunLoggerCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	logger := NewRunLogger(path)

	logger.Log().SetBest(1, 42.0)
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}

	// Later mutations and closes must not alter the file.
	logger.Log().SetBest(9, 99.0)
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to re-read run log: %v", err)
	}
	if string(first) != string(second) {
		t.Error("second Close rewrote the run log")
	}
}

func TestRunLoggerCloseFailsOnBadPath(t *testing.T) {
	logger := NewRunLogger(filepath.Join(t.TempDir(), "missing", "run.json"))
	if err := logger.Close(); err == nil {
		t.Error("expected error for unwritable path")
	}
}
