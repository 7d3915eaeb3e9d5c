package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRunConfig = `
optimizer:
  type: adamw
  learning_rate: 0.001
  weight_decay: 0.01
  use_scheduler: true
  sched_step_size: 10
  sched_gamma: 0.5
model:
  name: i3d
  n_outputs: 1
data:
  train_targets: targets/train.csv
  val_targets: targets/val.csv
  data_folder: data/clips
logging:
  logging_enabled: true
  project_name: cardiac/ef
  experiment_name: baseline
performance:
  amp_enabled: true
  amp_opt_level: O1
  parallel_mode: false
  anomaly_detection: true
data_loader:
  batch_size: 8
  n_workers: 4
  drop_last: true
training:
  epochs: 50
  checkpointing_enabled: true
  checkpoint_save_path: checkpoints/
  gradient_clipping: true
  gradient_clipping_max_norm: 1.0
transforms:
  grayscale: true
  normalize_input: true
  rescale_fps: true
  target_fps: 15
  target_height: 97
  target_width: 127
  loop_length: true
  target_length: 15
augmentations:
  gaussian_noise: true
  gn_var: 0.01
`

func TestParseRunConfig(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	assert.Equal(t, "adamw", cfg.Optimizer.Type)
	assert.Equal(t, 0.001, cfg.Optimizer.LearningRate)
	assert.Equal(t, 10, cfg.Optimizer.SchedStepSize)
	assert.Equal(t, "i3d", cfg.Model.Name)
	assert.Equal(t, "cardiac/ef", cfg.Logging.ProjectName)
	assert.True(t, cfg.Performance.AmpEnabled)
	assert.True(t, cfg.Performance.AnomalyDetection)
	assert.Equal(t, 8, cfg.DataLoader.BatchSize)
	assert.Equal(t, 50, cfg.Training.Epochs)
	assert.True(t, cfg.Transforms.Grayscale)
	assert.Equal(t, 15, cfg.Transforms.TargetLength)
	assert.True(t, cfg.Augmentations.GaussianNoise)

	// Defaults for the open-question knobs.
	assert.Equal(t, CropOffsetStart, cfg.Transforms.CropOffset)
	assert.Equal(t, PadModeZeros, cfg.Transforms.PadMode)
	assert.Equal(t, OnDataErrorSkip, cfg.DataLoader.OnDataError)
	assert.Equal(t, 1.0, cfg.Transforms.OutputScale)
	assert.Equal(t, 1, cfg.Performance.WorldSize)
}

func TestLengthPolicySingle(t *testing.T) {
	tr := Transforms{LoopLength: true}
	policy, err := tr.LengthPolicy()
	require.NoError(t, err)
	assert.Equal(t, LengthPolicyLoop, policy)
}

func TestLengthPolicyNoneIsError(t *testing.T) {
	_, err := Transforms{}.LengthPolicy()
	require.Error(t, err)
}

func TestLengthPolicyConflictIsError(t *testing.T) {
	_, err := Transforms{CropLength: true, PadSize: true}.LengthPolicy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crop_length")
	assert.Contains(t, err.Error(), "pad_size")
}

func TestValidateRejectsConflictingPolicies(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Transforms.CropLength = true // loop_length already enabled
	err = cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateRejectsBadDimensions(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Transforms.TargetHeight = 0
	cfg.Transforms.TargetWidth = -1
	err = cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
}

func TestValidateRejectsUnknownOptimizer(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Optimizer.Type = "lbfgs"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadAmpLevel(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Performance.AmpOptLevel = "O3"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsParallelWorldSize(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Performance.ParallelMode = true
	cfg.Performance.WorldSize = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsClippingWithoutNorm(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	require.NoError(t, err)

	cfg.Training.GradientClippingMaxNorm = 0
	require.Error(t, cfg.Validate())
}

func TestParseRunConfigRejectsInvalidDocument(t *testing.T) {
	_, err := ParseRunConfig([]byte("transforms: [not, a, mapping]"))
	require.Error(t, err)
}
