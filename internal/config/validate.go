package config

import (
	"fmt"
	"strings"
)

const (
	CropOffsetStart  = "start"
	CropOffsetCenter = "center"

	PadModeZeros      = "zeros"
	PadModeRepeatLast = "repeat_last"

	OnDataErrorSkip  = "skip"
	OnDataErrorAbort = "abort"
)

var supportedOptimizers = map[string]struct{}{
	"sgd":   {},
	"adamw": {},
}

var supportedAmpLevels = map[string]struct{}{
	"O0": {},
	"O1": {},
	"O2": {},
}

// ValidationError aggregates every invalid or conflicting option found in a
// run configuration. It is fatal at startup, before any clip is processed.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid run configuration: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the full document. All problems are reported at once so a
// user can fix the config in one pass.
func (c *RunConfig) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := c.Transforms.LengthPolicy(); err != nil {
		addf("%v", err)
	}
	if c.Transforms.TargetLength <= 0 {
		addf("transforms.target_length must be > 0, got %d", c.Transforms.TargetLength)
	}
	if c.Transforms.TargetHeight <= 0 {
		addf("transforms.target_height must be > 0, got %d", c.Transforms.TargetHeight)
	}
	if c.Transforms.TargetWidth <= 0 {
		addf("transforms.target_width must be > 0, got %d", c.Transforms.TargetWidth)
	}
	if c.Transforms.RescaleFPS && c.Transforms.TargetFPS <= 0 {
		addf("transforms.target_fps must be > 0 when rescale_fps is enabled, got %g", c.Transforms.TargetFPS)
	}
	switch c.Transforms.CropOffset {
	case CropOffsetStart, CropOffsetCenter:
	default:
		addf("transforms.crop_offset must be %q or %q, got %q", CropOffsetStart, CropOffsetCenter, c.Transforms.CropOffset)
	}
	switch c.Transforms.PadMode {
	case PadModeZeros, PadModeRepeatLast:
	default:
		addf("transforms.pad_mode must be %q or %q, got %q", PadModeZeros, PadModeRepeatLast, c.Transforms.PadMode)
	}
	if c.Transforms.ScaleOutput && c.Transforms.OutputScale == 0 {
		addf("transforms.output_scale must be non-zero when scale_output is enabled")
	}

	if c.Augmentations.GaussianNoise && c.Augmentations.GNVar < 0 {
		addf("augmentations.gn_var must be >= 0, got %g", c.Augmentations.GNVar)
	}
	if c.Augmentations.Speckle && c.Augmentations.SpeckleVar < 0 {
		addf("augmentations.speckle_var must be >= 0, got %g", c.Augmentations.SpeckleVar)
	}
	if c.Augmentations.SaltAndPepper && (c.Augmentations.SaltAndPepperAmount < 0 || c.Augmentations.SaltAndPepperAmount > 1) {
		addf("augmentations.salt_and_pepper_amount must be in [0,1], got %g", c.Augmentations.SaltAndPepperAmount)
	}

	if _, ok := supportedOptimizers[c.Optimizer.Type]; !ok {
		addf("optimizer.type %q is not supported", c.Optimizer.Type)
	}
	if c.Optimizer.LearningRate <= 0 {
		addf("optimizer.learning_rate must be > 0, got %g", c.Optimizer.LearningRate)
	}
	if c.Optimizer.UseScheduler {
		if c.Optimizer.SchedStepSize <= 0 {
			addf("optimizer.sched_step_size must be > 0 when use_scheduler is enabled, got %d", c.Optimizer.SchedStepSize)
		}
		if c.Optimizer.SchedGamma <= 0 {
			addf("optimizer.sched_gamma must be > 0 when use_scheduler is enabled, got %g", c.Optimizer.SchedGamma)
		}
	}

	if c.Training.Epochs <= 0 {
		addf("training.epochs must be > 0, got %d", c.Training.Epochs)
	}
	if c.Training.GradientClipping && c.Training.GradientClippingMaxNorm <= 0 {
		addf("training.gradient_clipping_max_norm must be > 0 when gradient_clipping is enabled, got %g", c.Training.GradientClippingMaxNorm)
	}
	if c.Training.CheckpointingEnabled && c.Training.CheckpointSavePath == "" {
		addf("training.checkpoint_save_path is required when checkpointing_enabled is set")
	}

	if c.DataLoader.BatchSize <= 0 {
		addf("data_loader.batch_size must be > 0, got %d", c.DataLoader.BatchSize)
	}
	if c.DataLoader.NWorkers < 0 {
		addf("data_loader.n_workers must be >= 0, got %d", c.DataLoader.NWorkers)
	}
	switch c.DataLoader.OnDataError {
	case OnDataErrorSkip, OnDataErrorAbort:
	default:
		addf("data_loader.on_data_error must be %q or %q, got %q", OnDataErrorSkip, OnDataErrorAbort, c.DataLoader.OnDataError)
	}

	if c.Performance.AmpEnabled {
		if _, ok := supportedAmpLevels[c.Performance.AmpOptLevel]; !ok {
			addf("performance.amp_opt_level must be one of O0, O1, O2, got %q", c.Performance.AmpOptLevel)
		}
	}
	if c.Performance.ParallelMode && c.Performance.WorldSize < 2 {
		addf("performance.world_size must be >= 2 when parallel_mode is enabled, got %d", c.Performance.WorldSize)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
