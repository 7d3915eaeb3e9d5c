package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the full configuration document for one training run. Its
// sections map 1:1 to behavior switches in the pipeline and the training
// loop controller.
type RunConfig struct {
	Optimizer     Optimizer     `yaml:"optimizer"`
	Model         Model         `yaml:"model"`
	Data          Data          `yaml:"data"`
	Logging       Logging       `yaml:"logging"`
	Performance   Performance   `yaml:"performance"`
	DataLoader    DataLoader    `yaml:"data_loader"`
	Training      Training      `yaml:"training"`
	Transforms    Transforms    `yaml:"transforms"`
	Augmentations Augmentations `yaml:"augmentations"`
}

type Optimizer struct {
	Type          string  `yaml:"type"`
	LearningRate  float64 `yaml:"learning_rate"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Momentum      float64 `yaml:"momentum"`
	UseScheduler  bool    `yaml:"use_scheduler"`
	SchedStepSize int     `yaml:"sched_step_size"`
	SchedGamma    float64 `yaml:"sched_gamma"`
}

type Model struct {
	Name     string `yaml:"name"`
	NOutputs int    `yaml:"n_outputs"`
}

type Data struct {
	TrainTargets string `yaml:"train_targets"`
	ValTargets   string `yaml:"val_targets"`
	DataFolder   string `yaml:"data_folder"`
}

type Logging struct {
	LoggingEnabled bool   `yaml:"logging_enabled"`
	ProjectName    string `yaml:"project_name"`
	ExperimentName string `yaml:"experiment_name"`
}

type Performance struct {
	AmpEnabled       bool   `yaml:"amp_enabled"`
	AmpOptLevel      string `yaml:"amp_opt_level"`
	ParallelMode     bool   `yaml:"parallel_mode"`
	WorldSize        int    `yaml:"world_size"`
	AnomalyDetection bool   `yaml:"anomaly_detection"`
}

type DataLoader struct {
	BatchSize   int    `yaml:"batch_size"`
	NWorkers    int    `yaml:"n_workers"`
	Prefetch    int    `yaml:"prefetch"`
	DropLast    bool   `yaml:"drop_last"`
	OnDataError string `yaml:"on_data_error"`
	Seed        int64  `yaml:"seed"`
}

type Training struct {
	Epochs                  int     `yaml:"epochs"`
	CheckpointingEnabled    bool    `yaml:"checkpointing_enabled"`
	CheckpointSavePath      string  `yaml:"checkpoint_save_path"`
	FrozenLowerTraining     bool    `yaml:"frozen_lower_training"`
	GradientClipping        bool    `yaml:"gradient_clipping"`
	GradientClippingMaxNorm float64 `yaml:"gradient_clipping_max_norm"`
}

type Transforms struct {
	Grayscale      bool    `yaml:"grayscale"`
	NormalizeInput bool    `yaml:"normalize_input"`
	ScaleOutput    bool    `yaml:"scale_output"`
	OutputScale    float64 `yaml:"output_scale"`

	RescaleFPS bool    `yaml:"rescale_fps"`
	TargetFPS  float64 `yaml:"target_fps"`

	TargetHeight int  `yaml:"target_height"`
	TargetWidth  int  `yaml:"target_width"`
	CropSides    bool `yaml:"crop_sides"`

	CropLength   bool   `yaml:"crop_length"`
	PadSize      bool   `yaml:"pad_size"`
	LoopLength   bool   `yaml:"loop_length"`
	TargetLength int    `yaml:"target_length"`
	CropOffset   string `yaml:"crop_offset"`
	PadMode      string `yaml:"pad_mode"`
}

type Augmentations struct {
	GaussianNoise       bool    `yaml:"gaussian_noise"`
	GNVar               float64 `yaml:"gn_var"`
	Speckle             bool    `yaml:"speckle"`
	SpeckleVar          float64 `yaml:"speckle_var"`
	SaltAndPepper       bool    `yaml:"salt_and_pepper"`
	SaltAndPepperAmount float64 `yaml:"salt_and_pepper_amount"`
	TransposeV          bool    `yaml:"transpose_v"`
	TransposeH          bool    `yaml:"transpose_h"`
}

// LengthPolicy is the single active length-normalization strategy derived
// from the crop_length/pad_size/loop_length toggles.
type LengthPolicy int

const (
	LengthPolicyNone LengthPolicy = iota
	LengthPolicyCrop
	LengthPolicyPad
	LengthPolicyLoop
)

func (p LengthPolicy) String() string {
	switch p {
	case LengthPolicyCrop:
		return "crop_length"
	case LengthPolicyPad:
		return "pad_size"
	case LengthPolicyLoop:
		return "loop_length"
	default:
		return "none"
	}
}

// LengthPolicy reduces the three booleans to a tagged selection. Zero or
// more than one enabled toggle is a configuration error.
func (t Transforms) LengthPolicy() (LengthPolicy, error) {
	var active []LengthPolicy
	if t.CropLength {
		active = append(active, LengthPolicyCrop)
	}
	if t.PadSize {
		active = append(active, LengthPolicyPad)
	}
	if t.LoopLength {
		active = append(active, LengthPolicyLoop)
	}
	switch len(active) {
	case 1:
		return active[0], nil
	case 0:
		return LengthPolicyNone, fmt.Errorf("no length-normalization policy enabled: exactly one of crop_length, pad_size, loop_length is required")
	default:
		return LengthPolicyNone, fmt.Errorf("conflicting length-normalization policies: %v and %v cannot both be enabled", active[0], active[1])
	}
}

// LoadRunConfig reads, defaults and validates a run configuration document.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config %s: %w", path, err)
	}
	return ParseRunConfig(data)
}

func ParseRunConfig(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills the open-question knobs with their documented fixed
// defaults so a minimal document stays reproducible.
func (c *RunConfig) ApplyDefaults() {
	if c.Transforms.CropOffset == "" {
		c.Transforms.CropOffset = CropOffsetStart
	}
	if c.Transforms.PadMode == "" {
		c.Transforms.PadMode = PadModeZeros
	}
	if c.Transforms.OutputScale == 0 {
		c.Transforms.OutputScale = 1.0
	}
	if c.DataLoader.OnDataError == "" {
		c.DataLoader.OnDataError = OnDataErrorSkip
	}
	if c.DataLoader.BatchSize == 0 {
		c.DataLoader.BatchSize = 1
	}
	if c.DataLoader.Prefetch == 0 {
		c.DataLoader.Prefetch = 2
	}
	if c.Performance.AmpEnabled && c.Performance.AmpOptLevel == "" {
		c.Performance.AmpOptLevel = "O1"
	}
	if !c.Performance.ParallelMode {
		c.Performance.WorldSize = 1
	}
	if c.Optimizer.Type == "" {
		c.Optimizer.Type = "adamw"
	}
	if c.Optimizer.UseScheduler && c.Optimizer.SchedGamma == 0 {
		c.Optimizer.SchedGamma = 0.1
	}
	if c.Model.NOutputs == 0 {
		c.Model.NOutputs = 1
	}
}
