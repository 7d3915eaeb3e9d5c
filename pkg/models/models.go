package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Task Payload Structs ---

type TrainTaskPayload struct {
	RunId uuid.UUID

	// Full run configuration document, verbatim as submitted.
	ConfigYAML string

	// Resume from the latest checkpoint instead of starting fresh.
	Resume bool
}

// --- API Types ---

type SubmitRunRequest struct {
	Name string

	ConfigYAML string

	Resume bool
}

type SubmitRunResponse struct {
	RunId uuid.UUID
}

type EpochMetric struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      *float64 `json:"ValLoss,omitempty"`
	LearningRate float64
	Duration     float64
}

type TrainingRun struct {
	Id     uuid.UUID
	Name   string
	Status string

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	BestLoss       *float64 `json:"BestLoss,omitempty"`
	CheckpointPath string   `json:"CheckpointPath,omitempty"`
	Error          string   `json:"Error,omitempty"`
}

type ListRunsResponse struct {
	Runs []TrainingRun
}

type RunMetricsResponse struct {
	RunId   uuid.UUID
	Metrics []EpochMetric
}
