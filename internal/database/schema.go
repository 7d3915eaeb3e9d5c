package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	RunQueued    string = "QUEUED"
	RunRunning   string = "RUNNING"
	RunCompleted string = "COMPLETED"
	RunFailed    string = "FAILED"
)

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string `gorm:"not null"`
	Status string `gorm:"size:20;not null"`

	// The run configuration document as submitted, kept for reproducibility.
	ConfigYAML string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	BestLoss       sql.NullFloat64
	CheckpointPath sql.NullString
	Error          sql.NullString

	Metrics []EpochMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type EpochMetric struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch int       `gorm:"primaryKey"`

	TrainLoss    float64
	ValLoss      sql.NullFloat64
	LearningRate float64

	// wall-clock seconds spent in the epoch
	Duration float64

	RecordedAt time.Time
}
