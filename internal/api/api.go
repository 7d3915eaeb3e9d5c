package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"cinetrain/internal/config"
	"cinetrain/internal/database"
	"cinetrain/internal/messaging"
	"cinetrain/pkg/models"
)

// BackendService exposes training-run submission and inspection over HTTP.
type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

func NewBackendService(db *gorm.DB, pub messaging.Publisher) *BackendService {
	return &BackendService{db: db, publisher: pub}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitRun))
		r.Get("/", RestHandler(s.ListRuns))
		r.Get("/{run_id}", RestHandler(s.GetRun))
		r.Get("/{run_id}/metrics", RestHandler(s.GetRunMetrics))
	})
}

func (s *BackendService) SubmitRun(r *http.Request) (any, error) {
	req, err := ParseRequest[models.SubmitRunRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: name")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	// Reject bad configurations at submission so workers only ever see
	// runnable documents.
	if _, err := config.ParseRunConfig([]byte(req.ConfigYAML)); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid run configuration: %v", verr)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse run configuration: %v", err)
	}

	ctx := r.Context()
	runId := uuid.New()

	if err := database.CreateTrainingRun(ctx, s.db, runId, req.Name, req.ConfigYAML); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create training run entry")
	}

	payload := models.TrainTaskPayload{
		RunId:      runId,
		ConfigYAML: req.ConfigYAML,
		Resume:     req.Resume,
	}

	if err := s.publisher.PublishTrainTask(ctx, payload); err != nil {
		slog.Error("error publishing training task", "run_id", runId, "error", err)
		if dberr := database.SetTrainingRunError(ctx, s.db, runId, err); dberr != nil {
			slog.Error("error marking unqueueable run as failed", "run_id", runId, "error", dberr)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training run", "run_id", runId, "name", req.Name)
	return models.SubmitRunResponse{RunId: runId}, nil
}

type listRunsQuery struct {
	Status string `schema:"status"`
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[listRunsQuery](r)
	if err != nil {
		return nil, err
	}

	var runs []database.TrainingRun
	if query.Status != "" {
		runs, err = database.ListTrainingRunsByStatus(r.Context(), s.db, query.Status)
	} else {
		runs, err = database.ListTrainingRuns(r.Context(), s.db)
	}
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing training runs")
	}

	res := models.ListRunsResponse{Runs: []models.TrainingRun{}}
	for _, run := range runs {
		res.Runs = append(res.Runs, toAPIRun(run))
	}
	return res, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := database.GetTrainingRun(r.Context(), s.db, runId)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "training run not found")
		}
		slog.Error("error getting training run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training run")
	}

	return toAPIRun(run), nil
}

func (s *BackendService) GetRunMetrics(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if _, err := database.GetTrainingRun(ctx, s.db, runId); err != nil {
		if database.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "training run not found")
		}
		slog.Error("error getting training run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training run")
	}

	metrics, err := database.GetEpochMetrics(ctx, s.db, runId)
	if err != nil {
		slog.Error("error getting run metrics", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run metrics")
	}

	res := models.RunMetricsResponse{RunId: runId, Metrics: []models.EpochMetric{}}
	for _, m := range metrics {
		metric := models.EpochMetric{
			Epoch:        m.Epoch,
			TrainLoss:    m.TrainLoss,
			LearningRate: m.LearningRate,
			Duration:     m.Duration,
		}
		if m.ValLoss.Valid {
			v := m.ValLoss.Float64
			metric.ValLoss = &v
		}
		res.Metrics = append(res.Metrics, metric)
	}
	return res, nil
}

func toAPIRun(run database.TrainingRun) models.TrainingRun {
	out := models.TrainingRun{
		Id:             run.Id,
		Name:           run.Name,
		Status:         run.Status,
		CreationTime:   run.CreationTime,
		CheckpointPath: run.CheckpointPath.String,
		Error:          run.Error.String,
	}
	if run.StartTime.Valid {
		t := run.StartTime.Time
		out.StartTime = &t
	}
	if run.CompletionTime.Valid {
		t := run.CompletionTime.Time
		out.CompletionTime = &t
	}
	if run.BestLoss.Valid {
		v := run.BestLoss.Float64
		out.BestLoss = &v
	}
	return out
}
