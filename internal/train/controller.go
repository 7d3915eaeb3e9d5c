package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"cinetrain/internal/checkpoint"
	"cinetrain/internal/config"
	"cinetrain/internal/metrics"
	"cinetrain/internal/tracking"
)

// State is the mutable training progress owned exclusively by the
// controller. It is created at run start, optionally restored from a
// checkpoint, and advanced once per batch/epoch.
type State struct {
	Epoch      int
	GlobalStep int64
	BestLoss   float64
}

// Controller drives epoch/batch iteration against an external model and
// optimizer, honoring the performance and training configuration: mixed
// precision, gradient clipping, scheduling, parallel replicas and
// checkpointing.
type Controller struct {
	cfg   *config.RunConfig
	runID string

	// models[0] is the primary replica; extra replicas exist only in
	// parallel mode and mirror the primary's parameter values.
	models    []Model
	criterion Criterion
	opt       Optimizer
	sched     *StepLR
	scaler    *lossScaler

	trainSource BatchSource
	valSource   BatchSource

	checkpoints *checkpoint.Store
	tracker     tracking.Tracker

	state State
}

// Deps are the external collaborators a controller needs. ValSource,
// Checkpoints and Tracker are optional.
type Deps struct {
	Models      []Model
	Criterion   Criterion
	Optimizer   Optimizer
	TrainSource BatchSource
	ValSource   BatchSource
	Checkpoints *checkpoint.Store
	Tracker     tracking.Tracker
}

func NewController(cfg *config.RunConfig, runID string, deps Deps) (*Controller, error) {
	if len(deps.Models) == 0 {
		return nil, errors.New("at least one model replica is required")
	}
	if len(deps.Models) != cfg.Performance.WorldSize {
		return nil, fmt.Errorf("got %d model replicas for world_size %d", len(deps.Models), cfg.Performance.WorldSize)
	}
	if deps.Criterion == nil || deps.Optimizer == nil || deps.TrainSource == nil {
		return nil, errors.New("criterion, optimizer and a train source are required")
	}

	c := &Controller{
		cfg:         cfg,
		runID:       runID,
		models:      deps.Models,
		criterion:   deps.Criterion,
		opt:         deps.Optimizer,
		scaler:      newLossScaler(cfg.Performance.AmpEnabled, cfg.Performance.AmpOptLevel),
		trainSource: deps.TrainSource,
		valSource:   deps.ValSource,
		checkpoints: deps.Checkpoints,
		tracker:     deps.Tracker,
		state:       State{BestLoss: math.Inf(1)},
	}
	if c.tracker == nil {
		c.tracker = tracking.Noop{}
	}
	if cfg.Optimizer.UseScheduler {
		c.sched = NewStepLR(cfg.Optimizer.SchedStepSize, cfg.Optimizer.SchedGamma)
	}
	if cfg.Training.FrozenLowerTraining {
		for _, m := range c.models {
			fl, ok := m.(LowerFreezer)
			if !ok {
				return nil, errors.New("frozen_lower_training is enabled but the model does not support parameter freezing")
			}
			fl.FreezeLower()
		}
	}
	return c, nil
}

func (c *Controller) State() State { return c.state }

// Resume restores the controller from the latest checkpoint, if present.
func (c *Controller) Resume() error {
	if c.checkpoints == nil {
		return errors.New("resume requested but checkpointing is not configured")
	}
	rec, err := c.checkpoints.Load()
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.restore(rec)
}

// Run executes the configured number of epochs. It is interruptible between
// batches via ctx; cancellation never corrupts an in-flight checkpoint.
func (c *Controller) Run(ctx context.Context) error {
	c.emit(ctx, tracking.EventRunStarted, nil)

	for epoch := c.state.Epoch; epoch < c.cfg.Training.Epochs; epoch++ {
		epochStart := time.Now()

		trainLoss, err := c.trainEpoch(ctx, epoch)
		if err != nil {
			c.emit(ctx, tracking.EventRunFailed, map[string]float64{"epoch": float64(epoch)})
			return err
		}

		epochLoss := trainLoss
		fields := map[string]float64{
			"train_loss": trainLoss,
			"lr":         c.opt.LearningRate(),
		}
		if c.valSource != nil {
			valLoss, err := c.validateEpoch(ctx, epoch)
			if err != nil {
				c.emit(ctx, tracking.EventRunFailed, map[string]float64{"epoch": float64(epoch)})
				return err
			}
			fields["val_loss"] = valLoss
			epochLoss = valLoss
		}

		if c.sched != nil {
			c.sched.OnEpochEnd(c.opt)
			metrics.LearningRate.Set(c.opt.LearningRate())
		}

		c.state.Epoch = epoch + 1
		if epochLoss < c.state.BestLoss {
			c.state.BestLoss = epochLoss
		}

		if err := c.saveCheckpoint(ctx, epochLoss); err != nil {
			// ResourceError: reported, training continues without
			// checkpointing for this cycle.
			slog.Error("checkpoint write failed", "run_id", c.runID, "epoch", epoch, "error", err)
		}

		elapsed := time.Since(epochStart).Seconds()
		metrics.EpochDuration.Observe(elapsed)
		fields["duration_seconds"] = elapsed
		c.emitEpoch(ctx, epoch, fields)
	}

	c.emit(ctx, tracking.EventRunCompleted, map[string]float64{"best_loss": c.state.BestLoss})
	return nil
}

func (c *Controller) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	var totalLoss float64
	var batches int

	for res := range c.trainSource.Batches(ctx, epoch) {
		if res.Err != nil {
			return 0, res.Err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		loss, err := c.trainBatch(ctx, res.Batch)
		if err != nil {
			return 0, err
		}
		totalLoss += loss
		batches++
		metrics.BatchesProcessedTotal.WithLabelValues("train").Inc()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("training epoch %d produced no batches", epoch)
	}
	return totalLoss / float64(batches), nil
}

func (c *Controller) trainBatch(ctx context.Context, b *Batch) (float64, error) {
	var loss float64
	var err error
	if len(c.models) > 1 {
		loss, err = c.parallelForwardBackward(ctx, b)
	} else {
		loss, err = c.forwardBackward(ctx, c.models[0], b)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, numericalErrorf("non-finite loss %g at step %d", loss, c.state.GlobalStep)
	}

	if len(c.models) > 1 {
		c.reduceGradients()
	}

	params := c.models[0].Parameters()
	foundInf := c.scaler.Unscale(params)

	if foundInf && c.cfg.Performance.AnomalyDetection {
		return 0, numericalErrorf("non-finite gradient at step %d", c.state.GlobalStep)
	}

	skipStep := foundInf && c.scaler.enabled
	if !skipStep {
		if c.cfg.Training.GradientClipping {
			clipGradNorm(params, c.cfg.Training.GradientClippingMaxNorm)
		}
		if err := c.opt.Step(params); err != nil {
			return 0, err
		}
		if len(c.models) > 1 {
			c.broadcastParameters()
		}
	}
	c.scaler.Update(skipStep)
	c.zeroGradients()
	c.state.GlobalStep++
	return loss, nil
}

func (c *Controller) forwardBackward(ctx context.Context, m Model, b *Batch) (float64, error) {
	preds, err := m.Forward(ctx, b.Inputs)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, grads := c.criterion.Loss(preds, b.Targets)
	c.scaler.ScaleGrads(grads)
	if err := m.Backward(ctx, grads); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	return loss, nil
}

// parallelForwardBackward shards the batch across replicas. Loss-gradient
// contributions are pre-weighted by shard size so that summing replica
// gradients reproduces the exact global batch gradient; the reduction is
// commutative, replica completion order does not matter.
func (c *Controller) parallelForwardBackward(ctx context.Context, b *Batch) (float64, error) {
	shards := shardBatch(b, len(c.models))
	losses := make([]float64, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for r, shard := range shards {
		if shard.Size() == 0 {
			continue
		}
		r, shard := r, shard
		g.Go(func() error {
			preds, err := c.models[r].Forward(gctx, shard.Inputs)
			if err != nil {
				return fmt.Errorf("replica %d forward pass failed: %w", r, err)
			}
			loss, grads := c.criterion.Loss(preds, shard.Targets)
			weight := float64(shard.Size()) / float64(b.Size())
			losses[r] = loss * weight
			for i := range grads {
				grads[i] *= weight
			}
			c.scaler.ScaleGrads(grads)
			if err := c.models[r].Backward(gctx, grads); err != nil {
				return fmt.Errorf("replica %d backward pass failed: %w", r, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var loss float64
	for _, l := range losses {
		loss += l
	}
	return loss, nil
}

// reduceGradients sums replica gradients into the primary replica.
func (c *Controller) reduceGradients() {
	primary := c.models[0].Parameters()
	for r := 1; r < len(c.models); r++ {
		replica := c.models[r].Parameters()
		for i, p := range primary {
			for j := range p.Grad {
				p.Grad[j] += replica[i].Grad[j]
			}
		}
	}
}

// broadcastParameters copies the primary replica's updated values to all
// other replicas.
func (c *Controller) broadcastParameters() {
	primary := c.models[0].Parameters()
	for r := 1; r < len(c.models); r++ {
		replica := c.models[r].Parameters()
		for i, p := range primary {
			copy(replica[i].Value, p.Value)
		}
	}
}

func (c *Controller) zeroGradients() {
	for _, m := range c.models {
		for _, p := range m.Parameters() {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}

func (c *Controller) validateEpoch(ctx context.Context, epoch int) (float64, error) {
	var totalLoss float64
	var batches int

	for res := range c.valSource.Batches(ctx, epoch) {
		if res.Err != nil {
			return 0, res.Err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		preds, err := c.models[0].Forward(ctx, res.Batch.Inputs)
		if err != nil {
			return 0, fmt.Errorf("validation forward pass failed: %w", err)
		}
		loss, _ := c.criterion.Loss(preds, res.Batch.Targets)
		totalLoss += loss
		batches++
		metrics.BatchesProcessedTotal.WithLabelValues("val").Inc()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("validation epoch %d produced no batches", epoch)
	}
	return totalLoss / float64(batches), nil
}

func (c *Controller) saveCheckpoint(ctx context.Context, epochLoss float64) error {
	if c.checkpoints == nil || !c.cfg.Training.CheckpointingEnabled {
		return nil
	}

	rec, err := c.snapshot()
	if err != nil {
		metrics.CheckpointWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := c.checkpoints.Save(rec); err != nil {
		metrics.CheckpointWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	if epochLoss <= c.state.BestLoss {
		if err := c.checkpoints.SaveBest(rec); err != nil {
			metrics.CheckpointWritesTotal.WithLabelValues("error").Inc()
			return err
		}
	}
	metrics.CheckpointWritesTotal.WithLabelValues("ok").Inc()
	c.emit(ctx, tracking.EventCheckpointSaved, map[string]float64{"epoch": float64(rec.Epoch)})
	return nil
}

func (c *Controller) snapshot() (*checkpoint.Record, error) {
	rec := &checkpoint.Record{
		RunID:      c.runID,
		Epoch:      c.state.Epoch,
		GlobalStep: c.state.GlobalStep,
		BestLoss:   c.state.BestLoss,
		SavedAt:    time.Now().UTC(),
	}

	for _, p := range c.models[0].Parameters() {
		value := make([]float64, len(p.Value))
		copy(value, p.Value)
		rec.Params = append(rec.Params, checkpoint.Param{Name: p.Name, Value: value})
	}

	var err error
	if rec.OptimizerState, err = c.opt.State(); err != nil {
		return nil, fmt.Errorf("failed to snapshot optimizer state: %w", err)
	}
	if c.sched != nil {
		if rec.SchedulerState, err = c.sched.State(); err != nil {
			return nil, fmt.Errorf("failed to snapshot scheduler state: %w", err)
		}
	}
	if rec.ScalerState, err = c.scaler.State(); err != nil {
		return nil, fmt.Errorf("failed to snapshot loss scaler state: %w", err)
	}
	return rec, nil
}

func (c *Controller) restore(rec *checkpoint.Record) error {
	saved := make(map[string][]float64, len(rec.Params))
	for _, p := range rec.Params {
		saved[p.Name] = p.Value
	}
	for _, m := range c.models {
		for _, p := range m.Parameters() {
			value, ok := saved[p.Name]
			if !ok {
				return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
			}
			if len(value) != len(p.Value) {
				return fmt.Errorf("checkpoint parameter %s has %d values, model expects %d", p.Name, len(value), len(p.Value))
			}
			copy(p.Value, value)
		}
	}

	if rec.OptimizerState != nil {
		if err := c.opt.LoadState(rec.OptimizerState); err != nil {
			return err
		}
	}
	if c.sched != nil && rec.SchedulerState != nil {
		if err := c.sched.LoadState(rec.SchedulerState); err != nil {
			return err
		}
	}
	if rec.ScalerState != nil {
		if err := c.scaler.LoadState(rec.ScalerState); err != nil {
			return err
		}
	}

	c.state.Epoch = rec.Epoch
	c.state.GlobalStep = rec.GlobalStep
	c.state.BestLoss = rec.BestLoss
	slog.Info("restored training state from checkpoint", "run_id", c.runID, "epoch", rec.Epoch, "global_step", rec.GlobalStep)
	return nil
}

// clipGradNorm rescales all unfrozen gradients so their global L2 norm does
// not exceed maxNorm. Returns the pre-clip norm.
func clipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for _, g := range p.Grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			if p.Frozen {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

// shardBatch splits a batch into contiguous, near-equal shards.
func shardBatch(b *Batch, n int) []*Batch {
	shards := make([]*Batch, n)
	size := b.Size()
	base := size / n
	extra := size % n

	offset := 0
	for r := 0; r < n; r++ {
		take := base
		if r < extra {
			take++
		}
		shards[r] = &Batch{
			Inputs:  b.Inputs[offset : offset+take],
			Targets: b.Targets[offset : offset+take],
		}
		if b.Indices != nil {
			shards[r].Indices = b.Indices[offset : offset+take]
		}
		offset += take
	}
	return shards
}

func (c *Controller) emit(ctx context.Context, kind string, fields map[string]float64) {
	c.tracker.Emit(ctx, tracking.Event{
		Project:    c.cfg.Logging.ProjectName,
		Experiment: c.cfg.Logging.ExperimentName,
		RunID:      c.runID,
		Kind:       kind,
		Epoch:      c.state.Epoch,
		Step:       c.state.GlobalStep,
		Fields:     fields,
	})
}

func (c *Controller) emitEpoch(ctx context.Context, epoch int, fields map[string]float64) {
	c.tracker.Emit(ctx, tracking.Event{
		Project:    c.cfg.Logging.ProjectName,
		Experiment: c.cfg.Logging.ExperimentName,
		RunID:      c.runID,
		Kind:       tracking.EventEpochCompleted,
		Epoch:      epoch,
		Step:       c.state.GlobalStep,
		Fields:     fields,
	})
}
