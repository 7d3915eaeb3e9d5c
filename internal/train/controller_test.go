package train

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinetrain/internal/checkpoint"
	"cinetrain/internal/clip"
	"cinetrain/internal/config"
)

// sliceSource replays the same fixed batches every epoch.
type sliceSource struct {
	batches []*Batch
}

func (s *sliceSource) Batches(ctx context.Context, _ int) <-chan BatchResult {
	out := make(chan BatchResult, len(s.batches))
	go func() {
		defer close(out)
		for _, b := range s.batches {
			select {
			case out <- BatchResult{Batch: b}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func constantTensor(channels int, v float32) *clip.Tensor4D {
	t := clip.NewTensor4D(channels, 2, 4, 4)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// trainingFixture is a regression problem the reference model can fit:
// target = 2 * mean voxel value.
func trainingFixture(batchSize, batches int) *sliceSource {
	src := &sliceSource{}
	v := float32(0.1)
	for b := 0; b < batches; b++ {
		batch := &Batch{}
		for i := 0; i < batchSize; i++ {
			batch.Inputs = append(batch.Inputs, constantTensor(1, v))
			batch.Targets = append(batch.Targets, float64(2*v))
			v += 0.1
		}
		src.batches = append(src.batches, batch)
	}
	return src
}

func baseRunConfig(epochs int) *config.RunConfig {
	cfg := &config.RunConfig{}
	cfg.Optimizer.Type = "sgd"
	cfg.Optimizer.LearningRate = 0.05
	cfg.Performance.WorldSize = 1
	cfg.Training.Epochs = epochs
	return cfg
}

func datasetLoss(t *testing.T, m Model, src *sliceSource) float64 {
	t.Helper()
	var total float64
	for _, b := range src.batches {
		preds, err := m.Forward(context.Background(), b.Inputs)
		require.NoError(t, err)
		loss, _ := MSE{}.Loss(preds, b.Targets)
		total += loss
	}
	return total / float64(len(src.batches))
}

func TestControllerLossDescends(t *testing.T) {
	src := trainingFixture(4, 3)
	model := NewMeanPoolLinear(1, 7)
	before := datasetLoss(t, model, src)

	cfg := baseRunConfig(20)
	ctrl, err := NewController(cfg, "run-1", Deps{
		Models:      []Model{model},
		Criterion:   MSE{},
		Optimizer:   NewSGD(cfg.Optimizer.LearningRate, 0, 0),
		TrainSource: src,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	after := datasetLoss(t, model, src)
	assert.Less(t, after, before)
	assert.Less(t, after, 0.01)
	assert.Equal(t, int64(60), ctrl.State().GlobalStep)
	assert.Equal(t, 20, ctrl.State().Epoch)
}

func TestControllerParallelMatchesSingleReplica(t *testing.T) {
	src := trainingFixture(6, 2)

	single := NewMeanPoolLinear(1, 11)
	cfgSingle := baseRunConfig(5)
	ctrl, err := NewController(cfgSingle, "run-single", Deps{
		Models:      []Model{single},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0.9, 0),
		TrainSource: src,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	primary := NewMeanPoolLinear(1, 11)
	cfgPar := baseRunConfig(5)
	cfgPar.Performance.ParallelMode = true
	cfgPar.Performance.WorldSize = 3
	ctrlPar, err := NewController(cfgPar, "run-parallel", Deps{
		Models:      []Model{primary, primary.Clone(), primary.Clone()},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0.9, 0),
		TrainSource: src,
	})
	require.NoError(t, err)
	require.NoError(t, ctrlPar.Run(context.Background()))

	sp := single.Parameters()
	pp := primary.Parameters()
	for i := range sp {
		for j := range sp[i].Value {
			assert.InDelta(t, sp[i].Value[j], pp[i].Value[j], 1e-9,
				"parameter %s diverged between single and parallel runs", sp[i].Name)
		}
	}
}

func TestControllerSchedulerCadence(t *testing.T) {
	cfg := baseRunConfig(5)
	cfg.Optimizer.UseScheduler = true
	cfg.Optimizer.SchedStepSize = 2
	cfg.Optimizer.SchedGamma = 0.1

	opt := NewSGD(0.05, 0, 0)
	ctrl, err := NewController(cfg, "run-sched", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 3)},
		Criterion:   MSE{},
		Optimizer:   opt,
		TrainSource: trainingFixture(2, 1),
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	// decayed at epochs 2 and 4
	assert.InDelta(t, 0.05*0.1*0.1, opt.LearningRate(), 1e-12)
}

func TestControllerFrozenLowerStaysFixed(t *testing.T) {
	cfg := baseRunConfig(10)
	cfg.Training.FrozenLowerTraining = true

	model := NewMeanPoolLinear(1, 5)
	lowerBefore := append([]float64(nil), model.Parameters()[0].Value...)
	headBefore := append([]float64(nil), model.Parameters()[2].Value...)

	ctrl, err := NewController(cfg, "run-frozen", Deps{
		Models:      []Model{model},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(4, 2),
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	assert.Equal(t, lowerBefore, model.Parameters()[0].Value)
	assert.NotEqual(t, headBefore, model.Parameters()[2].Value)
}

func TestControllerNonFiniteLossIsFatal(t *testing.T) {
	src := &sliceSource{batches: []*Batch{{
		Inputs:  []*clip.Tensor4D{constantTensor(1, 0.5)},
		Targets: []float64{math.NaN()},
	}}}

	ctrl, err := NewController(baseRunConfig(1), "run-nan", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 5)},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: src,
	})
	require.NoError(t, err)

	err = ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsNumericalError(err))
}

// infGradModel yields a finite loss but blows up its gradient, exercising
// the anomaly check independently of the loss check.
type infGradModel struct {
	p *Parameter
}

func newInfGradModel() *infGradModel {
	return &infGradModel{p: &Parameter{Name: "w", Value: make([]float64, 1), Grad: make([]float64, 1)}}
}

func (m *infGradModel) Forward(_ context.Context, inputs []*clip.Tensor4D) ([]float64, error) {
	return make([]float64, len(inputs)), nil
}

func (m *infGradModel) Backward(context.Context, []float64) error {
	m.p.Grad[0] = math.Inf(1)
	return nil
}

func (m *infGradModel) Parameters() []*Parameter { return []*Parameter{m.p} }

func TestControllerAnomalyDetectionCatchesInfGradients(t *testing.T) {
	cfg := baseRunConfig(1)
	cfg.Performance.AnomalyDetection = true

	ctrl, err := NewController(cfg, "run-anomaly", Deps{
		Models:      []Model{newInfGradModel()},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(1, 1),
	})
	require.NoError(t, err)

	err = ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsNumericalError(err))
}

func TestControllerInfGradientsPassWithoutAnomalyDetection(t *testing.T) {
	ctrl, err := NewController(baseRunConfig(1), "run-no-anomaly", Deps{
		Models:      []Model{newInfGradModel()},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(1, 1),
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))
}

func TestControllerCancellationStopsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl, err := NewController(baseRunConfig(3), "run-cancel", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 5)},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(2, 2),
	})
	require.NoError(t, err)

	err = ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestControllerCheckpointResumeMatchesStraightRun(t *testing.T) {
	src := trainingFixture(4, 2)
	newDeps := func(seed int64, store *checkpoint.Store) Deps {
		return Deps{
			Models:      []Model{NewMeanPoolLinear(1, seed)},
			Criterion:   MSE{},
			Optimizer:   NewSGD(0.05, 0.9, 0),
			TrainSource: src,
			Checkpoints: store,
		}
	}

	// straight run: 4 epochs in one go
	straight := newDeps(13, nil)
	cfg := baseRunConfig(4)
	ctrl, err := NewController(cfg, "run-a", straight)
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	// interrupted run: 2 epochs, checkpoint, fresh process resumes to 4
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	cfgHalf := baseRunConfig(2)
	cfgHalf.Training.CheckpointingEnabled = true
	first := newDeps(13, store)
	ctrlHalf, err := NewController(cfgHalf, "run-b", first)
	require.NoError(t, err)
	require.NoError(t, ctrlHalf.Run(context.Background()))

	cfgRest := baseRunConfig(4)
	cfgRest.Training.CheckpointingEnabled = true
	resumed := newDeps(13, store)
	ctrlRest, err := NewController(cfgRest, "run-b", resumed)
	require.NoError(t, err)
	require.NoError(t, ctrlRest.Resume())
	assert.Equal(t, 2, ctrlRest.State().Epoch)
	require.NoError(t, ctrlRest.Run(context.Background()))

	a := straight.Models[0].Parameters()
	b := resumed.Models[0].Parameters()
	for i := range a {
		for j := range a[i].Value {
			assert.InDelta(t, a[i].Value[j], b[i].Value[j], 1e-12,
				"parameter %s diverged after resume", a[i].Name)
		}
	}
	assert.Equal(t, ctrl.State().GlobalStep, ctrlRest.State().GlobalStep)
}

func TestControllerResumeWithoutCheckpointStartsFresh(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := baseRunConfig(1)
	cfg.Training.CheckpointingEnabled = true
	ctrl, err := NewController(cfg, "run-fresh", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 5)},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(2, 1),
		Checkpoints: store,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Resume())
	assert.Equal(t, 0, ctrl.State().Epoch)
}

func TestControllerSavesBestOnValidationImprovement(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := baseRunConfig(5)
	cfg.Training.CheckpointingEnabled = true
	ctrl, err := NewController(cfg, "run-best", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 7)},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(4, 2),
		ValSource:   trainingFixture(4, 1),
		Checkpoints: store,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Run(context.Background()))

	best, err := store.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, "run-best", best.RunID)
	assert.False(t, math.IsInf(ctrl.State().BestLoss, 1))

	latest, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Epoch)
}

func TestControllerRejectsReplicaCountMismatch(t *testing.T) {
	cfg := baseRunConfig(1)
	cfg.Performance.WorldSize = 2

	_, err := NewController(cfg, "run-bad", Deps{
		Models:      []Model{NewMeanPoolLinear(1, 5)},
		Criterion:   MSE{},
		Optimizer:   NewSGD(0.05, 0, 0),
		TrainSource: trainingFixture(1, 1),
	})
	require.Error(t, err)
}

func TestClipGradNormCapsGlobalNorm(t *testing.T) {
	params := []*Parameter{
		{Name: "a", Value: make([]float64, 2), Grad: []float64{3, 4}},
		{Name: "b", Value: make([]float64, 1), Grad: []float64{12}, Frozen: true},
	}

	norm := clipGradNorm(params, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 0.6, params[0].Grad[0], 1e-12)
	assert.InDelta(t, 0.8, params[0].Grad[1], 1e-12)
	// frozen gradients are left alone
	assert.Equal(t, 12.0, params[1].Grad[0])

	// under the cap nothing changes
	small := []*Parameter{{Name: "c", Value: make([]float64, 1), Grad: []float64{0.5}}}
	clipGradNorm(small, 1.0)
	assert.Equal(t, 0.5, small[0].Grad[0])
}

func TestShardBatchSplitsEvenly(t *testing.T) {
	b := &Batch{}
	for i := 0; i < 7; i++ {
		b.Inputs = append(b.Inputs, constantTensor(1, float32(i)))
		b.Targets = append(b.Targets, float64(i))
		b.Indices = append(b.Indices, i)
	}

	shards := shardBatch(b, 3)
	require.Len(t, shards, 3)
	assert.Equal(t, 3, shards[0].Size())
	assert.Equal(t, 2, shards[1].Size())
	assert.Equal(t, 2, shards[2].Size())

	var total int
	for _, s := range shards {
		total += s.Size()
	}
	assert.Equal(t, b.Size(), total)
	assert.Equal(t, []int{3, 4}, shards[1].Indices)
}
