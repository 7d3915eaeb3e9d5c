// Package loader turns raw datasets into batched, transformed training
// input. Transformation runs on a worker pool, but batch composition is
// fully determined by the configured seed: workers hand results back through
// per-sample promises that are collated in submission order.
package loader

import (
	"context"
	"log/slog"
	"math/rand"

	"cinetrain/internal/clip"
	"cinetrain/internal/config"
	"cinetrain/internal/metrics"
	"cinetrain/internal/train"
)

// Loader is a train.BatchSource over a Dataset and a transform pipeline.
type Loader struct {
	ds      Dataset
	pipe    *clip.Pipeline
	cfg     config.DataLoader
	shuffle bool
}

// New builds a loader. shuffle is on for training splits and off for
// validation so evaluation order is stable.
func New(ds Dataset, pipe *clip.Pipeline, cfg config.DataLoader, shuffle bool) *Loader {
	if cfg.NWorkers < 1 {
		cfg.NWorkers = 1
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Loader{ds: ds, pipe: pipe, cfg: cfg, shuffle: shuffle}
}

type outcome struct {
	tensor *clip.Tensor4D
	target float64
	index  int
	err    error
}

type job struct {
	index   int
	epoch   int
	promise chan outcome
}

// Batches yields the epoch's batches. The channel closes when the epoch is
// exhausted, a fatal error was delivered, or ctx is cancelled.
func (l *Loader) Batches(ctx context.Context, epoch int) <-chan train.BatchResult {
	out := make(chan train.BatchResult, 1)

	// cancelled when collation stops, so dispatch and workers never leak
	ctx, cancel := context.WithCancel(ctx)

	order := l.epochOrder(epoch)
	jobs := make(chan job)
	promises := make(chan chan outcome, l.cfg.Prefetch)

	for w := 0; w < l.cfg.NWorkers; w++ {
		go func() {
			for j := range jobs {
				j.promise <- l.transform(ctx, j.epoch, j.index)
			}
		}()
	}

	go func() {
		defer close(jobs)
		defer close(promises)
		for _, index := range order {
			promise := make(chan outcome, 1)
			select {
			case promises <- promise:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- job{index: index, epoch: epoch, promise: promise}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		l.collate(ctx, promises, out)
	}()

	return out
}

func (l *Loader) collate(ctx context.Context, promises <-chan chan outcome, out chan<- train.BatchResult) {
	batch := &train.Batch{}
	flush := func() bool {
		select {
		case out <- train.BatchResult{Batch: batch}:
			batch = &train.Batch{}
			return true
		case <-ctx.Done():
			return false
		}
	}

	for promise := range promises {
		var res outcome
		select {
		case res = <-promise:
		case <-ctx.Done():
			return
		}

		if res.err != nil {
			if clip.IsDataError(res.err) && l.cfg.OnDataError == config.OnDataErrorSkip {
				metrics.DataErrorsTotal.WithLabelValues("skip").Inc()
				slog.Warn("skipping unusable sample", "index", res.index, "error", res.err)
				continue
			}
			metrics.DataErrorsTotal.WithLabelValues("abort").Inc()
			select {
			case out <- train.BatchResult{Err: res.err}:
			case <-ctx.Done():
			}
			return
		}

		batch.Inputs = append(batch.Inputs, res.tensor)
		batch.Targets = append(batch.Targets, res.target)
		batch.Indices = append(batch.Indices, res.index)
		if batch.Size() == l.cfg.BatchSize {
			if !flush() {
				return
			}
		}
	}

	if batch.Size() > 0 && !l.cfg.DropLast {
		flush()
	}
}

func (l *Loader) transform(ctx context.Context, epoch, index int) outcome {
	sample, err := l.ds.Sample(ctx, index)
	if err != nil {
		return outcome{index: index, err: err}
	}

	rng := rand.New(rand.NewSource(l.sampleSeed(epoch, index)))
	tensor, err := l.pipe.Apply(sample.Clip, rng)
	if err != nil {
		return outcome{index: index, err: err}
	}
	metrics.ClipsTransformedTotal.Inc()
	return outcome{tensor: tensor, target: sample.Target, index: index}
}

// sampleSeed derives a per-sample random stream from the run seed so a
// sample's augmentation depends only on the seed, the epoch and its own
// index, never on worker scheduling.
func (l *Loader) sampleSeed(epoch, index int) int64 {
	return l.cfg.Seed + int64(epoch)*int64(l.ds.Len()) + int64(index)
}

func (l *Loader) epochOrder(epoch int) []int {
	if !l.shuffle {
		order := make([]int, l.ds.Len())
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
	return rng.Perm(l.ds.Len())
}
