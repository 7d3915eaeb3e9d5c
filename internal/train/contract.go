package train

import (
	"context"

	"cinetrain/internal/clip"
)

// Parameter is one named tensor of model weights with its gradient buffer.
// Frozen parameters are skipped by gradient clipping and the optimizer step.
type Parameter struct {
	Name   string
	Value  []float64
	Grad   []float64
	Frozen bool
}

// Model is the external training collaborator: it owns the network
// architecture and autodiff, the controller owns the loop around it.
type Model interface {
	// Forward computes one prediction per input tensor.
	Forward(ctx context.Context, inputs []*clip.Tensor4D) ([]float64, error)

	// Backward accumulates parameter gradients given dLoss/dPrediction for
	// each sample of the last Forward call.
	Backward(ctx context.Context, lossGrads []float64) error

	// Parameters returns the model's parameters in a stable order.
	Parameters() []*Parameter
}

// LowerFreezer is implemented by models that support excluding everything
// but the head from optimization (frozen_lower_training).
type LowerFreezer interface {
	FreezeLower()
}

// Criterion computes the scalar loss and its gradient w.r.t. predictions.
type Criterion interface {
	Loss(preds, targets []float64) (loss float64, grads []float64)
}

// MSE is mean squared error over the batch, matching the original training
// objective.
type MSE struct{}

func (MSE) Loss(preds, targets []float64) (float64, []float64) {
	n := float64(len(preds))
	grads := make([]float64, len(preds))
	var loss float64
	for i, p := range preds {
		d := p - targets[i]
		loss += d * d / n
		grads[i] = 2 * d / n
	}
	return loss, grads
}

// Batch is one collated unit of training data.
type Batch struct {
	Inputs  []*clip.Tensor4D
	Targets []float64
	Indices []int
}

func (b *Batch) Size() int { return len(b.Inputs) }

// BatchResult carries either a batch or a fatal loader error.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// BatchSource yields the batches of one epoch. The channel is closed when
// the epoch is exhausted or ctx is cancelled.
type BatchSource interface {
	Batches(ctx context.Context, epoch int) <-chan BatchResult
}
