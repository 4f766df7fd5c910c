package batch

import (
	"context"
	"time"

	"github.com/rustworthy/batching-proxy/internal/inference"
)

// Result is the terminal outcome delivered to a single caller: either the
// slice of the upstream response that covers its inputs, or the shared error
// that failed the whole batch.
type Result struct {
	Embeddings []inference.Embedding
	Err        error
}

// Envelope is one caller's pending submission. The dispatcher owns it from
// enqueue until fan-out; the reply channel is the only way back to the
// originating handler.
type Envelope struct {
	// SentAt is captured when the ingress handler builds the envelope. The
	// flush timer for a batch is measured from the oldest SentAt in it.
	SentAt time.Time

	// Inputs is drained exactly once when the batch is assembled.
	Inputs []string

	// InputsCount is recorded at construction so the response can be sliced
	// after Inputs has been drained.
	InputsCount int

	ctx   context.Context
	reply chan Result
}

func NewEnvelope(ctx context.Context, inputs []string) *Envelope {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Envelope{
		SentAt:      time.Now().UTC(),
		Inputs:      inputs,
		InputsCount: len(inputs),
		ctx:         ctx,
		reply:       make(chan Result, 1),
	}
}

// Reply exposes the receive side of the one-shot reply channel.
func (e *Envelope) Reply() <-chan Result {
	return e.reply
}

// deliver writes the terminal result. The channel is buffered so the send
// never blocks; a caller that already abandoned its request is detected via
// its context and reported as undelivered.
func (e *Envelope) deliver(result Result) bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.reply <- result
	return true
}

// drainInputs moves the input list out of the envelope, leaving it empty.
func (e *Envelope) drainInputs() []string {
	inputs := e.Inputs
	e.Inputs = nil
	return inputs
}
