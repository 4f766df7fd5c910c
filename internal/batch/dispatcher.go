package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rustworthy/batching-proxy/internal/inference"
	"github.com/rustworthy/batching-proxy/internal/telemetry"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

const (
	triggerSize     = "size"
	triggerTime     = "time"
	triggerShutdown = "shutdown"
)

// Embedder is the upstream dependency of the dispatcher. It must be safe for
// overlapping calls from concurrent batch tasks.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([]inference.Embedding, error)
}

type Config struct {
	MaxWaitTime    time.Duration
	MaxBatchSize   int
	IntakeCapacity int
}

// Dispatcher owns the bounded intake queue, the pending batch and the flush
// timer. Run is the single consumer; batch state is never touched from any
// other goroutine, so no locking is needed around it.
type Dispatcher struct {
	embedder Embedder
	logger   *log.Logger
	config   Config

	in        chan *Envelope
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	tasks     sync.WaitGroup
}

func NewDispatcher(embedder Embedder, cfg Config, logger *log.Logger) *Dispatcher {
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 100 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = 1000
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Dispatcher{
		embedder: embedder,
		logger:   logger,
		config:   cfg,
		in:       make(chan *Envelope, cfg.IntakeCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue pushes an envelope onto the intake queue in FIFO order. A full
// queue suspends the producer until space frees up, the producer's context
// expires, or the dispatcher shuts down.
func (d *Dispatcher) Enqueue(ctx context.Context, envelope *Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}

	select {
	case d.in <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherClosed
	}
}

// Close stops the intake, lets Run flush whatever is pending, and waits for
// in-flight batch tasks to finish delivering replies.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.done
	})
}

// Done is closed once Run has returned and every batch task has delivered.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run consumes the intake queue until Close is called. Besides the stop
// signal from Close, it waits on two events: a new envelope, or the flush
// timer. The timer is armed iff the
// pending batch is non-empty, with a deadline measured from the oldest
// envelope's SentAt. Per-batch errors never surface here; they reach each
// envelope through its reply channel.
func (d *Dispatcher) Run() {
	defer close(d.done)

	d.logger.Printf(
		"dispatcher running max_wait_ms=%d max_batch_size=%d intake_capacity=%d",
		d.config.MaxWaitTime.Milliseconds(),
		d.config.MaxBatchSize,
		d.config.IntakeCapacity,
	)

	pending := make([]*Envelope, 0, d.config.MaxBatchSize)
	timer := time.NewTimer(d.config.MaxWaitTime)
	stopTimer(timer)
	timerRunning := false

	flush := func(trigger string) {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = make([]*Envelope, 0, d.config.MaxBatchSize)
		d.tasks.Add(1)
		go d.dispatch(batch, trigger)
	}

	for {
		var timerCh <-chan time.Time
		if timerRunning {
			timerCh = timer.C
		}

		select {
		case <-d.stop:
			stopTimer(timer)
			d.drainIntake(&pending, flush)
			flush(triggerShutdown)
			d.tasks.Wait()
			return
		case <-timerCh:
			timerRunning = false
			flush(triggerTime)
		case envelope := <-d.in:
			telemetry.IntakeDepth.Set(float64(len(d.in)))
			if len(pending) == 0 {
				// The envelope may have already spent part (or all) of the
				// latency budget waiting in the intake queue.
				wait := d.config.MaxWaitTime - time.Since(envelope.SentAt)
				if wait < 0 {
					wait = 0
				}
				resetTimer(timer, wait)
				timerRunning = true
			}
			pending = append(pending, envelope)
			if len(pending) >= d.config.MaxBatchSize {
				stopTimer(timer)
				timerRunning = false
				flush(triggerSize)
			}
		}
	}
}

// drainIntake empties whatever producers managed to enqueue before shutdown,
// flushing at the size bound so no batch ever exceeds it.
func (d *Dispatcher) drainIntake(pending *[]*Envelope, flush func(string)) {
	for {
		select {
		case envelope := <-d.in:
			*pending = append(*pending, envelope)
			if len(*pending) >= d.config.MaxBatchSize {
				flush(triggerSize)
			}
		default:
			return
		}
	}
}

// dispatch owns the taken batch: it concatenates the drained inputs, calls
// the upstream service once, and fans the response out by stored offsets.
// The batch is atomic upstream: one call either succeeds for every envelope
// or fails for every envelope with the same shared error.
func (d *Dispatcher) dispatch(batch []*Envelope, trigger string) {
	defer d.tasks.Done()

	total := 0
	for _, envelope := range batch {
		total += envelope.InputsCount
	}
	inputs := make([]string, 0, total)
	for _, envelope := range batch {
		inputs = append(inputs, envelope.drainInputs()...)
	}

	telemetry.BatchesTotal.WithLabelValues(trigger).Inc()
	telemetry.BatchSize.Observe(float64(len(batch)))
	telemetry.BatchInputs.Observe(float64(total))

	embeddings, err := d.embedder.Embed(context.Background(), inputs)
	if err == nil && len(embeddings) != total {
		err = &inference.DecodeError{
			Reason: fmt.Sprintf("expected %d embeddings, got %d", total, len(embeddings)),
		}
	}

	if err != nil {
		telemetry.UpstreamFailuresTotal.WithLabelValues(failureKind(err)).Inc()
		d.logger.Printf(
			"batch upstream call failed trigger=%s envelopes=%d inputs=%d err=%v",
			trigger, len(batch), total, err,
		)
		for _, envelope := range batch {
			if !envelope.deliver(Result{Err: err}) {
				d.reportAbandoned(envelope)
			}
		}
		return
	}

	offset := 0
	for _, envelope := range batch {
		slice := embeddings[offset : offset+envelope.InputsCount]
		offset += envelope.InputsCount
		if !envelope.deliver(Result{Embeddings: slice}) {
			d.reportAbandoned(envelope)
		}
	}
}

func (d *Dispatcher) reportAbandoned(envelope *Envelope) {
	telemetry.AbandonedRepliesTotal.Inc()
	d.logger.Printf(
		"reply channel abandoned, caller gone inputs=%d waited_ms=%d",
		envelope.InputsCount,
		time.Since(envelope.SentAt).Milliseconds(),
	)
}

func failureKind(err error) string {
	var transportErr *inference.TransportError
	if errors.As(err, &transportErr) {
		return "transport"
	}
	var decodeErr *inference.DecodeError
	if errors.As(err, &decodeErr) {
		return "decode"
	}
	return "other"
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, value time.Duration) {
	stopTimer(timer)
	timer.Reset(value)
}
