package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

const (
	// DefaultMaxProducers bounds how many StreamChat calls run at once.
	DefaultMaxProducers = 16
	// DefaultQueueSize is the capacity of each producer's event channel.
	DefaultQueueSize = 64
)

// ErrPoolExhausted is returned by Pool.Start when no producer slot frees up before the job deadline.
var ErrPoolExhausted = errors.New("no producer available")

// EventKind tags an Event.
type EventKind int

const (
	// EventDelta carries a non-terminal chunk.
	EventDelta EventKind = iota + 1
	// EventCompleted carries the terminal chunk of a successful stream.
	EventCompleted
	// EventFailed carries a terminal error chunk; Err holds the underlying cause.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is what a producer hands to its relay.
type Event struct {
	Kind  EventKind
	Chunk models.StreamChunk
	Err   error
}

// Job describes one streaming attempt.
type Job struct {
	SystemPrompt string
	Messages     []models.Message
	// Start stamps the streaming statistics of the terminal chunk.
	Start time.Time
	// Deadline bounds how long Start waits for a free producer slot. Zero waits until ctx ends.
	Deadline time.Time
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	MaxProducers int `yaml:"maxProducers"`
	QueueSize    int `yaml:"queueSize"`
}

// Pool runs producer goroutines, at most MaxProducers at a time.
type Pool struct {
	llm       LLM
	sem       *semaphore.Weighted
	queueSize int
	metrics   *Metrics
	logger    *slog.Logger
}

// NewPool creates a pool that streams from llm. Zero config values fall back to the defaults.
func NewPool(llm LLM, cfg PoolConfig, metrics *Metrics, log *slog.Logger) *Pool {
	if cfg.MaxProducers <= 0 {
		cfg.MaxProducers = DefaultMaxProducers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Pool{
		llm:       llm,
		sem:       semaphore.NewWeighted(int64(cfg.MaxProducers)),
		queueSize: cfg.QueueSize,
		metrics:   metrics,
		logger:    log.With(slog.String("module", "producer")),
	}
}

// Start launches a producer for job and returns its event channel. The producer runs until the stream
// ends or ctx is canceled, then closes the channel. Every stream that is not canceled ends with exactly
// one EventCompleted or EventFailed.
func (p *Pool) Start(ctx context.Context, job Job) (<-chan Event, error) {
	acquireCtx := ctx
	if !job.Deadline.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, job.Deadline)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}
	if job.Start.IsZero() {
		job.Start = time.Now()
	}

	out := make(chan Event, p.queueSize)
	p.metrics.producerStarted()
	go p.produce(ctx, job, out)
	return out, nil
}

func (p *Pool) produce(ctx context.Context, job Job, out chan<- Event) {
	model := p.llm.Model()
	var (
		full strings.Builder
		id   int
	)

	defer p.sem.Release(1)
	defer p.metrics.producerStopped()
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Producer panicked", slog.Any("panic", r))
			id++
			send(ctx, out, Event{
				Kind: EventFailed,
				Chunk: NewChunk(ChunkParams{
					FullContent: full.String(),
					ChunkID:     id,
					Done:        true,
					Model:       model,
					Error:       models.ChunkErrorStreaming,
					Message:     models.UserMessage(nil),
					Start:       job.Start,
					Now:         time.Now(),
				}),
				Err: fmt.Errorf("producer panic: %v", r),
			})
		}
	}()

	for delta, err := range p.llm.StreamChat(ctx, job.SystemPrompt, job.Messages) {
		id++
		if err != nil {
			p.logger.Warn("Stream failed", slog.Int("chunk_id", id), slog.Any(logger.ErrKey, err))
			send(ctx, out, Event{
				Kind: EventFailed,
				Chunk: NewChunk(ChunkParams{
					FullContent: full.String(),
					ChunkID:     id,
					Done:        true,
					Model:       model,
					Error:       models.ChunkErrorStreaming,
					Message:     models.UserMessage(err),
					Start:       job.Start,
					Now:         time.Now(),
				}),
				Err: err,
			})
			return
		}

		full.WriteString(delta)
		if !send(ctx, out, Event{
			Kind: EventDelta,
			Chunk: NewChunk(ChunkParams{
				Delta:       delta,
				FullContent: full.String(),
				ChunkID:     id,
				Model:       model,
				Now:         time.Now(),
			}),
		}) {
			return
		}
	}

	// A canceled StreamChat ends without an error; the relay is gone so nothing is sent.
	if ctx.Err() != nil {
		return
	}

	id++
	send(ctx, out, Event{
		Kind: EventCompleted,
		Chunk: NewChunk(ChunkParams{
			FullContent: full.String(),
			ChunkID:     id,
			Done:        true,
			Model:       model,
			Start:       job.Start,
			Now:         time.Now(),
		}),
	})
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
