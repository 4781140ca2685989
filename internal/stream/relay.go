package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// DefaultTimeout is the per-request streaming budget.
const DefaultTimeout = 120 * time.Second

const timeoutMessage = "Processing is taking longer than usual. Switching to standard mode to finish your response."

// LLM is the model capability the relay drives.
type LLM interface {
	CompleteChat(ctx context.Context, systemPrompt string, messages []models.Message) (string, error)
	StreamChat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error]
	Model() string
}

// Outcome is how a stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed"
	// OutcomeCanceled means the client went away; it may not have received a terminal chunk.
	OutcomeCanceled Outcome = "canceled"
)

// Config tunes a Relay.
type Config struct {
	// Timeout is the wall-clock budget of the streaming attempt. Chunks already queued when it passes are
	// forwarded before the fallback starts, at most one queue's worth.
	Timeout time.Duration `yaml:"timeout"`
	// FallbackTimeout bounds the blocking recovery call. Defaults to Timeout.
	FallbackTimeout time.Duration `yaml:"fallbackTimeout"`
	// KeepAlive is the interval of comment frames sent while waiting. Zero disables them.
	KeepAlive time.Duration `yaml:"keepAlive"`
}

// Relay turns StreamChat output into a chunk sequence with timeout-driven fallback.
type Relay struct {
	llm     LLM
	pool    *Pool
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
}

// NewRelay creates a relay. Producers are taken from pool; fallbacks call llm directly.
func NewRelay(llm LLM, pool *Pool, cfg Config, metrics *Metrics, log *slog.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = cfg.Timeout
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Relay{
		llm:     llm,
		pool:    pool,
		cfg:     cfg,
		metrics: metrics,
		logger:  log.With(slog.String("module", "relay")),
	}
}

// Timeout returns the effective streaming budget.
func (r *Relay) Timeout() time.Duration {
	return r.cfg.Timeout
}

// Stream relays one reply to sink and reports how it ended. Unless the client disconnects, sink receives
// chunks with ids 1, 2, 3... of which only the last has Done set.
func (r *Relay) Stream(ctx context.Context, sink Sink, systemPrompt string, messages []models.Message) Outcome {
	s := &session{
		relay:        r,
		sink:         sink,
		systemPrompt: systemPrompt,
		messages:     messages,
		model:        r.llm.Model(),
		start:        time.Now(),
	}

	outcome := s.run(ctx)
	elapsed := time.Since(s.start)
	r.metrics.observeOutcome(outcome, elapsed)
	r.logger.Debug("Stream finished",
		slog.String("outcome", string(outcome)),
		slog.Int("chunks", s.lastID),
		slog.Duration("elapsed", elapsed))
	return outcome
}

// session is the state of one Stream call.
type session struct {
	relay        *Relay
	sink         Sink
	systemPrompt string
	messages     []models.Message
	model        string
	start        time.Time

	lastID   int
	full     string
	finished bool
}

var errFinished = errors.New("terminal chunk already sent")

func (s *session) run(ctx context.Context) Outcome {
	r := s.relay
	deadline := s.start.Add(r.cfg.Timeout)

	// The producer outlives neither the request nor this call.
	producerCtx, stop := context.WithCancel(ctx)
	defer stop()

	events, err := r.pool.Start(producerCtx, Job{
		SystemPrompt: s.systemPrompt,
		Messages:     s.messages,
		Start:        s.start,
		Deadline:     deadline,
	})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		r.logger.Warn("No producer available before deadline", slog.Any(logger.ErrKey, err))
		return s.fallback(ctx)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var keepAlive <-chan time.Time
	if r.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(r.cfg.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	// pending counts the chunks still to forward once the deadline has passed.
	expired, pending := false, 0
	for {
		var (
			ev Event
			ok bool
		)
		if expired {
			// Chunks queued when the deadline passed are still delivered. Anything produced later is not.
			if pending == 0 {
				stop()
				return s.fallback(ctx)
			}
			select {
			case ev, ok = <-events:
				pending--
			default:
				stop()
				return s.fallback(ctx)
			}
		} else {
			select {
			case <-ctx.Done():
				return OutcomeCanceled
			case <-timer.C:
				expired, pending = true, len(events)
				continue
			case <-keepAlive:
				if err := s.sink.KeepAlive(); err != nil {
					return OutcomeCanceled
				}
				continue
			case ev, ok = <-events:
			}
		}

		if !ok {
			if ctx.Err() != nil {
				return OutcomeCanceled
			}
			r.logger.Error("Producer stopped without a terminal chunk")
			return s.terminate(ChunkParams{
				Error:   models.ChunkErrorStreaming,
				Message: models.UserMessage(nil),
			}, OutcomeFailed)
		}

		if err := s.send(ev.Chunk); err != nil {
			return OutcomeCanceled
		}

		switch ev.Kind {
		case EventCompleted:
			return OutcomeCompleted
		case EventFailed:
			r.logger.Error("Stream failed", slog.Int("chunk_id", ev.Chunk.ChunkID), slog.Any(logger.ErrKey, ev.Err))
			return OutcomeFailed
		}
	}
}

// fallback announces the degradation, then finishes the stream with one blocking call.
func (s *session) fallback(ctx context.Context) Outcome {
	r := s.relay
	r.metrics.fallback()
	r.logger.Warn("Streaming timed out, falling back to standard mode",
		slog.Duration("timeout", r.cfg.Timeout),
		slog.Int("chunks", s.lastID))

	notice := NewChunk(ChunkParams{
		FullContent: s.full,
		ChunkID:     s.lastID + 1,
		Model:       s.model,
		Error:       models.ChunkErrorTimeout,
		Message:     timeoutMessage,
		Now:         time.Now(),
	})
	if err := s.send(notice); err != nil {
		return OutcomeCanceled
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FallbackTimeout)
	defer cancel()

	text, err := r.llm.CompleteChat(fctx, s.systemPrompt, s.messages)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		r.logger.Error("Fallback failed", slog.Any(logger.ErrKey, err))
		return s.terminate(ChunkParams{
			Error:   models.ChunkErrorCompleteFailure,
			Message: models.UserMessage(err),
		}, OutcomeFailed)
	}

	return s.terminate(ChunkParams{
		Delta:        text,
		FullContent:  text,
		FallbackMode: true,
	}, OutcomeFallback)
}

// terminate sends the terminal chunk described by p, continuing the id sequence.
func (s *session) terminate(p ChunkParams, outcome Outcome) Outcome {
	p.ChunkID = s.lastID + 1
	p.Done = true
	p.Model = s.model
	p.Start = s.start
	p.Now = time.Now()
	if p.FullContent == "" {
		p.FullContent = s.full
	}
	if err := s.send(NewChunk(p)); err != nil {
		return OutcomeCanceled
	}
	return outcome
}

func (s *session) send(chunk models.StreamChunk) error {
	if s.finished {
		return errFinished
	}
	if err := s.sink.Send(chunk); err != nil {
		s.relay.logger.Debug("Client went away", slog.Any(logger.ErrKey, err))
		return err
	}

	s.relay.metrics.chunkSent()
	s.lastID = chunk.ChunkID
	s.full = chunk.FullContent
	s.finished = chunk.Done
	return nil
}
