package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
	"github.com/NexionisJake/Synapse-sub001/internal/stream"
)

// LLM is the model client the handlers talk to. Both calls take the system prompt explicitly so that a
// prompt change applies to the next request without touching the client.
type LLM interface {
	stream.LLM
	Health(ctx context.Context) error
}

// Relay streams a reply to a sink.
type Relay interface {
	Stream(ctx context.Context, sink stream.Sink, systemPrompt string, messages []models.Message) stream.Outcome
}

// PromptManager owns the active system prompt and its version history.
type PromptManager interface {
	Current() models.Prompt
	Update(ctx context.Context, text, note string) (models.Prompt, error)
	Revert(ctx context.Context, version int) (models.Prompt, error)
	History(ctx context.Context) ([]models.Prompt, error)
}

// MemoryStore persists insights extracted from conversations.
type MemoryStore interface {
	Insights(ctx context.Context) ([]models.Insight, error)
	AddInsights(ctx context.Context, contents []string) ([]models.Insight, error)
	DeleteInsight(ctx context.Context, id string) error
}

// Options tune the handlers.
type Options struct {
	// InsightPrompt is the system prompt of memory extraction calls.
	InsightPrompt string
	// InjectInsights is how many of the most recent insights are appended to the system prompt of chat
	// calls. Zero disables injection.
	InjectInsights int
}

// DefaultInsightPrompt asks the model for a markdown list of facts worth remembering.
const DefaultInsightPrompt = `You read conversations and extract durable facts about the user: preferences, goals, ` +
	`background and ongoing projects. Reply with a markdown bullet list, one short fact per item. ` +
	`Reply with an empty list when there is nothing worth remembering.`

const (
	promptSSETopic = "prompt"
	memorySSETopic = "memory"

	maxBodyBytes = 1 << 20
)

// SSE event types of the broadcast stream.
var (
	promptSSEType = sse.Type("prompt")
	memorySSEType = sse.Type("memory")
)

// Main serves the chat, prompt and memory APIs, and broadcasts prompt and memory changes to subscribers
// of the event stream.
type Main struct {
	sseSrv *sse.Server

	llm     LLM
	relay   Relay
	prompts PromptManager
	memory  MemoryStore
	opts    Options

	logger *slog.Logger
}

// NewMain creates the handlers. Subscribers of the event stream get both topics unless they narrow the
// set with one or more "topic" query parameters.
func NewMain(llm LLM, relay Relay, prompts PromptManager, memory MemoryStore, opts Options, log *slog.Logger) Main {
	if opts.InsightPrompt == "" {
		opts.InsightPrompt = DefaultInsightPrompt
	}
	if log == nil {
		log = logger.Nop()
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}
				requested := s.Req.URL.Query()["topic"]
				if len(requested) == 0 {
					requested = []string{promptSSETopic, memorySSETopic}
				}
				for _, t := range requested {
					if t != promptSSETopic && t != memorySSETopic {
						return sse.Subscription{}, false
					}
					topics = append(topics, t)
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		llm:     llm,
		relay:   relay,
		prompts: prompts,
		memory:  memory,
		opts:    opts,
		logger:  log.With(slog.String("module", "handlers")),
	}
}

// Register adds the routes to mux.
func (m Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("GET /api/health", m.HandleHealth)
	mux.HandleFunc("POST /api/chat", m.HandleChat)

	mux.HandleFunc("GET /api/prompt", m.HandleGetPrompt)
	mux.HandleFunc("PUT /api/prompt", m.HandleUpdatePrompt)
	mux.HandleFunc("GET /api/prompt/history", m.HandlePromptHistory)
	mux.HandleFunc("POST /api/prompt/revert", m.HandleRevertPrompt)

	mux.HandleFunc("GET /api/memory", m.HandleInsights)
	mux.HandleFunc("POST /api/memory/extract", m.HandleExtractInsights)
	mux.HandleFunc("DELETE /api/memory/{id}", m.HandleDeleteInsight)

	mux.HandleFunc("GET /sse/events", m.HandleSSE)
}

// HandleSSE serves the broadcast event stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected clients
// and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires data for the event to be dispatched.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) publish(typ sse.EventType, topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event", slog.String("topic", topic), slog.Any(logger.ErrKey, err))
		return
	}

	msg := &sse.Message{Type: typ}
	msg.AppendData(string(b))
	if err := m.sseSrv.Publish(msg, topic); err != nil {
		m.logger.Warn("Failed to publish event", slog.String("topic", topic), slog.Any(logger.ErrKey, err))
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the HTTP error contract. Only sanitized text reaches the client.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *models.ValidationError
		serr *models.ServiceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: verr.Error()})
	case errors.As(err, &serr) && serr.Kind == models.ServiceInvalidRequest:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: serr.UserMessage()})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service_unavailable", Message: serr.UserMessage()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "The requested resource does not exist."})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: models.UserMessage(err)})
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &models.ValidationError{Field: "body", Message: "request body is too large"}
		}
		return &models.ValidationError{Field: "body", Message: "request body must be valid JSON"}
	}
	return nil
}
