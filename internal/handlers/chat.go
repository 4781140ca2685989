package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
	"github.com/NexionisJake/Synapse-sub001/internal/stream"
)

// HandleChat answers a conversation. The body is a models.ChatRequest.
//
// Malformed input is rejected with 400 before any model call is made. With "stream": true the reply is an
// event stream of models.StreamChunk frames; once the stream has started every failure is reported
// in-band by its terminal chunk. Otherwise the reply is a single models.ChatResponse, or 503 when the model
// service can't answer and 500 for anything else.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := m.logger.With(slog.String("request_id", requestID))
	w.Header().Set("X-Request-ID", requestID)

	var req models.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		log.Warn("Invalid chat request", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}
	if err := models.ValidateConversation(req.Conversation); err != nil {
		log.Warn("Invalid conversation", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	systemPrompt := m.systemPrompt(r.Context())

	if req.Stream {
		outcome := m.relay.Stream(r.Context(), stream.NewHTTPSink(w), systemPrompt, req.Conversation)
		log.Info("Chat streamed",
			slog.String("outcome", string(outcome)),
			slog.Int("messages", len(req.Conversation)))
		return
	}

	start := time.Now()
	reply, err := m.llm.CompleteChat(r.Context(), systemPrompt, req.Conversation)
	if err != nil {
		log.Error("Chat failed", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	log.Info("Chat answered",
		slog.Int("messages", len(req.Conversation)),
		slog.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, models.ChatResponse{
		Message:   reply,
		Timestamp: time.Now(),
		Model:     m.llm.Model(),
	})
}

// systemPrompt returns the active prompt, followed by the most recent insights when injection is on.
func (m Main) systemPrompt(ctx context.Context) string {
	prompt := m.prompts.Current().Text
	if m.opts.InjectInsights <= 0 {
		return prompt
	}

	insights, err := m.memory.Insights(ctx)
	if err != nil {
		m.logger.Warn("Failed to load insights for prompt", slog.Any(logger.ErrKey, err))
		return prompt
	}
	if len(insights) == 0 {
		return prompt
	}
	if len(insights) > m.opts.InjectInsights {
		insights = insights[len(insights)-m.opts.InjectInsights:]
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nWhat you remember about the user:\n")
	for _, in := range insights {
		fmt.Fprintf(&sb, "- %s\n", in.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
