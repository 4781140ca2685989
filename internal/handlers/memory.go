package handlers

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
	"github.com/NexionisJake/Synapse-sub001/internal/services"
)

const extractInstruction = "List the facts about me from this conversation that are worth remembering."

type extractRequest struct {
	Conversation []models.Message `json:"conversation"`
}

type insightsResponse struct {
	Insights []models.Insight `json:"insights"`
}

type memoryEvent struct {
	Action   string           `json:"action"`
	Insights []models.Insight `json:"insights,omitempty"`
	ID       string           `json:"id,omitempty"`
}

// HandleInsights lists the stored insights in the order they were added.
func (m Main) HandleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := m.memory.Insights(r.Context())
	if err != nil {
		m.logger.Error("Failed to load insights", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	writeJSON(w, http.StatusOK, insightsResponse{Insights: insights})
}

// HandleExtractInsights asks the model which facts in the posted conversation are worth remembering and
// stores the ones not already known. It responds with the newly stored insights.
func (m Main) HandleExtractInsights(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := models.ValidateConversation(req.Conversation); err != nil {
		writeError(w, err)
		return
	}

	messages := append(slices.Clone(req.Conversation), models.Message{Role: models.RoleUser, Content: extractInstruction})
	if len(messages) > models.MaxConversationMessages {
		messages = messages[len(messages)-models.MaxConversationMessages:]
	}

	reply, err := m.llm.CompleteChat(r.Context(), m.opts.InsightPrompt, messages)
	if err != nil {
		m.logger.Error("Insight extraction failed", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	known, err := m.memory.Insights(r.Context())
	if err != nil {
		m.logger.Error("Failed to load insights", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}
	seen := make(map[string]bool, len(known))
	for _, in := range known {
		seen[strings.ToLower(in.Content)] = true
	}

	var fresh []string
	for _, content := range services.ParseInsights(reply) {
		if !seen[strings.ToLower(content)] {
			fresh = append(fresh, content)
		}
	}
	if len(fresh) == 0 {
		writeJSON(w, http.StatusOK, insightsResponse{Insights: []models.Insight{}})
		return
	}

	added, err := m.memory.AddInsights(r.Context(), fresh)
	if err != nil {
		m.logger.Error("Failed to store insights", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	m.logger.Info("Insights stored", slog.Int("count", len(added)))
	m.publish(memorySSEType, memorySSETopic, memoryEvent{Action: "added", Insights: added})
	writeJSON(w, http.StatusCreated, insightsResponse{Insights: added})
}

// HandleDeleteInsight removes one insight and broadcasts the deletion on the memory topic.
func (m Main) HandleDeleteInsight(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.memory.DeleteInsight(r.Context(), id); err != nil {
		m.logger.Warn("Failed to delete insight", slog.String("id", id), slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	m.publish(memorySSEType, memorySSETopic, memoryEvent{Action: "deleted", ID: id})
	w.WriteHeader(http.StatusNoContent)
}
