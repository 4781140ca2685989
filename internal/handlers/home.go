package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

const healthTimeout = 5 * time.Second

type homeResponse struct {
	Name          string            `json:"name"`
	Model         string            `json:"model"`
	PromptVersion int               `json:"prompt_version"`
	Endpoints     map[string]string `json:"endpoints"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Message string `json:"message,omitempty"`
}

func (m Main) HandleHome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, homeResponse{
		Name:          "synapse",
		Model:         m.llm.Model(),
		PromptVersion: m.prompts.Current().Version,
		Endpoints: map[string]string{
			"chat":   "POST /api/chat",
			"prompt": "GET|PUT /api/prompt",
			"memory": "GET /api/memory",
			"health": "GET /api/health",
			"events": "GET /sse/events",
		},
	})
}

// HandleHealth reports whether the model runtime is reachable and has the configured model.
func (m Main) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := m.llm.Health(ctx); err != nil {
		m.logger.Warn("Health check failed", slog.Any(logger.ErrKey, err))

		var serr *models.ServiceError
		status := http.StatusInternalServerError
		if errors.As(err, &serr) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, healthResponse{
			Status:  "unavailable",
			Model:   m.llm.Model(),
			Message: models.UserMessage(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Model: m.llm.Model()})
}
