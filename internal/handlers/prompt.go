package handlers

import (
	"log/slog"
	"net/http"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

type updatePromptRequest struct {
	Prompt string `json:"prompt"`
	Note   string `json:"note"`
}

type revertPromptRequest struct {
	Version int `json:"version"`
}

type promptHistoryResponse struct {
	Current  int             `json:"current"`
	Versions []models.Prompt `json:"versions"`
}

// HandleGetPrompt returns the active system prompt.
func (m Main) HandleGetPrompt(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.prompts.Current())
}

// HandleUpdatePrompt replaces the active system prompt. The change applies to the next chat request and is
// broadcast on the prompt topic.
func (m Main) HandleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var req updatePromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := m.prompts.Update(r.Context(), req.Prompt, req.Note)
	if err != nil {
		m.logger.Warn("Failed to update prompt", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	m.publish(promptSSEType, promptSSETopic, p)
	writeJSON(w, http.StatusOK, p)
}

// HandlePromptHistory lists every saved prompt version, newest first, along with the active version number.
func (m Main) HandlePromptHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := m.prompts.History(r.Context())
	if err != nil {
		m.logger.Error("Failed to load prompt history", slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promptHistoryResponse{
		Current:  m.prompts.Current().Version,
		Versions: versions,
	})
}

// HandleRevertPrompt makes an earlier version active again by saving its text as a new version.
func (m Main) HandleRevertPrompt(w http.ResponseWriter, r *http.Request) {
	var req revertPromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version <= 0 {
		writeError(w, &models.ValidationError{Field: "version", Message: "must be a positive integer"})
		return
	}

	p, err := m.prompts.Revert(r.Context(), req.Version)
	if err != nil {
		m.logger.Warn("Failed to revert prompt", slog.Int("version", req.Version), slog.Any(logger.ErrKey, err))
		writeError(w, err)
		return
	}

	m.publish(promptSSEType, promptSSETopic, p)
	writeJSON(w, http.StatusOK, p)
}
