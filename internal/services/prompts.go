package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// MaxPromptBytes caps the size of a system prompt.
const MaxPromptBytes = 16 * 1024

// PromptStore persists prompt versions.
type PromptStore interface {
	LatestPrompt(ctx context.Context) (models.Prompt, error)
	Prompt(ctx context.Context, version int) (models.Prompt, error)
	AddPrompt(ctx context.Context, text, note string) (models.Prompt, error)
	Prompts(ctx context.Context) ([]models.Prompt, error)
}

// Prompts owns the active system prompt. Readers call Current, which is a lock-free atomic load, so a chat
// call always sees either the previous or the new prompt in full. Writers are serialized so that the
// persisted history and the active prompt advance together.
type Prompts struct {
	store PromptStore

	mu      sync.Mutex
	current atomic.Pointer[models.Prompt]

	logger *slog.Logger
}

// NewPrompts loads the latest prompt from store. If the store is empty, defaultText is saved as version 1.
func NewPrompts(ctx context.Context, store PromptStore, defaultText string, logger *slog.Logger) (*Prompts, error) {
	p := &Prompts{
		store:  store,
		logger: logger.With(slog.String("module", "prompts")),
	}

	latest, err := store.LatestPrompt(ctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		if err := validatePrompt(defaultText); err != nil {
			return nil, fmt.Errorf("invalid default prompt: %w", err)
		}
		latest, err = store.AddPrompt(ctx, defaultText, "default")
		if err != nil {
			return nil, fmt.Errorf("failed to seed default prompt: %w", err)
		}
		p.logger.Info("Seeded default system prompt")
	default:
		return nil, fmt.Errorf("failed to load prompt: %w", err)
	}

	p.current.Store(&latest)
	return p, nil
}

// Current returns the active prompt.
func (p *Prompts) Current() models.Prompt {
	return *p.current.Load()
}

// Update saves text as a new version and makes it active.
func (p *Prompts) Update(ctx context.Context, text, note string) (models.Prompt, error) {
	if err := validatePrompt(text); err != nil {
		return models.Prompt{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prompt, err := p.store.AddPrompt(ctx, text, note)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("failed to save prompt: %w", err)
	}
	p.current.Store(&prompt)

	p.logger.Info("System prompt updated", slog.Int("version", prompt.Version))
	return prompt, nil
}

// Revert makes the text of an earlier version active again by saving it as a new version.
func (p *Prompts) Revert(ctx context.Context, version int) (models.Prompt, error) {
	old, err := p.store.Prompt(ctx, version)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("failed to load prompt version %d: %w", version, err)
	}
	return p.Update(ctx, old.Text, fmt.Sprintf("revert to version %d", version))
}

// History returns every prompt version, newest first.
func (p *Prompts) History(ctx context.Context) ([]models.Prompt, error) {
	return p.store.Prompts(ctx)
}

func validatePrompt(text string) error {
	if strings.TrimSpace(text) == "" {
		return &models.ValidationError{Field: "prompt", Message: "prompt must not be empty"}
	}
	if len(text) > MaxPromptBytes {
		return &models.ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("prompt must not exceed %d bytes", MaxPromptBytes),
		}
	}
	return nil
}
