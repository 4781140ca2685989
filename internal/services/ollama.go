package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

const errLoggerKey = "err"

// errStopped is returned from the Ollama response callback when the consumer stops iterating.
var errStopped = errors.New("stream stopped by consumer")

// Ollama is the model client adapter for a local Ollama runtime. It is safe for concurrent use; the
// system prompt is supplied per call so that the adapter itself holds no mutable state.
type Ollama struct {
	host    string
	model   string
	options map[string]any
	retry   RetryPolicy

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama adapter for the given host URL and model name. An empty host falls back
// to the default local Ollama address.
func NewOllama(host, model string, options map[string]any, retry RetryPolicy, logger *slog.Logger) (*Ollama, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return &Ollama{
		host:    host,
		model:   model,
		options: options,
		retry:   retry,
		client:  api.NewClient(u, &http.Client{}),
		logger:  logger.With(slog.String("module", "ollama")),
	}, nil
}

// Model returns the name of the model requests are sent to.
func (o *Ollama) Model() string {
	return o.model
}

// CompleteChat sends the conversation and blocks until the full response is available. Transient failures
// are retried according to the adapter's retry policy before a *models.ServiceError is returned.
func (o *Ollama) CompleteChat(ctx context.Context, systemPrompt string, messages []models.Message) (string, error) {
	if err := models.ValidateConversation(messages); err != nil {
		return "", &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err}
	}
	req := o.chatRequest(systemPrompt, messages, false)

	var reply string
	err := retry(ctx, o.retry, o.logger, isTransient, func() error {
		var sb strings.Builder
		if err := o.client.Chat(ctx, req, func(res api.ChatResponse) error {
			sb.WriteString(res.Message.Content)
			return nil
		}); err != nil {
			return classifyOllamaError(ctx, err)
		}
		reply = strings.TrimSpace(sb.String())
		if reply == "" {
			return &models.ServiceError{Kind: models.ServiceEmptyResponse, Err: errors.New("empty message content")}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// StreamChat streams the response as a sequence of text deltas. Each yielded string is the increment since
// the previous one. Failures, either before the first delta or mid-stream, are yielded once as a
// *models.ServiceError and end the sequence. Opening the stream is retried only while nothing has been
// yielded yet. Breaking out of the loop cancels the underlying request.
func (o *Ollama) StreamChat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := models.ValidateConversation(messages); err != nil {
			yield("", &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err})
			return
		}
		req := o.chatRequest(systemPrompt, messages, true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		started := false
		stopped := false
		err := retry(ctx, o.retry, o.logger, func(err error) bool {
			return !started && isTransient(err)
		}, func() error {
			err := o.client.Chat(ctx, req, func(res api.ChatResponse) error {
				if res.Message.Content == "" {
					return nil
				}
				started = true
				if !yield(res.Message.Content, nil) {
					stopped = true
					return errStopped
				}
				return nil
			})
			switch {
			case stopped:
				return nil
			case err != nil:
				return classifyOllamaError(ctx, err)
			case !started:
				return &models.ServiceError{Kind: models.ServiceEmptyResponse, Err: errors.New("stream ended without content")}
			}
			return nil
		})
		if err == nil || stopped {
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		yield("", err)
	}
}

// Health checks that the runtime answers and that the configured model is installed.
func (o *Ollama) Health(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return classifyOllamaError(ctx, err)
	}

	list, err := o.client.List(ctx)
	if err != nil {
		return classifyOllamaError(ctx, err)
	}
	for _, m := range list.Models {
		if modelNameMatches(m.Name, o.model) || modelNameMatches(m.Model, o.model) {
			return nil
		}
	}
	return &models.ServiceError{
		Kind: models.ServiceModelNotFound,
		Err:  fmt.Errorf("model %q is not installed", o.model),
	}
}

func (o *Ollama) chatRequest(systemPrompt string, messages []models.Message, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    string(models.RoleSystem),
			Content: systemPrompt,
		})
	}

	return &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  o.options,
	}
}

// modelNameMatches compares model names, treating a missing tag as ":latest".
func modelNameMatches(installed, wanted string) bool {
	if installed == wanted {
		return true
	}
	if !strings.Contains(wanted, ":") {
		return installed == wanted+":latest"
	}
	return false
}

func classifyOllamaError(ctx context.Context, err error) error {
	var serr *models.ServiceError
	if errors.As(err, &serr) {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.ServiceError{Kind: models.ServiceTimeout, Err: err}
	}

	statusCode := 0
	var statusErr api.StatusError
	var statusErrPtr *api.StatusError
	switch {
	case errors.As(err, &statusErr):
		statusCode = statusErr.StatusCode
	case errors.As(err, &statusErrPtr):
		statusCode = statusErrPtr.StatusCode
	}

	switch {
	case statusCode == http.StatusNotFound:
		return &models.ServiceError{Kind: models.ServiceModelNotFound, Err: err}
	case statusCode >= http.StatusInternalServerError:
		return &models.ServiceError{Kind: models.ServiceUpstream, Err: err}
	case statusCode >= http.StatusBadRequest:
		return &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err}
	case statusCode == 0 && strings.Contains(err.Error(), "not found"):
		return &models.ServiceError{Kind: models.ServiceModelNotFound, Err: err}
	default:
		return &models.ServiceError{Kind: models.ServiceUnreachable, Err: err}
	}
}
