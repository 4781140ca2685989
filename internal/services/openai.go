package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// OpenAI is the model client adapter for OpenAI-compatible runtimes such as the llama.cpp server,
// LM Studio or vLLM.
type OpenAI struct {
	model       string
	temperature *float32
	retry       RetryPolicy

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI adapter. baseURL may be empty to use the public OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string, temperature *float32, retry RetryPolicy, logger *slog.Logger) (*OpenAI, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		model:       model,
		temperature: temperature,
		retry:       retry,
		client:      goopenai.NewClientWithConfig(cfg),
		logger:      logger.With(slog.String("module", "openai")),
	}, nil
}

// Model returns the name of the model requests are sent to.
func (o *OpenAI) Model() string {
	return o.model
}

// CompleteChat sends the conversation and returns the first choice's content.
func (o *OpenAI) CompleteChat(ctx context.Context, systemPrompt string, messages []models.Message) (string, error) {
	if err := models.ValidateConversation(messages); err != nil {
		return "", &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err}
	}
	req := o.chatRequest(systemPrompt, messages, false)

	var reply string
	err := retry(ctx, o.retry, o.logger, isTransient, func() error {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return &models.ServiceError{Kind: models.ServiceEmptyResponse, Err: errors.New("no choices found")}
		}
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
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

// StreamChat streams the first choice's content deltas. See Ollama.StreamChat for the contract.
func (o *OpenAI) StreamChat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := models.ValidateConversation(messages); err != nil {
			yield("", &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err})
			return
		}
		req := o.chatRequest(systemPrompt, messages, true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var stream *goopenai.ChatCompletionStream
		err := retry(ctx, o.retry, o.logger, isTransient, func() error {
			var err error
			stream, err = o.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				return classifyOpenAIError(err)
			}
			return nil
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				yield("", err)
			}
			return
		}
		defer stream.Close()

		started := false
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if !started {
						yield("", &models.ServiceError{Kind: models.ServiceEmptyResponse, Err: errors.New("stream ended without content")})
					}
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", classifyOpenAIError(err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			started = true
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Health checks that the runtime lists the configured model.
func (o *OpenAI) Health(ctx context.Context) error {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return classifyOpenAIError(err)
	}
	for _, m := range list.Models {
		if m.ID == o.model {
			return nil
		}
	}
	return &models.ServiceError{
		Kind: models.ServiceModelNotFound,
		Err:  fmt.Errorf("model %q is not served", o.model),
	}
}

func (o *OpenAI) chatRequest(systemPrompt string, messages []models.Message, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   stream,
	}
	if o.temperature != nil {
		req.Temperature = *o.temperature
	}
	return req
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.ServiceError{Kind: models.ServiceTimeout, Err: err}
	}

	statusCode := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		statusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		statusCode = reqErr.HTTPStatusCode
	}

	switch {
	case statusCode == http.StatusNotFound:
		return &models.ServiceError{Kind: models.ServiceModelNotFound, Err: err}
	case statusCode >= http.StatusInternalServerError:
		return &models.ServiceError{Kind: models.ServiceUpstream, Err: err}
	case statusCode >= http.StatusBadRequest:
		return &models.ServiceError{Kind: models.ServiceInvalidRequest, Err: err}
	default:
		return &models.ServiceError{Kind: models.ServiceUnreachable, Err: err}
	}
}
