package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem is reserved for the active system prompt, which the server injects as the first entry of
	// every conversation sent to the model.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a message previously produced by the model.
	RoleAssistant Role = "assistant"
)

const (
	// MaxMessageContentBytes caps the size of a single message content.
	MaxMessageContentBytes = 32 * 1024
	// MaxConversationMessages caps the number of messages accepted in one conversation.
	MaxConversationMessages = 200
)

// Message is a single turn of a conversation. The ordered slice of messages forms the conversation, where
// insertion order is turn order.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,nonblank,maxbytes"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// ValidateConversation checks that messages form a processable conversation: it must be non-empty, not
// longer than MaxConversationMessages, and every entry must carry a user or assistant role and non-blank content. The
// returned error is always a *ValidationError.
func ValidateConversation(messages []Message) error {
	if len(messages) == 0 {
		return &ValidationError{Field: "conversation", Message: "conversation must contain at least one message"}
	}
	if len(messages) > MaxConversationMessages {
		return &ValidationError{
			Field:   "conversation",
			Message: fmt.Sprintf("conversation must not exceed %d messages", MaxConversationMessages),
		}
	}

	for i := range messages {
		if err := validate.Struct(&messages[i]); err != nil {
			return messageValidationError(i, err)
		}
	}
	return nil
}

func messageValidationError(idx int, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: fmt.Sprintf("conversation[%d]", idx), Message: "invalid message"}
	}

	fe := verrs[0]
	field := fmt.Sprintf("conversation[%d].%s", idx, strings.ToLower(fe.Field()))

	var msg string
	switch fe.Tag() {
	case "required", "nonblank":
		msg = fmt.Sprintf("%s must not be empty", strings.ToLower(fe.Field()))
	case "oneof":
		msg = "role must be user or assistant; the system prompt is set by the server"
	case "maxbytes":
		msg = fmt.Sprintf("content must not exceed %d bytes", MaxMessageContentBytes)
	default:
		msg = fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field()))
	}

	return &ValidationError{Field: field, Message: msg}
}
