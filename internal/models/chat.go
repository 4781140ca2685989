package models

import (
	"time"
)

// ChatRequest is the body accepted by the chat endpoint. When Stream is false or absent the reply is a
// single ChatResponse, otherwise it is a sequence of StreamChunk frames.
type ChatRequest struct {
	Conversation []Message `json:"conversation"`
	Stream       bool      `json:"stream"`
}

// ChatResponse is the body returned by the non-streaming chat path.
type ChatResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
}

// StreamChunk is one record of a streamed reply. A fresh sequence is created for every request and is
// never persisted. ChunkID starts at 1 and increases by one per emitted chunk, and Done is true only on the
// last chunk of the sequence.
type StreamChunk struct {
	Content     string    `json:"content"`
	FullContent string    `json:"full_content"`
	ChunkID     int       `json:"chunk_id"`
	Timestamp   time.Time `json:"timestamp"`
	Done        bool      `json:"done"`
	Model       string    `json:"model"`

	// Error is a machine readable code, set only when the attempt degraded or failed.
	Error string `json:"error,omitempty"`
	// Message is human readable guidance accompanying Error.
	Message string `json:"message,omitempty"`
	// FallbackMode marks the terminal chunk produced by the non-streaming recovery call.
	FallbackMode bool `json:"fallback_mode,omitempty"`

	StreamingStats *StreamingStats `json:"streaming_stats,omitempty"`
}

// StreamingStats is informational telemetry attached to terminal chunks.
type StreamingStats struct {
	TotalChunks     int     `json:"total_chunks"`
	TotalCharacters int     `json:"total_characters"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	CharsPerSecond  float64 `json:"chars_per_second"`
}

// Stream chunk error codes.
const (
	ChunkErrorTimeout         = "streaming_timeout"
	ChunkErrorStreaming       = "streaming_error"
	ChunkErrorCompleteFailure = "complete_failure"
)
