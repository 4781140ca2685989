package stream

import (
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// Sink receives the chunks of one stream, in order.
type Sink interface {
	// Send delivers chunk to the client. An error means the client is gone.
	Send(chunk models.StreamChunk) error
	// KeepAlive writes a frame clients ignore, so idle intermediaries keep the connection open.
	KeepAlive() error
}

// HTTPSink writes chunks as SSE frames to an HTTP response and flushes after each one.
type HTTPSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewHTTPSink sets the event-stream headers on w and returns a sink writing to it. Headers are sent with
// the first frame.
func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")

	return &HTTPSink{w: w, rc: http.NewResponseController(w)}
}

// Send implements Sink.
func (s *HTTPSink) Send(chunk models.StreamChunk) error {
	if err := WriteChunk(s.w, chunk); err != nil {
		return err
	}
	return s.flush()
}

// KeepAlive implements Sink with an SSE comment frame.
func (s *HTTPSink) KeepAlive() error {
	msg := &sse.Message{}
	msg.AppendComment("keepalive")
	if _, err := msg.WriteTo(s.w); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	return s.flush()
}

func (s *HTTPSink) flush() error {
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}
