// Package stream relays incremental model output to HTTP clients as Server-Sent Events.
//
// A Relay pairs every streaming request with one producer goroutine from a Pool. The producer drives the
// blocking StreamChat call and pushes encoded chunks onto a bounded channel; the relay forwards them in
// order and watches a per-request deadline. When the deadline passes while no chunk is ready, the relay
// tells the client it is degrading, issues a single blocking CompleteChat call and ends the stream with
// its result. Every stream ends with exactly one chunk whose Done field is true.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/tmaxmax/go-sse"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// ChunkParams are the inputs of NewChunk.
type ChunkParams struct {
	Delta       string
	FullContent string
	ChunkID     int
	Done        bool
	Model       string

	Error        string
	Message      string
	FallbackMode bool

	// Start is when the stream attempt began and Now is the emission time. Both are supplied by the
	// caller so that NewChunk stays pure.
	Start time.Time
	Now   time.Time
}

// NewChunk builds the wire record for one emission. Terminal chunks carry streaming statistics derived
// from Start and Now.
func NewChunk(p ChunkParams) models.StreamChunk {
	chunk := models.StreamChunk{
		Content:      p.Delta,
		FullContent:  p.FullContent,
		ChunkID:      p.ChunkID,
		Timestamp:    p.Now,
		Done:         p.Done,
		Model:        p.Model,
		Error:        p.Error,
		Message:      p.Message,
		FallbackMode: p.FallbackMode,
	}
	if p.Done {
		chunk.StreamingStats = streamingStats(p)
	}
	return chunk
}

func streamingStats(p ChunkParams) *models.StreamingStats {
	stats := &models.StreamingStats{
		TotalChunks:     p.ChunkID,
		TotalCharacters: utf8.RuneCountInString(p.FullContent),
	}
	if elapsed := p.Now.Sub(p.Start); elapsed > 0 && !p.Start.IsZero() {
		stats.ElapsedSeconds = elapsed.Seconds()
		stats.CharsPerSecond = float64(stats.TotalCharacters) / elapsed.Seconds()
	}
	return stats
}

// Encode converts chunk into an SSE message with a single data field holding its JSON form.
func Encode(chunk models.StreamChunk) (*sse.Message, error) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(b))
	return msg, nil
}

// WriteChunk writes chunk to w as a "data: <json>\n\n" frame.
func WriteChunk(w io.Writer, chunk models.StreamChunk) error {
	msg, err := Encode(chunk)
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}
