
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/dialect"
	"github.com/relaygate/gateway/provider"
)

// StreamMetrics captures token/byte accounting for a streaming request.
type StreamMetrics struct {
	mu               sync.Mutex
	ChunksSent       int
	BytesSent        int64
	ClientDisconnect bool
	DisconnectAt     time.Time
	TotalDuration    time.Duration
	FinishReason     string
}

// RecordChunk records a chunk sent to the client.
func (sm *StreamMetrics) RecordChunk(data []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ChunksSent++
	sm.BytesSent += int64(len(data))
}

// RecordDisconnect records a client disconnect event.
func (sm *StreamMetrics) RecordDisconnect() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ClientDisconnect = true
	sm.DisconnectAt = time.Now().UTC()
}

// StreamResult encapsulates the outcome of relaying one upstream SSE stream
// to the client.
type StreamResult struct {
	Metrics  StreamMetrics
	Error    error
	Finished bool // true if the upstream stream ended normally ([DONE] or EOF)
	// Usage is the last usage frame the dialect adapter produced — either
	// upstream-reported or synthesised on [DONE] when the provider omitted it.
	Usage *provider.Usage
	// Captured records every SSE line written to the client along with its
	// offset from stream start, so a completed stream can be replayed
	// verbatim (with the same pacing) on a later cache hit.
	Captured []CapturedChunk
}

// CapturedChunk is one SSE line written to the client during a streaming
// response, timestamped relative to when relaying began.
type CapturedChunk struct {
	Data      []byte        `json:"data"`
	Timestamp time.Duration `json:"timestamp"`
}

// streamChatToClient reads raw upstream bytes, feeds them through the
// dialect adapter, and writes each resulting canonical chunk to the client
// as an SSE frame, tracking metrics and detecting client disconnects along
// the way. Billing for tokens already sent stands even if the client goes
// away mid-stream.
func streamChatToClient(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	upstream io.Reader,
	adapter *dialect.StreamAdapter,
	logger zerolog.Logger,
) *StreamResult {
	result := &StreamResult{}
	start := time.Now()
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			result.Metrics.RecordDisconnect()
			result.Metrics.TotalDuration = time.Since(start)
			logger.Warn().
				Int("chunks_sent", result.Metrics.ChunksSent).
				Int64("bytes_sent", result.Metrics.BytesSent).
				Msg("client disconnected mid-stream — billing for tokens already sent")
			return result
		default:
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			chunks, feedErr := adapter.Feed(buf[:n])
			for _, chunk := range chunks {
				data, err := json.Marshal(chunk)
				if err != nil {
					continue
				}
				line := append(append([]byte("data: "), data...), '\n', '\n')
				if _, writeErr := w.Write(line); writeErr != nil {
					result.Metrics.RecordDisconnect()
					result.Metrics.TotalDuration = time.Since(start)
					logger.Warn().Err(writeErr).Int("chunks_sent", result.Metrics.ChunksSent).
						Msg("write failed — client disconnect detected")
					return result
				}
				result.Metrics.RecordChunk(line)
				result.Captured = append(result.Captured, CapturedChunk{
					Data:      append([]byte(nil), line...),
					Timestamp: time.Since(start),
				})
				if chunk.Usage != nil {
					result.Usage = chunk.Usage
				}
				if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != nil {
					result.Metrics.FinishReason = *chunk.Choices[0].FinishReason
				}
				flusher.Flush()
			}
			if feedErr != nil {
				result.Error = feedErr
				result.Metrics.TotalDuration = time.Since(start)
				logger.Error().Err(feedErr).Msg("stream decode error")
				return result
			}
		}

		if readErr != nil {
			result.Metrics.TotalDuration = time.Since(start)
			if readErr == io.EOF {
				result.Finished = true
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
			} else {
				result.Error = readErr
				logger.Error().Err(readErr).Msg("stream read error")
			}
			return result
		}
	}
}
