// ABOUTME: Pull-based decoder for the newline-delimited SSE chat stream
// ABOUTME: Buffer-and-split parser that survives chunk boundaries and malformed segments

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// dataPrefix marks an event-stream payload line.
const dataPrefix = "data:"

// Stream is the pull-based chunk sequence the engine drains. It is finite
// and non-restartable; chunks arrive in wire order.
type Stream interface {
	// Scan advances to the next chunk, returning false at end of stream or
	// on transport failure.
	Scan() bool
	// Chunk returns the chunk decoded by the last successful Scan.
	Chunk() StreamChunk
	// Err returns the classified transport error that ended the stream, or
	// nil if it ended cleanly. Chunks already yielded remain valid.
	Err() error
	// Close aborts the underlying request and releases resources.
	Close() error
}

// ChunkStream implements Stream over an HTTP response body carrying
// `data: {json}` lines. Segment boundaries do not align with network reads,
// so decoding buffers bytes and splits on newlines, holding back the final
// partial segment until more bytes arrive or the stream closes.
type ChunkStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	logger *slog.Logger

	buf     []byte // undecoded tail of the byte stream
	pending []StreamChunk
	current StreamChunk
	err     error
	done    bool
	readBuf [4096]byte
}

func newChunkStream(body io.ReadCloser, cancel context.CancelFunc, logger *slog.Logger) *ChunkStream {
	return &ChunkStream{
		body:   body,
		cancel: cancel,
		logger: logger,
	}
}

// Scan advances to the next decoded chunk.
func (s *ChunkStream) Scan() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}

		n, err := s.body.Read(s.readBuf[:])
		if n > 0 {
			s.buf = append(s.buf, s.readBuf[:n]...)
			s.splitBuffered()
		}
		if err != nil {
			s.done = true
			// Flush whatever segment was still buffered when the stream
			// closed; a trailing chunk may lack its newline.
			s.parseSegment(string(s.buf))
			s.buf = nil
			if err != io.EOF {
				s.err = classify("Receiving the response", err)
			}
		}
	}
}

// splitBuffered consumes complete newline-terminated segments from the
// buffer, keeping the (possibly incomplete) last segment for the next read.
func (s *ChunkStream) splitBuffered() {
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		segment := string(s.buf[:i])
		s.buf = s.buf[i+1:]
		s.parseSegment(segment)
	}
}

// parseSegment decodes one complete segment. Segments without the data
// prefix (blank separators, event: lines) are skipped; a data segment that
// fails to parse is dropped rather than aborting the stream.
func (s *ChunkStream) parseSegment(segment string) {
	segment = strings.TrimRight(segment, "\r")
	if !strings.HasPrefix(segment, dataPrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(segment, dataPrefix))
	if payload == "" {
		return
	}

	var chunk StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.logger.Debug("dropping malformed stream segment", "error", err)
		return
	}
	s.pending = append(s.pending, chunk)
}

// Chunk returns the chunk from the last successful Scan.
func (s *ChunkStream) Chunk() StreamChunk {
	return s.current
}

// Err returns the error that terminated the stream, if any.
func (s *ChunkStream) Err() error {
	return s.err
}

// Close aborts the request and closes the body. Safe to call more than once.
func (s *ChunkStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}
