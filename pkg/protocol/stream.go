package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxChunkSize is the maximum allowed size of one stream line (1 MB)
	MaxChunkSize = 1024 * 1024

	chunkReaderBufferSize = 64 * 1024
)

var (
	ErrChunkTooLarge = errors.New("stream chunk exceeds maximum size (1 MB)")
	ErrInvalidChunk  = errors.New("invalid stream chunk")
)

// StreamChunk is one line of an assistant stream.
// Format: {"content": "<AssistantContent JSON>", "isDone": bool}\n
//
// Content is a JSON document encoded as a string, not a nested object.
// Content is plaintext; streams are protected by transport security only.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	IsDone  bool   `json:"isDone"`
	Status  string `json:"status,omitempty"`
}

// NewContentChunk builds a chunk carrying c.
func NewContentChunk(c *AssistantContent, done bool) (*StreamChunk, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk content: %w", err)
	}
	chunk := &StreamChunk{Content: string(data), IsDone: done}
	if done {
		chunk.Status = StreamStatusDone
	}
	return chunk, nil
}

// Decode parses the chunk's embedded content. A chunk without content
// decodes to an empty AssistantContent.
func (c *StreamChunk) Decode() (*AssistantContent, error) {
	var content AssistantContent
	if c.Content == "" {
		return &content, nil
	}
	if err := json.Unmarshal([]byte(c.Content), &content); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidChunk, err)
	}
	return &content, nil
}

// EncodeChunk writes one newline-terminated chunk and flushes the writer if
// it supports flushing (e.g., *bufio.Writer or an http.ResponseWriter).
func EncodeChunk(w io.Writer, c *StreamChunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	if len(data)+1 > MaxChunkSize {
		return ErrChunkTooLarge
	}

	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}

	switch fl := w.(type) {
	case interface{ Flush() error }:
		return fl.Flush()
	case interface{ Flush() }:
		fl.Flush()
	}
	return nil
}

// ChunkReader reads newline-delimited chunks from a stream body.
type ChunkReader struct {
	scanner *bufio.Scanner
}

// NewChunkReader wraps r.
func NewChunkReader(r io.Reader) *ChunkReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, chunkReaderBufferSize), MaxChunkSize)
	return &ChunkReader{scanner: scanner}
}

// Next returns the next chunk. Blank lines are skipped. A line that is not
// a valid chunk returns an ErrInvalidChunk error; reading may continue after
// it. io.EOF is returned once the stream is exhausted.
func (cr *ChunkReader) Next() (*StreamChunk, error) {
	for cr.scanner.Scan() {
		line := bytes.TrimSpace(cr.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
		}
		return &chunk, nil
	}

	if err := cr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrChunkTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
