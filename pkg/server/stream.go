package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

const echoPrefix = "Echo: "

// lastUserText returns the text of the most recent user turn
func lastUserText(msgs []protocol.StreamMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == protocol.MessageRoleUser {
			return msgs[i].Content.Text
		}
	}
	return ""
}

// handleStreamAI answers with the built-in echo assistant as newline
// delimited chunks. The reply repeats the last user turn one word per
// chunk; the final chunk names the model. Chunks are plaintext, the client
// encrypts and persists the finished reply itself.
func (s *Server) handleStreamAI(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.StreamRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Payload.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "payload.messages is empty")
		return
	}
	if req.Slug != "" {
		if _, _, ok := s.roomAccessBySlug(w, req.Slug, sess, canPost...); !ok {
			return
		}
	}

	model := req.Payload.Model
	if model == "" {
		model = s.config.DefaultModel
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	debugLog.Debug().Str("user", sess.Username).Str("slug", req.Slug).Str("model", model).
		Bool("update", req.IsUpdate).Msg("assistant stream started")

	words := strings.SplitAfter(echoPrefix+lastUserText(req.Payload.Messages), " ")
	for i, word := range words {
		if i > 0 && !s.pause(r) {
			return
		}
		select {
		case <-s.shutdown:
			s.writeChunk(w, &protocol.StreamChunk{IsDone: true, Status: protocol.StreamStatusCancelled})
			return
		case <-r.Context().Done():
			return
		default:
		}

		chunk, err := protocol.NewContentChunk(&protocol.AssistantContent{Text: word}, false)
		if err != nil {
			errorLog.Error().Err(err).Msg("build stream chunk failed")
			s.writeChunk(w, &protocol.StreamChunk{IsDone: true, Status: protocol.StreamStatusError})
			return
		}
		if !s.writeChunk(w, chunk) {
			return
		}
	}

	final, err := protocol.NewContentChunk(&protocol.AssistantContent{
		Auxiliaries: []protocol.Auxiliary{{Type: "model", Content: model}},
	}, true)
	if err != nil {
		errorLog.Error().Err(err).Msg("build final stream chunk failed")
		s.writeChunk(w, &protocol.StreamChunk{IsDone: true, Status: protocol.StreamStatusError})
		return
	}
	s.writeChunk(w, final)
}

// pause waits ChunkDelay between chunks. It reports false if the client
// went away meanwhile.
func (s *Server) pause(r *http.Request) bool {
	if s.config.ChunkDelay <= 0 {
		return r.Context().Err() == nil
	}
	timer := time.NewTimer(s.config.ChunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdown:
		// Let the caller emit the cancelled chunk
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) writeChunk(w http.ResponseWriter, chunk *protocol.StreamChunk) bool {
	status := "delta"
	if chunk.IsDone {
		status = chunk.Status
	}
	if err := protocol.EncodeChunk(w, chunk); err != nil {
		debugLog.Debug().Err(err).Msg("stream write failed")
		return false
	}
	s.metrics.StreamChunks.WithLabelValues(status).Inc()
	return true
}
