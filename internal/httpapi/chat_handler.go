package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/progress"
)

const maxChatMessageChars = 4000

type chatRequest struct {
	ConversationUUID string `json:"conversation_uuid"`
	Message          string `json:"message"`
}

// sseSink streams progress events to the client as server-sent events.
// Publish may be called from concurrent tool dispatches, so writes are
// serialized behind a mutex.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  zerolog.Logger
}

func newSSESink(w io.Writer, flusher http.Flusher, logger zerolog.Logger) *sseSink {
	return &sseSink{w: w, flusher: flusher, logger: logger}
}

// Publish translates internal events into the wire protocol: progress
// frames while tools run, one error frame on failure. The final answer
// rides in the complete frame written by the handler.
func (s *sseSink) Publish(event progress.Event) {
	switch event.Type {
	case progress.TypeAnswer:
		return
	case progress.TypeError:
		s.write("error", map[string]any{
			"type":    "error",
			"message": event.Message,
		})
	default:
		frame := map[string]any{
			"type":   "progress",
			"step":   event.Step,
			"label":  event.Label,
			"status": wireStatus(event.Status),
		}
		if event.Message != "" {
			frame["message"] = event.Message
		}
		if len(event.Data) > 0 {
			frame["data"] = event.Data
		}
		s.write("progress", frame)
	}
}

func wireStatus(status string) string {
	if status == progress.StatusStarted {
		return "running"
	}
	return "done"
}

func (s *sseSink) write(eventName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventName).Msg("marshal sse event failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		s.logger.Debug().Err(err).Msg("sse write failed, client likely gone")
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return failValidation(c, map[string]string{"message": "is required"})
	}
	if len(message) > maxChatMessageChars {
		return failValidation(c, map[string]string{
			"message": fmt.Sprintf("must be at most %d characters", maxChatMessageChars),
		})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	sink := newSSESink(resp, resp, s.logger)

	result, err := s.chat.Handle(c.Request().Context(), req.ConversationUUID, message, sink)
	if err != nil {
		// The error event is already on the stream. The response is
		// committed, so there is nothing further to send.
		s.logger.Error().Err(err).Msg("chat turn failed")
		return nil
	}

	sink.write("complete", map[string]any{
		"type": "complete",
		"data": result,
	})
	return nil
}
