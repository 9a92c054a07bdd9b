package logs

import (
	"encoding/json"
	"time"

	"log/slog"

	"github.com/mustafasegf/pemasak-infra/internal/ws"
)

// Service fans log lines out to websocket subscribers per project.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs the log service.
func New(hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{hub: hub, logger: logger}
}

// Entry is the wire shape of a streamed log line.
type Entry struct {
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish broadcasts one line to the project's subscribers.
func (s *Service) Publish(projectID, source, line string) {
	payload, err := json.Marshal(Entry{
		Source:    source,
		Line:      line,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("marshal log entry failed", "error", err)
		return
	}
	s.hub.Broadcast(projectID, payload)
}

// Hub exposes the underlying hub for websocket registration.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}
