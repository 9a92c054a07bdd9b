package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/service/runtime"
)

// handleTerminalWS bridges a websocket to a shell exec inside the
// project's container. Commands arrive as newline-terminated text
// frames; raw output bytes flow back.
func (r *Router) handleTerminalWS(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	attach, err := r.runtime.Terminal(req.Context(), proj.ID)
	if err != nil {
		if errors.Is(err, runtime.ErrNoContainer) {
			writeError(w, http.StatusNotFound, errNotFound, "no running container")
			return
		}
		writeServiceError(w, err)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		attach.Close()
		r.logger.Error("terminal upgrade failed", "project_id", proj.ID, "error", err)
		return
	}
	r.logger.Info("terminal attached", "project_id", proj.ID)

	done := make(chan struct{})

	// Container output → websocket.
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := attach.Reader.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Websocket → container stdin, one command per frame.
	go func() {
		defer func() {
			attach.Close()
			_ = conn.Close()
		}()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd := string(payload)
			if !strings.HasSuffix(cmd, "\n") {
				cmd += "\n"
			}
			if _, err := attach.Conn.Write([]byte(cmd)); err != nil {
				return
			}
		}
	}()

	<-done
	attach.Close()
	_ = conn.Close()
	r.logger.Info("terminal detached", "project_id", proj.ID)
}
