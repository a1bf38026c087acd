package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
)

const (
	writeWait  = 10 * time.Second
	readLimit  = 512
	closeGrace = time.Second
)

//nolint:gochecknoglobals // Upgrader is stateless configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// HandleWatch handles GET /api/v1/ws/{id}. It pushes the record every poll
// interval until the status is terminal, then closes the connection.
func (h *CouncilHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)
	id := r.PathValue("id")

	rec, err := h.council.Status(ctx, id)
	if err != nil {
		h.writeLookupError(w, r, id, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed", "request_id", id)
		return
	}
	defer util.CloseAndLogOnError(ctx, conn, "failed to close websocket")

	// Reads only serve control frames; a read error means the peer left.
	gone := make(chan struct{})
	conn.SetReadLimit(readLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, readErr := conn.NextReader(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err = conn.WriteJSON(RecordView(rec)); err != nil {
			log.WithError(err).Debug("websocket write failed", "request_id", id)
			return
		}
		if rec.Status.Terminal() {
			closeNormally(conn, string(rec.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}

		rec, err = h.council.Status(ctx, id)
		if err != nil {
			if !errors.Is(err, council.ErrRecordNotFound) {
				log.WithError(err).Warn("websocket status poll failed", "request_id", id)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func closeNormally(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(closeGrace))
}
