package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/prophantom/johnnet/internal/dispatch"
	"github.com/prophantom/johnnet/internal/fault"
)

// clientFrame is what a streaming client sends upstream.
type clientFrame struct {
	Type    string `json:"type"` // "message", "ack", "heartbeat"
	Message string `json:"message,omitempty"`
	Ack     uint64 `json:"ack,omitempty"`
}

// stream upgrades to a websocket and bridges it to the connection's frame
// queue. A reconnecting client passes ?ack=<last seq> and receives every
// retained frame after it, preceded by a gap frame if anything was
// dropped while it was away.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.dispatcher.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
		return
	}
	if conn.State() == dispatch.StateClosed {
		writeError(w, fault.New(fault.KindSessionExpired, "connection %s is closed", conn.ID))
		return
	}
	ack, _ := strconv.ParseUint(r.URL.Query().Get("ack"), 10, 64)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	ch := make(chan dispatch.Envelope, 64)
	replay := conn.Attach(ch, ack)
	defer conn.Detach()

	for _, env := range replay {
		if err := wsjson.Write(ctx, ws, env); err != nil {
			return
		}
	}

	go h.readLoop(ctx, ws, conn)

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case env := <-ch:
			if err := wsjson.Write(ctx, ws, env); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames until the socket drops. Rejected sends
// are reported in-band so the client knows no reply will follow.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *dispatch.Connection) {
	for {
		var f clientFrame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		switch f.Type {
		case "message":
			if _, err := h.dispatcher.Send(conn.ID, f.Message); err != nil {
				env := dispatch.Envelope{Type: "error", Payload: map[string]string{
					"kind":    string(fault.KindOf(err)),
					"message": err.Error(),
				}}
				if werr := wsjson.Write(ctx, ws, env); werr != nil {
					return
				}
			}
		case "ack":
			conn.Ack(f.Ack)
		case "heartbeat":
			conn.Beat()
		}
	}
}
