package transport

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WSHandler upgrades HTTP requests to WebSocket sessions. The socket is
// adapted to a net.Conn so the binary framing and session logic are shared
// with the TCP listener.
func WSHandler(log *slog.Logger, handle Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Audio blocks are already compact PCM; compression only burns CPU.
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		c.SetReadLimit(MaxPayloadBytes + headerLen)

		conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
		log.Debug("websocket session opened", "remote", r.RemoteAddr)
		handle(r.Context(), conn)
	})
}
