package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// WebSocket endpoint.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade error", zap.Error(err))
			return
		}
		client := newClient(hub, conn)
		select {
		case hub.register <- client:
		case <-hub.stop:
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}
