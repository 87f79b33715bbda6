package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/broadcast"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

// StreamHandler upgrades GET / and GET /ws to a WebSocket that receives every
// reading published after the connection was accepted.
func (s *Server) StreamHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	sub, err := s.hub.Subscribe()
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()
	if !s.track(conn) {
		s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.metrics.StreamAccepted()
	logger := s.logger.With(zap.String("subscriber", sub.ID()), zap.String("remote", r.RemoteAddr))
	logger.Info("stream client connected")
	defer logger.Info("stream client disconnected")

	gone := make(chan struct{})
	go s.drain(conn, gone)

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rd, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrClosed) || s.closing.Load() {
					s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
				} else {
					logger.Warn("dropping slow stream client", zap.Error(sub.Err()))
					s.closeConn(conn, websocket.CloseTryAgainLater, "subscriber too slow")
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(reading.ToMessage(rd)); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-gone:
			return
		}
	}
}

// drain reads and discards client frames so control frames are processed,
// and closes gone once the client hangs up or stops answering pings.
func (s *Server) drain(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	pongWait := s.pingPeriod + s.pingPeriod/2
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) closeConn(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.writeTimeout))
}
