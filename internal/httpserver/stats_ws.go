package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
)

const wsWriteWait = 1 * time.Second

// statsUpgrader keeps gorilla's default origin check: clients that send no
// Origin (CLIs, collectors) are accepted, browsers only from the admin host
// itself.
var statsUpgrader = websocket.Upgrader{}

// serveStatisticsWS pushes a statistics frame immediately and then every
// StatsPushInterval until the client goes away. Client messages are ignored.
func (s *Server) serveStatisticsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	interval := s.cfg.StatsPushInterval
	if interval <= 0 {
		interval = config.DefaultStatsPush
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(statisticsFrame{Type: "statistics", Statistics: s.sbc.Statistics()}); err != nil {
			s.log.Debug("statistics websocket write failed", "err", err)
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
