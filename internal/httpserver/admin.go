package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/auth"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sbc"
)

const maxAdminBodyBytes = 4 << 10

type listRequest struct {
	IP string `json:"ip"`
}

type listResponse struct {
	IP      string `json:"ip"`
	Changed bool   `json:"changed"`
}

func (s *Server) registerAdminRoutes() {
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.sbc.Metrics(), s.sbc.Gauges))

	s.handleV1("GET /v1/statistics", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.sbc.Statistics())
	})
	s.handleV1("GET /v1/statistics/ws", s.serveStatisticsWS)

	s.handleV1("POST /v1/blacklist", s.listHandler(s.sbc.AddToBlacklist))
	s.handleV1("DELETE /v1/blacklist/{ip}", s.listRemoveHandler(s.sbc.RemoveFromBlacklist))
	s.handleV1("POST /v1/whitelist", s.listHandler(s.sbc.AddToWhitelist))
	s.handleV1("DELETE /v1/whitelist/{ip}", s.listRemoveHandler(s.sbc.RemoveFromWhitelist))

	s.handleV1("GET /v1/nat", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"observations": s.sbc.NATObservations()})
	})

	s.handleV1("DELETE /v1/calls/{call_id}", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("call_id")
		s.sbc.ReleaseCallResources(callID)
		s.log.Info("call released via admin api", "call_id", callID, "request_id", r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleV1(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, auth.Middleware(s.verifier, h))
}

func (s *Server) listHandler(add func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req listRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		ip, ok := parseIP(req.IP)
		if !ok {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "ip must be an IPv4 or IPv6 address"})
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{IP: ip, Changed: add(ip)})
	}
}

func (s *Server) listRemoveHandler(remove func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, ok := parseIP(r.PathValue("ip"))
		if !ok {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "ip must be an IPv4 or IPv6 address"})
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{IP: ip, Changed: remove(ip)})
	}
}

func parseIP(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// statisticsFrame is one websocket push.
type statisticsFrame struct {
	Type       string         `json:"type"`
	Statistics sbc.Statistics `json:"statistics"`
}
