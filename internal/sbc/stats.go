package sbc

import "github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/policy"

const bytesPerMiB = 1 << 20

// ConfigFlags echoes the features.sbc block in statistics.
type ConfigFlags struct {
	Enabled          bool   `json:"enabled"`
	TopologyHiding   bool   `json:"topology_hiding"`
	MediaRelay       bool   `json:"media_relay"`
	MaxCalls         int    `json:"max_calls"`
	MaxBandwidthKbps int    `json:"max_bandwidth"`
	STUNEnabled      bool   `json:"stun_enabled"`
	TURNEnabled      bool   `json:"turn_enabled"`
	ICEEnabled       bool   `json:"ice_enabled"`
	RateLimit        int    `json:"rate_limit"`
	PublicIP         string `json:"public_ip"`
}

type Statistics struct {
	ActiveSessions       int     `json:"active_sessions"`
	RelaySessions        int     `json:"relay_sessions"`
	TotalRequests        uint64  `json:"total_requests"`
	BlockedRequests      uint64  `json:"blocked_requests"`
	CurrentBandwidthKbps int     `json:"current_bandwidth"`
	BlacklistSize        int     `json:"blacklist_size"`
	WhitelistSize        int     `json:"whitelist_size"`
	FreeRelayPorts       int     `json:"free_relay_ports"`
	RelayedMediaBytes    uint64  `json:"relayed_media_bytes"`
	RelayedMediaMB       float64 `json:"relayed_media_mb"`
	TrackedSources       int     `json:"tracked_sources"`

	Config ConfigFlags `json:"config"`
}

// Statistics is a point-in-time snapshot. Fields are read independently, so
// they may disagree by an in-flight call.
func (s *SessionBorderController) Statistics() Statistics {
	relayed := s.relay.RelayedBytes()
	return Statistics{
		ActiveSessions:       s.admission.ActiveSessions(),
		RelaySessions:        s.relay.ActiveSessions(),
		TotalRequests:        s.totalRequests.Load(),
		BlockedRequests:      s.blockedRequests.Load(),
		CurrentBandwidthKbps: s.admission.CurrentBandwidthKbps(),
		BlacklistSize:        s.access.Size(policy.Blacklist),
		WhitelistSize:        s.access.Size(policy.Whitelist),
		FreeRelayPorts:       s.relay.FreePorts(),
		RelayedMediaBytes:    relayed,
		RelayedMediaMB:       float64(relayed) / bytesPerMiB,
		TrackedSources:       s.limiter.Len(),
		Config: ConfigFlags{
			Enabled:          s.cfg.Enabled,
			TopologyHiding:   s.cfg.TopologyHiding,
			MediaRelay:       s.cfg.MediaRelay,
			MaxCalls:         s.cfg.MaxCalls,
			MaxBandwidthKbps: s.cfg.MaxBandwidthKbps,
			STUNEnabled:      s.cfg.STUNEnabled,
			TURNEnabled:      s.cfg.TURNEnabled,
			ICEEnabled:       s.cfg.ICEEnabled,
			RateLimit:        s.cfg.RateLimit,
			PublicIP:         s.cfg.PublicIP,
		},
	}
}

// Gauges exposes the live statistics for the metrics endpoint.
func (s *SessionBorderController) Gauges() map[string]float64 {
	st := s.Statistics()
	return map[string]float64{
		"active_sessions":        float64(st.ActiveSessions),
		"relay_sessions":         float64(st.RelaySessions),
		"current_bandwidth_kbps": float64(st.CurrentBandwidthKbps),
		"free_relay_ports":       float64(st.FreeRelayPorts),
		"blacklist_size":         float64(st.BlacklistSize),
		"whitelist_size":         float64(st.WhitelistSize),
		"relayed_media_bytes":    float64(st.RelayedMediaBytes),
		"rate_limit_sources":     float64(st.TrackedSources),
	}
}
