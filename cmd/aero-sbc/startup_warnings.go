package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none leaves the admin API unauthenticated",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if !cfg.SBC.Enabled {
		logger.Warn("startup security warning: SBC_ENABLED=false forwards SIP without screening or topology hiding",
			"warning_code", "sbc_disabled",
			"mode", cfg.Mode,
		)
		return
	}

	if !cfg.SBC.TopologyHiding {
		logger.Warn("startup security warning: SBC_TOPOLOGY_HIDING=false exposes internal addresses to peers",
			"warning_code", "topology_hiding_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.SBC.RateLimit <= 0 {
		logger.Warn("startup security warning: SBC_RATE_LIMIT is 0 (unlimited requests per source)",
			"warning_code", "rate_limit_unlimited",
			"rate_limit", cfg.SBC.RateLimit,
			"mode", cfg.Mode,
		)
	}

	if cfg.SBC.PublicIP == "" && (cfg.SBC.TopologyHiding || cfg.SBC.MediaRelay) {
		logger.Warn("startup security warning: SBC_PUBLIC_IP is unset; private addresses are not rewritten",
			"warning_code", "public_ip_unset",
			"topology_hiding", cfg.SBC.TopologyHiding,
			"media_relay", cfg.SBC.MediaRelay,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SBC.MediaRelay && cfg.MaxRTPPpsPerCall <= 0 {
		logger.Warn("startup security warning: SBC_MAX_RTP_PPS_PER_CALL is unset/0 (unlimited) while --mode=prod",
			"warning_code", "rtp_pps_unlimited_in_prod",
			"max_rtp_pps_per_call", cfg.MaxRTPPpsPerCall,
			"mode", cfg.Mode,
		)
	}
}
