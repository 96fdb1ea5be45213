package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarAdminListenAddr = "AERO_SBC_ADMIN_LISTEN_ADDR"
	envVarLogFormat       = "AERO_SBC_LOG_FORMAT"
	envVarLogLevel        = "AERO_SBC_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SBC_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_SBC_MODE"

	// SIP transport.
	envVarSIPListenAddr = "SIP_LISTEN_ADDR"
	envVarSIPTransport  = "SIP_TRANSPORT"
	envVarPBXAddr       = "PBX_ADDR"

	// features.sbc
	envVarSBCEnabled          = "SBC_ENABLED"
	envVarSBCTopologyHiding   = "SBC_TOPOLOGY_HIDING"
	envVarSBCMediaRelay       = "SBC_MEDIA_RELAY"
	envVarSBCMaxCalls         = "SBC_MAX_CALLS"
	envVarSBCMaxBandwidthKbps = "SBC_MAX_BANDWIDTH_KBPS"
	envVarSBCSTUNEnabled      = "SBC_STUN_ENABLED"
	envVarSBCTURNEnabled      = "SBC_TURN_ENABLED"
	envVarSBCICEEnabled       = "SBC_ICE_ENABLED"
	envVarSBCRateLimit        = "SBC_RATE_LIMIT"
	envVarSBCPublicIP         = "SBC_PUBLIC_IP"

	// Media relay.
	envVarSBCRelayIP           = "SBC_RELAY_IP"
	envVarSBCRelayPortMin      = "SBC_RELAY_PORT_MIN"
	envVarSBCRelayPortMax      = "SBC_RELAY_PORT_MAX"
	envVarSBCMaxRTPPpsPerCall  = "SBC_MAX_RTP_PPS_PER_CALL"
	envVarSBCMaxRTPBurst       = "SBC_MAX_RTP_BURST_PER_CALL"
	envVarSBCRateLimitMaxSrcs  = "SBC_RATE_LIMIT_MAX_SOURCES"
	envVarSBCNATProbeTimeout   = "SBC_NAT_PROBE_TIMEOUT"
	envVarSBCBlacklist         = "SBC_BLACKLIST"
	envVarSBCWhitelist         = "SBC_WHITELIST"
	envVarSBCPolicyRedisAddr   = "SBC_POLICY_REDIS_ADDR"
	envVarSBCStatsPushInterval = "SBC_STATS_PUSH_INTERVAL"

	// Admin API auth.
	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	DefaultAdminListenAddr      = "127.0.0.1:8080"
	DefaultSIPListenAddr        = "0.0.0.0:5060"
	DefaultSIPTransport         = SIPTransportUDP
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxCalls         = 1000
	DefaultMaxBandwidthKbps = 100000
	DefaultRateLimit        = 100
	// DefaultRateLimitMaxSources bounds the number of source IPs tracked by the
	// sliding-window limiter at once.
	DefaultRateLimitMaxSources = 65536

	DefaultRelayIP         = "0.0.0.0"
	DefaultRelayPortMin    = 10000
	DefaultRelayPortMax    = 20000
	DefaultNATProbeTimeout = 2 * time.Second
	DefaultStatsPush       = 5 * time.Second

	DefaultAuthMode AuthMode = AuthModeNone
)

const (
	flagRelayPortMin = "relay-port-min"
	flagRelayPortMax = "relay-port-max"
)

// minRelayPortRangeSize is one RTP/RTCP pair.
const minRelayPortRangeSize = 2

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type SIPTransport string

const (
	SIPTransportUDP SIPTransport = "udp"
	SIPTransportTCP SIPTransport = "tcp"
)

type PortRange struct {
	Min uint16
	Max uint16
}

// Size returns the number of ports in the inclusive range.
func (r PortRange) Size() int {
	return int(r.Max) - int(r.Min) + 1
}

// SBCConfig is the features.sbc block.
type SBCConfig struct {
	Enabled          bool
	TopologyHiding   bool
	MediaRelay       bool
	MaxCalls         int
	MaxBandwidthKbps int
	STUNEnabled      bool
	TURNEnabled      bool
	ICEEnabled       bool
	// RateLimit is requests per second per source IP (0 = unlimited).
	RateLimit int
	PublicIP  string
}

type Config struct {
	AdminListenAddr string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode AuthMode
	APIKey   string

	SIPListenAddr string
	SIPTransport  SIPTransport
	// PBXAddr is the internal PBX (host:port). Empty disables the SIP gateway.
	PBXAddr string

	SBC SBCConfig

	RelayIP             net.IP
	RelayPortRange      PortRange
	MaxRTPPpsPerCall    int
	MaxRTPBurstPerCall  int
	RateLimitMaxSources int

	STUNServer          string
	STUNAlternateServer string
	NATProbeTimeout     time.Duration

	Blacklist       []string
	Whitelist       []string
	PolicyRedisAddr string

	StatsPushInterval time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, DefaultAdminListenAddr)
	sipListenAddr := envOrDefault(lookup, envVarSIPListenAddr, DefaultSIPListenAddr)
	sipTransportStr := envOrDefault(lookup, envVarSIPTransport, string(DefaultSIPTransport))
	pbxAddr := envOrDefault(lookup, envVarPBXAddr, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	enabled, err := envBoolOrDefault(lookup, envVarSBCEnabled, true)
	if err != nil {
		return Config{}, err
	}
	topologyHiding, err := envBoolOrDefault(lookup, envVarSBCTopologyHiding, true)
	if err != nil {
		return Config{}, err
	}
	mediaRelay, err := envBoolOrDefault(lookup, envVarSBCMediaRelay, true)
	if err != nil {
		return Config{}, err
	}
	stunEnabled, err := envBoolOrDefault(lookup, envVarSBCSTUNEnabled, true)
	if err != nil {
		return Config{}, err
	}
	turnEnabled, err := envBoolOrDefault(lookup, envVarSBCTURNEnabled, false)
	if err != nil {
		return Config{}, err
	}
	iceEnabled, err := envBoolOrDefault(lookup, envVarSBCICEEnabled, false)
	if err != nil {
		return Config{}, err
	}
	maxCalls, err := envIntOrDefault(lookup, envVarSBCMaxCalls, DefaultMaxCalls)
	if err != nil {
		return Config{}, err
	}
	maxBandwidthKbps, err := envIntOrDefault(lookup, envVarSBCMaxBandwidthKbps, DefaultMaxBandwidthKbps)
	if err != nil {
		return Config{}, err
	}
	rateLimit, err := envIntOrDefault(lookup, envVarSBCRateLimit, DefaultRateLimit)
	if err != nil {
		return Config{}, err
	}
	rateLimitMaxSources, err := envIntOrDefault(lookup, envVarSBCRateLimitMaxSrcs, DefaultRateLimitMaxSources)
	if err != nil {
		return Config{}, err
	}
	maxRTPPpsPerCall, err := envIntOrDefault(lookup, envVarSBCMaxRTPPpsPerCall, 0)
	if err != nil {
		return Config{}, err
	}
	maxRTPBurstPerCall, err := envIntOrDefault(lookup, envVarSBCMaxRTPBurst, 0)
	if err != nil {
		return Config{}, err
	}
	publicIPStr := envOrDefault(lookup, envVarSBCPublicIP, "")
	relayIPStr := envOrDefault(lookup, envVarSBCRelayIP, DefaultRelayIP)

	relayPortMin := uint(DefaultRelayPortMin)
	if raw, ok := lookup(envVarSBCRelayPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSBCRelayPortMin, raw, err)
		}
		relayPortMin = uint(p)
	}
	relayPortMax := uint(DefaultRelayPortMax)
	if raw, ok := lookup(envVarSBCRelayPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSBCRelayPortMax, raw, err)
		}
		relayPortMax = uint(p)
	}

	stunServer := envOrDefault(lookup, envVarSTUNServer, DefaultSTUNServer)
	stunAlternateServer := envOrDefault(lookup, envVarSTUNAlternateServer, DefaultSTUNAlternateServer)
	natProbeTimeout := DefaultNATProbeTimeout
	if raw, ok := lookup(envVarSBCNATProbeTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSBCNATProbeTimeout, raw, err)
		}
		natProbeTimeout = d
	}

	statsPushInterval := DefaultStatsPush
	if raw, ok := lookup(envVarSBCStatsPushInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSBCStatsPushInterval, raw, err)
		}
		statsPushInterval = d
	}

	blacklistStr := envOrDefault(lookup, envVarSBCBlacklist, "")
	whitelistStr := envOrDefault(lookup, envVarSBCWhitelist, "")
	policyRedisAddr := envOrDefault(lookup, envVarSBCPolicyRedisAddr, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	fs := flag.NewFlagSet("aero-sbc", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "Admin HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&sipListenAddr, "sip-listen-addr", sipListenAddr, "SIP listen address (env "+envVarSIPListenAddr+")")
	fs.StringVar(&sipTransportStr, "sip-transport", sipTransportStr, "SIP transport: udp or tcp (env "+envVarSIPTransport+")")
	fs.StringVar(&pbxAddr, "pbx-addr", pbxAddr, "Internal PBX address host:port; empty disables the SIP gateway (env "+envVarPBXAddr+")")

	fs.BoolVar(&enabled, "sbc-enabled", enabled, "Enable SBC policy processing (env "+envVarSBCEnabled+")")
	fs.BoolVar(&topologyHiding, "topology-hiding", topologyHiding, "Hide internal addressing in SIP/SDP (env "+envVarSBCTopologyHiding+")")
	fs.BoolVar(&mediaRelay, "media-relay", mediaRelay, "Relay RTP through the SBC (env "+envVarSBCMediaRelay+")")
	fs.IntVar(&maxCalls, "max-calls", maxCalls, "Maximum concurrent calls (env "+envVarSBCMaxCalls+")")
	fs.IntVar(&maxBandwidthKbps, "max-bandwidth-kbps", maxBandwidthKbps, "Maximum admitted media bandwidth in kbps (env "+envVarSBCMaxBandwidthKbps+")")
	fs.BoolVar(&stunEnabled, "stun-enabled", stunEnabled, "Enable STUN NAT classification (env "+envVarSBCSTUNEnabled+")")
	fs.BoolVar(&turnEnabled, "turn-enabled", turnEnabled, "Advertise TURN support (env "+envVarSBCTURNEnabled+")")
	fs.BoolVar(&iceEnabled, "ice-enabled", iceEnabled, "Advertise ICE support (env "+envVarSBCICEEnabled+")")
	fs.IntVar(&rateLimit, "rate-limit", rateLimit, "SIP requests/sec per source IP (0 = unlimited; env "+envVarSBCRateLimit+")")
	fs.IntVar(&rateLimitMaxSources, "rate-limit-max-sources", rateLimitMaxSources, "Maximum source IPs tracked by the rate limiter (env "+envVarSBCRateLimitMaxSrcs+")")
	fs.StringVar(&publicIPStr, "public-ip", publicIPStr, "Public IPv4 address advertised in rewritten signaling (env "+envVarSBCPublicIP+")")

	fs.StringVar(&relayIPStr, "relay-ip", relayIPStr, "Local IP for RTP relay sockets (env "+envVarSBCRelayIP+")")
	fs.UintVar(&relayPortMin, flagRelayPortMin, relayPortMin, "Minimum RTP relay port (env "+envVarSBCRelayPortMin+")")
	fs.UintVar(&relayPortMax, flagRelayPortMax, relayPortMax, "Maximum RTP relay port (env "+envVarSBCRelayPortMax+")")
	fs.IntVar(&maxRTPPpsPerCall, "max-rtp-pps-per-call", maxRTPPpsPerCall, "Relayed RTP packets/sec per call (0 = unlimited; env "+envVarSBCMaxRTPPpsPerCall+")")
	fs.IntVar(&maxRTPBurstPerCall, "max-rtp-burst-per-call", maxRTPBurstPerCall, "RTP packets a call may send ahead of its rate (0 = one second's worth; env "+envVarSBCMaxRTPBurst+")")

	fs.StringVar(&stunServer, "stun-server", stunServer, "Primary STUN server (env "+envVarSTUNServer+")")
	fs.StringVar(&stunAlternateServer, "stun-alternate-server", stunAlternateServer, "Alternate STUN server used for the symmetric NAT test (env "+envVarSTUNAlternateServer+")")
	fs.DurationVar(&natProbeTimeout, "nat-probe-timeout", natProbeTimeout, "Per-request STUN binding timeout (env "+envVarSBCNATProbeTimeout+")")

	fs.StringVar(&blacklistStr, "blacklist", blacklistStr, "Comma-separated initial blacklist (env "+envVarSBCBlacklist+")")
	fs.StringVar(&whitelistStr, "whitelist", whitelistStr, "Comma-separated initial whitelist (env "+envVarSBCWhitelist+")")
	fs.StringVar(&policyRedisAddr, "policy-redis-addr", policyRedisAddr, "Redis address for shared access lists; empty keeps them in memory (env "+envVarSBCPolicyRedisAddr+")")
	fs.DurationVar(&statsPushInterval, "stats-push-interval", statsPushInterval, "Statistics WebSocket push interval (env "+envVarSBCStatsPushInterval+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Admin API auth mode: none or api_key (env "+envVarAuthMode+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	sipTransport, err := parseSIPTransport(sipTransportStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--sip-transport %q: %w", envVarSIPTransport, sipTransportStr, err)
	}

	if adminListenAddr == "" {
		return Config{}, fmt.Errorf("admin listen address must not be empty")
	}
	if sipListenAddr == "" {
		return Config{}, fmt.Errorf("%s/--sip-listen-addr must not be empty", envVarSIPListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxCalls < 0 {
		return Config{}, fmt.Errorf("%s/--max-calls must be >= 0", envVarSBCMaxCalls)
	}
	if maxBandwidthKbps < 0 {
		return Config{}, fmt.Errorf("%s/--max-bandwidth-kbps must be >= 0", envVarSBCMaxBandwidthKbps)
	}
	if rateLimit < 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit must be >= 0", envVarSBCRateLimit)
	}
	if rateLimitMaxSources <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-max-sources must be > 0", envVarSBCRateLimitMaxSrcs)
	}
	if maxRTPPpsPerCall < 0 {
		return Config{}, fmt.Errorf("%s/--max-rtp-pps-per-call must be >= 0", envVarSBCMaxRTPPpsPerCall)
	}
	if maxRTPBurstPerCall < 0 {
		return Config{}, fmt.Errorf("%s/--max-rtp-burst-per-call must be >= 0", envVarSBCMaxRTPBurst)
	}
	if natProbeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--nat-probe-timeout must be > 0", envVarSBCNATProbeTimeout)
	}
	if statsPushInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--stats-push-interval must be > 0", envVarSBCStatsPushInterval)
	}

	min, err := parsePortUint(relayPortMin)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarSBCRelayPortMin, "--"+flagRelayPortMin, err)
	}
	max, err := parsePortUint(relayPortMax)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarSBCRelayPortMax, "--"+flagRelayPortMax, err)
	}
	if min > max {
		return Config{}, fmt.Errorf("relay port range min (%d) must be <= max (%d)", min, max)
	}
	relayPortRange := PortRange{Min: min, Max: max}
	if relayPortRange.Size() < minRelayPortRangeSize {
		return Config{}, fmt.Errorf("relay port range is too small: %d ports (need at least %d for one RTP/RTCP pair)", relayPortRange.Size(), minRelayPortRangeSize)
	}

	relayIP := net.ParseIP(strings.TrimSpace(relayIPStr))
	if relayIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-ip %q", envVarSBCRelayIP, relayIPStr)
	}

	publicIP := ""
	if strings.TrimSpace(publicIPStr) != "" {
		ip := net.ParseIP(strings.TrimSpace(publicIPStr))
		if ip == nil || ip.To4() == nil {
			return Config{}, fmt.Errorf("invalid %s/--public-ip %q (expected an IPv4 address)", envVarSBCPublicIP, publicIPStr)
		}
		publicIP = ip.String()
	}

	if stunEnabled {
		stunServer, err = NormalizeSTUNServer(stunServer)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--stun-server: %w", envVarSTUNServer, err)
		}
		if strings.TrimSpace(stunAlternateServer) != "" {
			stunAlternateServer, err = NormalizeSTUNServer(stunAlternateServer)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s/--stun-alternate-server: %w", envVarSTUNAlternateServer, err)
			}
		}
	}

	var blacklist, whitelist []string
	if strings.TrimSpace(blacklistStr) != "" {
		blacklist, err = parseIPList(blacklistStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--blacklist %q: %w", envVarSBCBlacklist, blacklistStr, err)
		}
	}
	if strings.TrimSpace(whitelistStr) != "" {
		whitelist, err = parseIPList(whitelistStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--whitelist %q: %w", envVarSBCWhitelist, whitelistStr, err)
		}
	}

	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}

	cfg := Config{
		AdminListenAddr: adminListenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode: authMode,
		APIKey:   apiKey,

		SIPListenAddr: sipListenAddr,
		SIPTransport:  sipTransport,
		PBXAddr:       strings.TrimSpace(pbxAddr),

		SBC: SBCConfig{
			Enabled:          enabled,
			TopologyHiding:   topologyHiding,
			MediaRelay:       mediaRelay,
			MaxCalls:         maxCalls,
			MaxBandwidthKbps: maxBandwidthKbps,
			STUNEnabled:      stunEnabled,
			TURNEnabled:      turnEnabled,
			ICEEnabled:       iceEnabled,
			RateLimit:        rateLimit,
			PublicIP:         publicIP,
		},

		RelayIP:             relayIP,
		RelayPortRange:      relayPortRange,
		MaxRTPPpsPerCall:    maxRTPPpsPerCall,
		MaxRTPBurstPerCall:  maxRTPBurstPerCall,
		RateLimitMaxSources: rateLimitMaxSources,

		STUNServer:          stunServer,
		STUNAlternateServer: stunAlternateServer,
		NATProbeTimeout:     natProbeTimeout,

		Blacklist:       blacklist,
		Whitelist:       whitelist,
		PolicyRedisAddr: strings.TrimSpace(policyRedisAddr),

		StatsPushInterval: statsPushInterval,
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseSIPTransport(raw string) (SIPTransport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SIPTransportUDP):
		return SIPTransportUDP, nil
	case string(SIPTransportTCP):
		return SIPTransportTCP, nil
	default:
		return "", fmt.Errorf("expected %s or %s", SIPTransportUDP, SIPTransportTCP)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
