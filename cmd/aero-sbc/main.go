package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/admission"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/auth"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/nat"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/policy"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/relay"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sbc"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sipgw"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const redisDialTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-sbc",
		"admin_listen_addr", cfg.AdminListenAddr,
		"sip_listen_addr", cfg.SIPListenAddr,
		"sip_transport", cfg.SIPTransport,
		"pbx_addr", cfg.PBXAddr,
		"mode", cfg.Mode,
		"sbc_enabled", cfg.SBC.Enabled,
		"topology_hiding", cfg.SBC.TopologyHiding,
		"media_relay", cfg.SBC.MediaRelay,
		"max_calls", cfg.SBC.MaxCalls,
		"max_bandwidth_kbps", cfg.SBC.MaxBandwidthKbps,
		"rate_limit", cfg.SBC.RateLimit,
		"public_ip", cfg.SBC.PublicIP,
		"relay_port_min", cfg.RelayPortRange.Min,
		"relay_port_max", cfg.RelayPortRange.Max,
		"policy_store", policyStoreKind(cfg),
	)

	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	m := metrics.New()

	access, closeStore, err := newAccessList(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to configure access lists", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	limiter, err := ratelimit.NewSlidingWindow(clk, cfg.SBC.RateLimit, cfg.RateLimitMaxSources, ratelimit.DefaultWindow)
	if err != nil {
		logger.Error("failed to configure rate limiter", "err", err)
		os.Exit(2)
	}
	go limiter.Run(ctx, 0)

	classifier := nat.NewClassifier(nat.Config{
		Enabled:         cfg.SBC.STUNEnabled,
		PrimaryServer:   cfg.STUNServer,
		AlternateServer: cfg.STUNAlternateServer,
		Timeout:         cfg.NATProbeTimeout,
		Logger:          logger,
	})

	allocator := relay.NewPortAllocator(
		relay.PortsFromRange(cfg.RelayPortRange.Min, cfg.RelayPortRange.Max),
		relay.AllocatorOptions{
			Enabled: cfg.SBC.MediaRelay,
			RelayIP: advertisedRelayIP(cfg),
			Clock:   clk,
			Metrics: m,
			Logger:  logger,
		},
	)
	forwarders := relay.NewForwarders(allocator, relay.Config{
		ListenIP:            cfg.RelayIP,
		MaxPacketsPerSecond: cfg.MaxRTPPpsPerCall,
		BurstPackets:        cfg.MaxRTPBurstPerCall,
	}, clk, m, logger)
	defer forwarders.Close()

	admissions := admission.NewController(admission.Options{
		MaxCalls:         cfg.SBC.MaxCalls,
		MaxBandwidthKbps: cfg.SBC.MaxBandwidthKbps,
		Metrics:          m,
		Logger:           logger,
	})

	controller, err := sbc.New(cfg.SBC, sbc.Deps{
		AccessList:  access,
		RateLimiter: limiter,
		NAT:         classifier,
		Relay:       allocator,
		Admission:   admissions,
		Clock:       clk,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to configure border controller", "err", err)
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure admin auth", "err", err)
		os.Exit(2)
	}

	var gateway *sipgw.Gateway
	sipErrCh := make(chan error, 1)
	if cfg.PBXAddr != "" {
		gateway, err = sipgw.New(sipgw.Options{
			SBC:        controller,
			Forwarders: forwarders,
			PBXAddr:    cfg.PBXAddr,
			Metrics:    m,
			Logger:     logger,
		})
		if err != nil {
			logger.Error("failed to configure sip gateway", "err", err)
			os.Exit(2)
		}
		defer gateway.Close()
		go func() {
			sipErrCh <- gateway.ListenAndServe(ctx, string(cfg.SIPTransport), cfg.SIPListenAddr)
		}()
	} else {
		logger.Warn("PBX_ADDR is unset; SIP gateway disabled")
	}

	ln, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, controller, verifier)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case err := <-sipErrCh:
		if err != nil {
			logger.Error("sip gateway exited", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newAccessList backs the lists with Redis when configured and seeds them
// from SBC_BLACKLIST / SBC_WHITELIST.
func newAccessList(ctx context.Context, cfg config.Config, logger *slog.Logger) (*policy.AccessList, func(), error) {
	var store policy.Store = policy.NewMemoryStore()
	closeStore := func() {}
	if cfg.PolicyRedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		rs, err := policy.DialRedisStore(dialCtx, cfg.PolicyRedisAddr)
		cancel()
		if err != nil {
			return nil, nil, err
		}
		store = rs
		closeStore = func() { _ = rs.Close() }
	}

	access := policy.NewAccessList(store, policy.Options{Enabled: cfg.SBC.Enabled, Logger: logger})
	if err := access.Seed(policy.Blacklist, cfg.Blacklist); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("seed blacklist: %w", err)
	}
	if err := access.Seed(policy.Whitelist, cfg.Whitelist); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("seed whitelist: %w", err)
	}
	return access, closeStore, nil
}

func policyStoreKind(cfg config.Config) string {
	if cfg.PolicyRedisAddr != "" {
		return "redis"
	}
	return "memory"
}

// advertisedRelayIP is the address written into SDP: the relay bind address
// unless it is a wildcard, in which case the public IP.
func advertisedRelayIP(cfg config.Config) string {
	if cfg.RelayIP != nil && !cfg.RelayIP.IsUnspecified() {
		return cfg.RelayIP.String()
	}
	return cfg.SBC.PublicIP
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
