package policy

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

const defaultStoreTimeout = 250 * time.Millisecond

// AccessList answers blacklist/whitelist membership for source IPs.
//
// Adds are refused while the SBC is administratively disabled. Store errors
// are logged and membership checks fail open: a broken store must not block
// all signaling.
type AccessList struct {
	store   Store
	enabled bool
	timeout time.Duration
	log     *slog.Logger
}

type Options struct {
	Enabled bool
	// Timeout bounds each store operation. Zero uses a short default.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewAccessList(store Store, opts Options) *AccessList {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AccessList{
		store:   store,
		enabled: opts.Enabled,
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
}

func (a *AccessList) AddToBlacklist(ip string) bool { return a.add(Blacklist, ip) }
func (a *AccessList) AddToWhitelist(ip string) bool { return a.add(Whitelist, ip) }

func (a *AccessList) RemoveFromBlacklist(ip string) bool { return a.remove(Blacklist, ip) }
func (a *AccessList) RemoveFromWhitelist(ip string) bool { return a.remove(Whitelist, ip) }

func (a *AccessList) IsBlacklisted(ip string) bool { return a.contains(Blacklist, ip) }
func (a *AccessList) IsWhitelisted(ip string) bool { return a.contains(Whitelist, ip) }

// Size returns the number of entries in list, or 0 if the store fails.
func (a *AccessList) Size(list List) int {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	n, err := a.store.Len(ctx, list)
	if err != nil {
		a.log.Warn("access list size failed", "list", list, "err", err)
		return 0
	}
	return n
}

// Seed adds ips regardless of the enabled flag. Used for configured initial
// lists at startup.
func (a *AccessList) Seed(list List, ips []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout*time.Duration(len(ips)+1))
	defer cancel()
	for _, ip := range ips {
		if err := a.store.Add(ctx, list, canonicalIP(ip)); err != nil {
			return err
		}
	}
	return nil
}

func (a *AccessList) add(list List, ip string) bool {
	if !a.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.Add(ctx, list, canonicalIP(ip)); err != nil {
		a.log.Error("access list add failed", "list", list, "ip", ip, "err", err)
		return false
	}
	a.log.Info("access list updated", "list", list, "ip", ip)
	return true
}

func (a *AccessList) remove(list List, ip string) bool {
	if !a.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.Remove(ctx, list, canonicalIP(ip)); err != nil {
		a.log.Error("access list remove failed", "list", list, "ip", ip, "err", err)
		return false
	}
	return true
}

func (a *AccessList) contains(list List, ip string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	ok, err := a.store.Contains(ctx, list, canonicalIP(ip))
	if err != nil {
		a.log.Warn("access list lookup failed", "list", list, "ip", ip, "err", err)
		return false
	}
	return ok
}

// canonicalIP normalizes parseable addresses so equivalent IPv6 spellings
// compare equal. Anything unparseable is kept verbatim.
func canonicalIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String()
	}
	return raw
}
