package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAccessList_AddAndLookup(t *testing.T) {
	a := NewAccessList(NewMemoryStore(), Options{Enabled: true})

	if !a.AddToBlacklist("10.0.0.99") {
		t.Fatalf("AddToBlacklist=false, want true")
	}
	if !a.AddToBlacklist("10.0.0.99") {
		t.Fatalf("second AddToBlacklist=false, want idempotent true")
	}
	if !a.IsBlacklisted("10.0.0.99") {
		t.Fatalf("IsBlacklisted=false, want true")
	}
	if a.IsWhitelisted("10.0.0.99") {
		t.Fatalf("blacklisted IP reported as whitelisted")
	}
	if got := a.Size(Blacklist); got != 1 {
		t.Fatalf("Size(Blacklist)=%d, want 1", got)
	}
}

func TestAccessList_ListsAreIndependent(t *testing.T) {
	a := NewAccessList(nil, Options{Enabled: true})

	a.AddToBlacklist("192.0.2.1")
	a.AddToWhitelist("192.0.2.1")
	if !a.IsBlacklisted("192.0.2.1") || !a.IsWhitelisted("192.0.2.1") {
		t.Fatalf("expected IP on both lists")
	}
	if !a.RemoveFromBlacklist("192.0.2.1") {
		t.Fatalf("RemoveFromBlacklist=false")
	}
	if a.IsBlacklisted("192.0.2.1") {
		t.Fatalf("IP still blacklisted after removal")
	}
	if !a.IsWhitelisted("192.0.2.1") {
		t.Fatalf("removal from blacklist touched whitelist")
	}
}

func TestAccessList_DisabledRefusesAdds(t *testing.T) {
	a := NewAccessList(NewMemoryStore(), Options{Enabled: false})

	if a.AddToBlacklist("10.0.0.1") {
		t.Fatalf("AddToBlacklist=true while disabled")
	}
	if a.AddToWhitelist("10.0.0.1") {
		t.Fatalf("AddToWhitelist=true while disabled")
	}
	if a.IsBlacklisted("10.0.0.1") {
		t.Fatalf("disabled add mutated the list")
	}
}

func TestAccessList_SeedIgnoresEnabled(t *testing.T) {
	a := NewAccessList(NewMemoryStore(), Options{Enabled: false})
	if err := a.Seed(Blacklist, []string{"10.0.0.1", "2001:db8:0::1"}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if !a.IsBlacklisted("10.0.0.1") {
		t.Fatalf("seeded IP not blacklisted")
	}
	if !a.IsBlacklisted("2001:db8::1") {
		t.Fatalf("IPv6 spelling not canonicalized")
	}
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Add(context.Context, List, string) error      { return errStoreDown }
func (failingStore) Remove(context.Context, List, string) error   { return errStoreDown }
func (failingStore) Len(context.Context, List) (int, error)       { return 0, errStoreDown }
func (failingStore) Contains(context.Context, List, string) (bool, error) {
	return false, errStoreDown
}

func TestAccessList_StoreFailureFailsOpen(t *testing.T) {
	a := NewAccessList(failingStore{}, Options{Enabled: true})
	if a.IsBlacklisted("10.0.0.1") {
		t.Fatalf("IsBlacklisted=true on store failure, want fail-open false")
	}
	if a.AddToBlacklist("10.0.0.1") {
		t.Fatalf("AddToBlacklist=true on store failure")
	}
	if a.Size(Blacklist) != 0 {
		t.Fatalf("Size on store failure should be 0")
	}
}

func TestAccessList_RedisStoreSharedBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	newList := func() *AccessList {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewAccessList(NewRedisStore(client, "test:"), Options{Enabled: true})
	}
	a := newList()
	b := newList()

	if !a.AddToBlacklist("10.0.0.99") {
		t.Fatalf("AddToBlacklist=false")
	}
	if !b.IsBlacklisted("10.0.0.99") {
		t.Fatalf("second instance does not see shared blacklist entry")
	}
	if got := b.Size(Blacklist); got != 1 {
		t.Fatalf("Size=%d, want 1", got)
	}
	if ok, _ := mr.SIsMember("test:blacklist", "10.0.0.99"); !ok {
		t.Fatalf("expected redis set test:blacklist to contain the IP")
	}

	b.RemoveFromBlacklist("10.0.0.99")
	if a.IsBlacklisted("10.0.0.99") {
		t.Fatalf("removal not visible to first instance")
	}
}

func TestDialRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := DialRedisStore(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("DialRedisStore: %v", err)
	}
	defer s.Close()

	if err := s.Add(context.Background(), Whitelist, "198.51.100.1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, _ := mr.SIsMember(DefaultRedisKeyPrefix+"whitelist", "198.51.100.1"); !ok {
		t.Fatalf("expected default key prefix")
	}

	if _, err := DialRedisStore(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatalf("expected dial error for unreachable redis")
	}
}
