package firewall

import (
	"net/http"
	"testing"
)

func headersWith(pairs map[string]string) http.Header {
	h := http.Header{}
	for key, value := range pairs {
		h.Set(key, value)
	}
	return h
}

func TestResolveHeadersTakePrecedence(t *testing.T) {
	resolver := NewResolver("0x5555555555555555555555555555555555555555", "0x6666666666666666666666666666666666666666")
	header := headersWith(map[string]string{
		"x-aegis-user":  "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"x-aegis-agent": "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
	})
	identity, err := resolver.Resolve(header, "0xcccccccccccccccccccccccccccccccccccccccc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity.User != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("user = %s, want lowercased header", identity.User)
	}
	if identity.Agent != "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("agent = %s, want lowercased header", identity.Agent)
	}
}

func TestResolveAgentFallsBackToSender(t *testing.T) {
	resolver := NewResolver("0x5555555555555555555555555555555555555555", "0x6666666666666666666666666666666666666666")
	identity, err := resolver.Resolve(http.Header{}, "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity.Agent != "0xcccccccccccccccccccccccccccccccccccccccc" {
		t.Fatalf("agent = %s, want tx sender", identity.Agent)
	}
	if identity.User != "0x5555555555555555555555555555555555555555" {
		t.Fatalf("user = %s, want configured default", identity.User)
	}
}

func TestResolveDefaultsWhenNothingInBand(t *testing.T) {
	resolver := NewResolver("0x5555555555555555555555555555555555555555", "0x6666666666666666666666666666666666666666")
	identity, err := resolver.Resolve(http.Header{}, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity.User != "0x5555555555555555555555555555555555555555" || identity.Agent != "0x6666666666666666666666666666666666666666" {
		t.Fatalf("identity = %+v, want defaults", identity)
	}
}

func TestResolveFailsWithoutAnyIdentity(t *testing.T) {
	resolver := NewResolver("", "")
	if _, err := resolver.Resolve(http.Header{}, ""); err == nil {
		t.Fatal("expected unresolved identity error")
	}
}

func TestResolveRejectsNonAddressValues(t *testing.T) {
	resolver := NewResolver("", "")
	header := headersWith(map[string]string{
		"x-aegis-user":  "not-an-address",
		"x-aegis-agent": "0x6666666666666666666666666666666666666666",
	})
	if _, err := resolver.Resolve(header, ""); err == nil {
		t.Fatal("expected address validation error")
	}
}
