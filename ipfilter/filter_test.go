package ipfilter

import (
	"testing"

	"inet.af/netaddr"
)

func TestDefaultPredicateRejectsBroadcast(t *testing.T) {
	f := New()
	src := netaddr.MustParseIP("10.0.0.2")
	dst := netaddr.MustParseIP("255.255.255.255")
	if f.Allow(src, dst) {
		t.Fatal("expected broadcast destination to be rejected")
	}
}

func TestDefaultPredicateRejectsMulticast(t *testing.T) {
	f := New()
	src := netaddr.MustParseIP("10.0.0.2")
	dst := netaddr.MustParseIP("224.0.0.1")
	if f.Allow(src, dst) {
		t.Fatal("expected multicast destination to be rejected")
	}
}

func TestDefaultPredicateAllowsOrdinaryUnicast(t *testing.T) {
	f := New()
	src := netaddr.MustParseIP("10.0.0.2")
	dst := netaddr.MustParseIP("10.0.0.1")
	if !f.Allow(src, dst) {
		t.Fatal("expected ordinary unicast pair to be allowed")
	}
}

func TestConjunctiveComposition(t *testing.T) {
	f := New()
	blockedDst := netaddr.MustParseIP("8.8.8.8")
	f.Add(func(src, dst netaddr.IP) bool { return dst != blockedDst })

	src := netaddr.MustParseIP("10.0.0.2")
	if f.Allow(src, blockedDst) {
		t.Fatal("expected added predicate to reject blocked destination")
	}
	if !f.Allow(src, netaddr.MustParseIP("10.0.0.1")) {
		t.Fatal("expected other destinations to remain allowed")
	}
}

func TestExtraPredicatesPassedToNew(t *testing.T) {
	always := func(src, dst netaddr.IP) bool { return false }
	f := New(always)
	if f.Allow(netaddr.MustParseIP("10.0.0.2"), netaddr.MustParseIP("10.0.0.1")) {
		t.Fatal("expected extra predicate supplied to New to be enforced")
	}
}
