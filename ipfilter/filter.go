// Package ipfilter implements the ingress address-pair filter: a
// conjunctive composition of predicates over (src, dst), without
// stateful connection tracking.
package ipfilter

import "inet.af/netaddr"

// Predicate reports whether a packet from src to dst should be let
// through. It must not retain src or dst beyond the call.
type Predicate func(src, dst netaddr.IP) bool

// Filter is a conjunction of Predicates: a packet is allowed iff
// every registered predicate returns true.
type Filter struct {
	preds []Predicate
}

// New returns a Filter seeded with the default predicate (reject
// broadcast, multicast, and unspecified addresses on either end),
// plus any additional predicates supplied by the builder.
func New(extra ...Predicate) *Filter {
	f := &Filter{}
	f.preds = append(f.preds, defaultPredicate)
	f.preds = append(f.preds, extra...)
	return f
}

// Allow reports whether src->dst passes every predicate in f.
func (f *Filter) Allow(src, dst netaddr.IP) bool {
	for _, p := range f.preds {
		if !p(src, dst) {
			return false
		}
	}
	return true
}

// Add appends another predicate to the conjunction.
func (f *Filter) Add(p Predicate) {
	f.preds = append(f.preds, p)
}

func defaultPredicate(src, dst netaddr.IP) bool {
	return !isRejected(src) && !isRejected(dst)
}

func isRejected(ip netaddr.IP) bool {
	if !ip.IsValid() {
		return true
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.Is4() && ip == netaddr.IPv4(255, 255, 255, 255) {
		return true
	}
	return false
}
