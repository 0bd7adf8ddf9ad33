// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

// Action is the verdict a rule table entry carries.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
)

// RuleTable is a longest-prefix-match CIDR policy table. When two
// prefixes of equal length cover the same address with opposite
// actions, Block wins: this is achieved purely through insertion
// order, never at lookup time, by inserting every Allow entry before
// any Block entry so that Block overwrites an identical prefix.
type RuleTable struct {
	trie  bart.Table[Action]
	count int

	// AllowDefaultAll is the policy derived constant from the Allow
	// set: true iff it contains the default route 0.0.0.0/0. It is
	// fixed at construction and never recomputed.
	AllowDefaultAll bool
}

// NewRuleTable builds a RuleTable from separately-collected allow and
// block CIDR lists. Allows are inserted first so that an identical
// Block prefix always overwrites it. Prefixes are masked to canonical
// form, so "10.0.0.1/8" and "10.0.0.0/8" are the same rule.
func NewRuleTable(allow, block []netip.Prefix) *RuleTable {
	rt := &RuleTable{}
	for _, p := range allow {
		p = p.Masked()
		if p.Bits() == 0 && p.Addr().Is4() {
			rt.AllowDefaultAll = true
		}
		rt.trie.Insert(p, ActionAllow)
		rt.count++
	}
	for _, p := range block {
		p = p.Masked()
		if _, existed := rt.trie.Get(p); !existed {
			rt.count++
		}
		rt.trie.Insert(p, ActionBlock)
	}
	return rt
}

// IsEmpty reports whether no rules have been loaded.
func (rt *RuleTable) IsEmpty() bool {
	return rt.count == 0
}

// Lookup returns the action of the most specific rule containing ip.
// A 0.0.0.0/0 entry matches every address, so a default rule behaves
// like any other, just with the lowest possible specificity.
func (rt *RuleTable) Lookup(ip netip.Addr) (Action, bool) {
	return rt.trie.Lookup(ip)
}
