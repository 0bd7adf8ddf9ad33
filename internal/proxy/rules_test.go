// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleTable_LongestPrefixMatch(t *testing.T) {
	rt := NewRuleTable(
		[]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
		[]netip.Prefix{netip.MustParsePrefix("10.0.0.0/16")},
	)

	action, hit := rt.Lookup(netip.MustParseAddr("10.1.0.1"))
	assert.True(t, hit)
	assert.Equal(t, ActionAllow, action, "10.1.0.1 falls outside the /16 block, only the /8 allow matches")

	action, hit = rt.Lookup(netip.MustParseAddr("10.0.0.5"))
	assert.True(t, hit)
	assert.Equal(t, ActionBlock, action, "the more specific /16 wins over the /8 allow")
}

func TestRuleTable_BlockWinsOnEqualPrefix(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.1.0/24")
	rt := NewRuleTable([]netip.Prefix{prefix}, []netip.Prefix{prefix})

	action, hit := rt.Lookup(netip.MustParseAddr("192.168.1.42"))
	assert.True(t, hit)
	assert.Equal(t, ActionBlock, action)
	assert.Equal(t, 1, rt.count, "an identical allow/block prefix pair counts once")
}

func TestRuleTable_EmptyHasNoHits(t *testing.T) {
	rt := NewRuleTable(nil, nil)
	assert.True(t, rt.IsEmpty())

	_, hit := rt.Lookup(netip.MustParseAddr("8.8.8.8"))
	assert.False(t, hit)
}

func TestRuleTable_MissFallsThrough(t *testing.T) {
	rt := NewRuleTable([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, nil)
	assert.False(t, rt.IsEmpty())

	_, hit := rt.Lookup(netip.MustParseAddr("203.0.113.1"))
	assert.False(t, hit)
}

func TestRuleTable_AllowDefaultAll(t *testing.T) {
	rt := NewRuleTable([]netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}, nil)
	assert.True(t, rt.AllowDefaultAll)

	rt = NewRuleTable([]netip.Prefix{netip.MustParsePrefix("0.0.0.0/1")}, nil)
	assert.False(t, rt.AllowDefaultAll, "a narrower prefix, even one covering half the address space, is not the default route")

	rt = NewRuleTable([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, nil)
	assert.False(t, rt.AllowDefaultAll)

	rt = NewRuleTable(nil, nil)
	assert.False(t, rt.AllowDefaultAll)
}
