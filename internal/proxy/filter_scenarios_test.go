// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHostIface is a minimal HostIface stub that only answers
// GatewayIP, the one method the VM->host filter consults.
type fakeHostIface struct {
	gateway net.IP
}

func (f *fakeHostIface) Read(buf []byte) (int, error) { return 0, ErrHostReadNothing }
func (f *fakeHostIface) Write(buf []byte) (int, error) { return len(buf), nil }
func (f *fakeHostIface) Fd() int { return -1 }
func (f *fakeHostIface) GatewayIP() net.IP { return f.gateway }
func (f *fakeHostIface) MaxPacketSize() int { return 1514 }
func (f *fakeHostIface) PortForwardingAddRule(external uint16, target net.IP, internal uint16) error {
	return nil
}
func (f *fakeHostIface) PortForwardingRemoveRule(external uint16) error { return nil }
func (f *fakeHostIface) Finalize() error { return nil }

var testVMMAC = net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}

func newTestProxy(t *testing.T, allow, block []netip.Prefix, gateway net.IP) *Proxy {
	t.Helper()
	return &Proxy{
		vmMAC:   testVMMAC,
		rules:   NewRuleTable(allow, block),
		snooper: &DhcpSnooper{},
		host:    &fakeHostIface{gateway: gateway},
	}
}

// rawUDP hand-encodes a minimal 8-byte UDP header; the filters never
// look past src/dst port so the payload and checksum are left zero.
func rawUDP(srcPort, dstPort uint16) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], 8)
	return buf
}

func ipv4(src, dst net.IP, proto layers.IPProtocol, payload []byte) *layers.IPv4 {
	return &layers.IPv4{BaseLayer: layers.BaseLayer{Payload: payload}, SrcIP: src, DstIP: dst, Protocol: proto}
}

func withLease(p *Proxy, addr net.IP, dns ...net.IP) {
	dnsIPs := make(map[string]struct{}, len(dns))
	for _, d := range dns {
		dnsIPs[d.String()] = struct{}{}
	}
	p.snooper.current = &Lease{
		Address:    addr,
		ValidUntil: time.Now().Add(time.Hour),
		DNSIPs:     dnsIPs,
	}
}

// Allow 66.66.0.0/16 plus Block 66.66.0.0/16 (identical prefix): Block wins.
func TestVMFilter_BlockPrecedenceOnIdenticalPrefix(t *testing.T) {
	p := newTestProxy(t,
		[]netip.Prefix{netip.MustParsePrefix("66.66.0.0/16")},
		[]netip.Prefix{netip.MustParsePrefix("66.66.0.0/16")},
		net.IPv4(192, 168, 0, 1))
	withLease(p, net.IPv4(192, 168, 0, 2))

	ip4 := ipv4(net.IPv4(192, 168, 0, 2), net.IPv4(66, 66, 66, 66), layers.IPProtocolTCP, nil)
	assert.False(t, p.allowedFromVMIPv4(ip4))
}

// Allow 33.33.33.33/32 against Block 33.33.33.0/24: the longest prefix wins
// regardless of which action it carries.
func TestVMFilter_LongestPrefixWinsOverShorterOppositeAction(t *testing.T) {
	p := newTestProxy(t,
		[]netip.Prefix{netip.MustParsePrefix("33.33.33.33/32")},
		[]netip.Prefix{netip.MustParsePrefix("33.33.33.0/24")},
		net.IPv4(192, 168, 0, 1))
	withLease(p, net.IPv4(192, 168, 0, 2))

	cases := []struct {
		dst  net.IP
		want bool
	}{
		{net.IPv4(33, 33, 33, 32), false},
		{net.IPv4(33, 33, 33, 33), true},
		{net.IPv4(33, 33, 33, 34), false},
	}
	for _, tc := range cases {
		ip4 := ipv4(net.IPv4(192, 168, 0, 2), tc.dst, layers.IPProtocolTCP, nil)
		assert.Equal(t, tc.want, p.allowedFromVMIPv4(ip4), "dst=%s", tc.dst)
	}
}

// With no lease, a DHCP client->server frame to the limited
// broadcast is the only thing allowed.
func TestVMFilter_DHCPBootstrapWithoutLease(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))

	bootstrap := ipv4(net.IPv4zero, net.IPv4bcast, layers.IPProtocolUDP, rawUDP(68, 67))
	assert.True(t, p.allowedFromVMIPv4(bootstrap))

	toInternet := ipv4(net.IPv4zero, net.IPv4(8, 8, 8, 8), layers.IPProtocolUDP, rawUDP(68, 67))
	assert.False(t, p.allowedFromVMIPv4(toInternet))
}

// An ARP probe bootstraps before a lease exists, then is source-IP gated
// once one does.
func TestVMFilter_ARPProbeThenLeaseGated(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))

	probe := &layers.ARP{SourceHwAddress: testVMMAC, SourceProtAddress: net.IPv4zero.To4()}
	assert.True(t, p.allowedFromVMARP(probe))

	withLease(p, net.IPv4(192, 168, 0, 5))

	matching := &layers.ARP{SourceHwAddress: testVMMAC, SourceProtAddress: net.IPv4(192, 168, 0, 5).To4()}
	assert.True(t, p.allowedFromVMARP(matching))

	mismatched := &layers.ARP{SourceHwAddress: testVMMAC, SourceProtAddress: net.IPv4(192, 168, 0, 6).To4()}
	assert.False(t, p.allowedFromVMARP(mismatched))
}

// An ARP frame whose hardware source doesn't match the VM's MAC is
// always dropped, lease or no lease.
func TestVMFilter_ARPWrongSourceHardwareDropped(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	spoofed := &layers.ARP{
		SourceHwAddress:   net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		SourceProtAddress: net.IPv4zero.To4(),
	}
	assert.False(t, p.allowedFromVMARP(spoofed))
}

// DNS to a learned resolver is allowed; DNS elsewhere is not,
// absent a rule or global-unicast allowance.
func TestVMFilter_DNSToLearnedResolver(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	withLease(p, net.IPv4(192, 168, 0, 2), net.IPv4(10, 0, 0, 53))

	toResolver := ipv4(net.IPv4(192, 168, 0, 2), net.IPv4(10, 0, 0, 53), layers.IPProtocolUDP, rawUDP(54321, 53))
	assert.True(t, p.allowedFromVMIPv4(toResolver))

	toOtherResolver := ipv4(net.IPv4(192, 168, 0, 2), net.IPv4(10, 0, 0, 54), layers.IPProtocolUDP, rawUDP(54321, 53))
	assert.False(t, p.allowedFromVMIPv4(toOtherResolver))
}

// A frame whose source MAC doesn't match the VM's is
// always dropped by the top-level VM->host filter, regardless of
// what ethertype or payload it carries.
func TestVMFilter_MACAntiSpoofing(t *testing.T) {
	p := newTestProxy(t,
		[]netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		nil,
		net.IPv4(192, 168, 0, 1))

	eth := &layers.Ethernet{
		BaseLayer:    layers.BaseLayer{Payload: []byte{0x45, 0x00}},
		SrcMAC:       net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		EthernetType: layers.EthernetTypeIPv4,
	}
	assert.False(t, p.allowedFromVM(eth))
}

// Host reachability: once a lease is valid, a frame addressed to the
// gateway is always permitted even without any rule loaded.
func TestVMFilter_GatewayReachabilityPermitted(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	withLease(p, net.IPv4(192, 168, 0, 2))

	toGateway := ipv4(net.IPv4(192, 168, 0, 2), net.IPv4(192, 168, 0, 1), layers.IPProtocolTCP, nil)
	assert.True(t, p.allowedFromVMIPv4(toGateway))
}

func TestVMFilter_UnknownEthertypeDropped(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	eth := &layers.Ethernet{SrcMAC: testVMMAC, EthernetType: layers.EthernetTypeLinkLayerDiscovery}
	assert.False(t, p.allowedFromVM(eth))
}

func TestVMFilter_ARPRequiresPayloadDecode(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	eth := &layers.Ethernet{BaseLayer: layers.BaseLayer{Payload: []byte{0x00}}, SrcMAC: testVMMAC, EthernetType: layers.EthernetTypeARP}
	assert.False(t, p.allowedFromVM(eth))
}

func TestVMFilter_NoLeaseOnlyDHCPBootstrapPermitted(t *testing.T) {
	p := newTestProxy(t, nil, nil, net.IPv4(192, 168, 0, 1))
	require.Nil(t, p.snooper.Lease())

	tcpToGateway := ipv4(net.IPv4zero, net.IPv4(192, 168, 0, 1), layers.IPProtocolTCP, nil)
	assert.False(t, p.allowedFromVMIPv4(tcpToGateway))
}
