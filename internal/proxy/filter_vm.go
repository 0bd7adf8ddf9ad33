// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// reservedV4 lists the IPv4 ranges that are not private but are also
// not globally routable: CGNAT, documentation/benchmark ranges, and
// the reserved top block.
var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// isGloballyRoutableUnicast reports whether ip is not private, not
// loopback, not link-local, not broadcast, not multicast, and not
// otherwise reserved.
func isGloballyRoutableUnicast(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip4)
	if !ok || !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	if isLimitedBroadcast(ip4) {
		return false
	}
	for _, p := range reservedV4 {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func isLimitedBroadcast(ip net.IP) bool {
	return ip.Equal(net.IPv4bcast)
}

func macEqual(a, b net.HardwareAddr) bool {
	return bytes.Equal(a, b)
}

// allowedFromVM implements the VM->host directional filter (fail
// closed): a frame is dropped unless an explicit rule permits it.
func (p *Proxy) allowedFromVM(eth *layers.Ethernet) bool {
	if !macEqual(eth.SrcMAC, p.vmMAC) {
		return false
	}

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		var arp layers.ARP
		if err := arp.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return false
		}
		return p.allowedFromVMARP(&arp)
	case layers.EthernetTypeIPv4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
			return false
		}
		return p.allowedFromVMIPv4(&ip4)
	default:
		return false
	}
}

func (p *Proxy) allowedFromVMARP(arp *layers.ARP) bool {
	if !macEqual(net.HardwareAddr(arp.SourceHwAddress), p.vmMAC) {
		return false
	}

	spa := net.IP(arp.SourceProtAddress)
	if lease := p.snooper.Lease(); lease != nil {
		return lease.ValidIPSource(spa)
	}
	return spa.Equal(net.IPv4zero)
}

// allowedFromVMIPv4 evaluates the IPv4 filter clauses in order: a
// rule-table hit decides immediately; absent a hit (or an
// empty table), global-unicast, host-gateway, and learned-DNS checks
// are each tried in turn; outside of having a valid lease at all, the
// only thing ever allowed is an outgoing DHCP request to the limited
// broadcast address.
func (p *Proxy) allowedFromVMIPv4(ip4 *layers.IPv4) bool {
	dst := ip4.DstIP

	if lease := p.snooper.Lease(); lease != nil && lease.ValidIPSource(ip4.SrcIP) {
		if !p.rules.IsEmpty() {
			if dst4 := dst.To4(); dst4 != nil {
				if addr, ok := netip.AddrFromSlice(dst4); ok {
					if action, hit := p.rules.Lookup(addr); hit {
						return action == ActionAllow
					}
				}
			}
		}

		if isGloballyRoutableUnicast(dst) {
			return true
		}
		if dst.Equal(p.host.GatewayIP()) {
			return true
		}
		if ip4.Protocol == layers.IPProtocolUDP {
			var udp layers.UDP
			if err := udp.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err == nil {
				if isDNSRequest(&udp) && p.snooper.ValidDNSTarget(dst) {
					return true
				}
			}
		}
	}

	if ip4.Protocol == layers.IPProtocolUDP {
		var udp layers.UDP
		if err := udp.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err == nil {
			if isDHCPRequest(&udp) && isLimitedBroadcast(dst) {
				return true
			}
		}
	}

	return false
}
