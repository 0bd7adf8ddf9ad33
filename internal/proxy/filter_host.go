// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// allowedFromHost implements the host->VM directional filter: only
// ARP and IPv4 ethertypes are forwarded into the VM, and IPv4 is
// further subject to allowedFromHostIPv4's isolation gating.
func (p *Proxy) allowedFromHost(eth *layers.Ethernet) bool {
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		return true
	case layers.EthernetTypeIPv4:
		return p.allowedFromHostIPv4(eth)
	default:
		return false
	}
}

// allowedFromHostIPv4 enforces the inter-guest isolation that
// allowDefaultAll controls: when the Allow set contains 0.0.0.0/0,
// isolation is disabled and every IPv4 frame passes.
// Otherwise, a broadcast or multicast destination is
// only let through when it genuinely originates at the gateway (DHCP,
// mDNS, and similar host-originated traffic); anything else
// broadcast/multicast-addressed is assumed to be another guest on the
// same shared segment and is dropped. Ordinary unicast is unaffected.
func (p *Proxy) allowedFromHostIPv4(eth *layers.Ethernet) bool {
	if p.allowDefaultAll {
		return true
	}

	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	if isBroadcastOrMulticast(ip4.DstIP) {
		return ip4.SrcIP.Equal(p.host.GatewayIP())
	}
	return true
}

func isBroadcastOrMulticast(ip net.IP) bool {
	return ip.Equal(net.IPv4bcast) || ip.IsMulticast()
}

// snoopDHCP inspects a frame already accepted by allowedFromHost and,
// if it is a DHCP reply from the gateway addressed to the VM, hands
// its payload to the DhcpSnooper before the frame is forwarded.
func (p *Proxy) snoopDHCP(eth *layers.Ethernet) {
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return
	}

	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	if !ip4.SrcIP.Equal(p.host.GatewayIP()) || ip4.Protocol != layers.IPProtocolUDP {
		return
	}

	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip4.Payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	if !isDHCPResponse(&udp) {
		return
	}

	p.snooper.RegisterDHCPReply(udp.Payload)
}
