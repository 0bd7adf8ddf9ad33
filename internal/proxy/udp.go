// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import "github.com/gopacket/gopacket/layers"

const (
	dnsPort    = 53
	bootpsPort = 67
	bootpcPort = 68
)

// isDNSRequest reports whether a UDP packet is addressed to the DNS port.
func isDNSRequest(udp *layers.UDP) bool {
	return uint16(udp.DstPort) == dnsPort
}

// isDHCPRequest reports whether a UDP packet is client->server DHCP
// traffic (a VM-originated BOOTP request).
func isDHCPRequest(udp *layers.UDP) bool {
	return uint16(udp.SrcPort) == bootpcPort || uint16(udp.DstPort) == bootpsPort
}

// isDHCPResponse reports whether a UDP packet is server->client DHCP
// traffic (a host-originated BOOTP reply).
func isDHCPResponse(udp *layers.UDP) bool {
	return uint16(udp.SrcPort) == bootpsPort || uint16(udp.DstPort) == bootpcPort
}
