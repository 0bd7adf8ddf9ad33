// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Lease is the VM's current IPv4 identity as observed from a BOOTP
// ACK: its address, the deadline it remains valid until, and the DNS
// resolver set the host's DHCP server handed out alongside it.
type Lease struct {
	Address    net.IP
	ValidUntil time.Time
	DNSIPs     map[string]struct{}
}

// Valid reports whether the lease has not yet expired.
func (l Lease) Valid() bool {
	return time.Now().Before(l.ValidUntil)
}

// ValidIPSource reports whether ip is the VM's leased address and the
// lease has not expired.
func (l Lease) ValidIPSource(ip net.IP) bool {
	return l.Address.Equal(ip) && l.Valid()
}

// DhcpSnooper passively observes BOOTP replies addressed to the VM and
// maintains at most one active lease. It never infers the VM's
// identity from any other source.
type DhcpSnooper struct {
	current *Lease
}

// RegisterDHCPReply decodes a BOOTP reply's UDP payload and updates
// the current lease. Decode failures, and ACKs missing the
// AddressLeaseTime option, are silently discarded, preserving the
// prior lease. NAKs clear it. Every other message type is ignored.
func (s *DhcpSnooper) RegisterDHCPReply(payload []byte) {
	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return
	}

	switch msg.MessageType() {
	case dhcpv4.MessageTypeAck:
		raw := msg.Options.Get(dhcpv4.OptionIPAddressLeaseTime)
		if raw == nil {
			return
		}
		leaseTime := msg.IPAddressLeaseTime(0)
		if leaseTime <= 0 {
			return
		}

		dnsIPs := make(map[string]struct{})
		for _, ip := range msg.DNS() {
			dnsIPs[ip.String()] = struct{}{}
		}

		s.current = &Lease{
			Address:    msg.YourIPAddr,
			ValidUntil: time.Now().Add(leaseTime),
			DNSIPs:     dnsIPs,
		}
	case dhcpv4.MessageTypeNak:
		s.current = nil
	}
}

// Lease returns a copy of the current lease, or nil if none is active.
// The copy is shallow: its Address slice and DNSIPs map are shared with
// the snooper, which never modifies them in place (a new ACK installs a
// fresh Lease).
func (s *DhcpSnooper) Lease() *Lease {
	if s.current == nil {
		return nil
	}
	l := *s.current
	return &l
}

// ValidDNSTarget reports whether ip is one of the current lease's
// learned DNS resolvers. Expiry is not checked here; callers gate DNS
// allowances on ValidIPSource of the request's source address too.
func (s *DhcpSnooper) ValidDNSTarget(ip net.IP) bool {
	if s.current == nil {
		return false
	}
	_, ok := s.current.DNSIPs[ip.String()]
	return ok
}
