// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proxy implements the userspace L2 packet-filtering proxy
// that sits between a VM's network file descriptor and a host-side
// Linux interface: MAC/IP anti-spoofing, ARP validation, DHCP
// snooping, CIDR egress filtering with longest-prefix match, and
// NAT port-forwarding reconciliation tied to the VM's DHCP lease.
package proxy
