// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net"

	"grimm.is/vmfence/internal/logging"
)

// HostNAT is the subset of HostIface the port forwarder mutates.
type HostNAT interface {
	PortForwardingAddRule(external uint16, target net.IP, internal uint16) error
	PortForwardingRemoveRule(external uint16) error
}

type portForwarding struct {
	exposed      ExposedPort
	installedFor net.IP
}

// PortForwarder reconciles a declared set of external->internal port
// mappings against the current DHCP lease on every idle tick of the
// pump. A failed host mutation latches the forwarder off for the
// lifetime of the process; there is no retry.
type PortForwarder struct {
	forwardings []portForwarding
	failed      bool
	logger      *logging.Logger
}

// NewPortForwarder builds a PortForwarder for the given exposed ports.
// None are installed yet; the first Tick with a valid lease installs them.
func NewPortForwarder(exposed []ExposedPort) *PortForwarder {
	forwardings := make([]portForwarding, len(exposed))
	for i, e := range exposed {
		forwardings[i] = portForwarding{exposed: e}
	}
	return &PortForwarder{
		forwardings: forwardings,
		logger:      logging.WithComponent("port-forwarder"),
	}
}

// Tick reconciles the installed port forwardings against lease, which
// may be nil if the VM currently has no active lease. A no-op once
// failed has latched.
func (pf *PortForwarder) Tick(host HostNAT, lease *Lease) {
	if pf.failed {
		return
	}

	if err := pf.tick(host, lease); err != nil {
		pf.logger.Error("port-forwarding failed", "error", err)
		pf.failed = true
	}
}

// Failed reports whether a prior Tick has latched the forwarder off.
func (pf *PortForwarder) Failed() bool {
	return pf.failed
}

func (pf *PortForwarder) tick(host HostNAT, lease *Lease) error {
	if lease == nil || !lease.Valid() {
		return pf.removeAll(host)
	}

	for i := range pf.forwardings {
		fw := &pf.forwardings[i]

		if fw.installedFor != nil {
			if fw.installedFor.Equal(lease.Address) {
				continue
			}

			if err := host.PortForwardingRemoveRule(fw.exposed.External); err != nil {
				return err
			}
			fw.installedFor = nil
		}

		if err := host.PortForwardingAddRule(fw.exposed.External, lease.Address, fw.exposed.Internal); err != nil {
			return err
		}
		fw.installedFor = lease.Address
	}

	return nil
}

func (pf *PortForwarder) removeAll(host HostNAT) error {
	for i := range pf.forwardings {
		fw := &pf.forwardings[i]
		if fw.installedFor == nil {
			continue
		}
		if err := host.PortForwardingRemoveRule(fw.exposed.External); err != nil {
			return err
		}
		fw.installedFor = nil
	}
	return nil
}
