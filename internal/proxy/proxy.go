// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"errors"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	vfcerrors "grimm.is/vmfence/internal/errors"
	"grimm.is/vmfence/internal/logging"
)

// Config gathers everything needed to build a Proxy.
type Config struct {
	VMFd          int
	VMMacAddress  net.HardwareAddr
	HostIfaceName string
	NATTableName  string
	AllowCIDRs    []netip.Prefix
	BlockCIDRs    []netip.Prefix
	ExposedPorts  []ExposedPort
	Registerer    prometheus.Registerer
}

// Proxy is the userspace L2 filtering bridge between a VM file
// descriptor and a host virtual network interface. It owns the VM and
// host endpoints, the readiness multiplexer, the rule table, the DHCP
// snooper, and the port forwarder, and drives them all from a single
// pump loop.
type Proxy struct {
	vm     *VMIface
	host   HostIface
	poller *Poller

	vmMAC     net.HardwareAddr
	rules     *RuleTable
	snooper   *DhcpSnooper
	forwarder *PortForwarder
	metrics   *Metrics

	// allowDefaultAll is copied out of rules at construction: true
	// iff the Allow set contains 0.0.0.0/0. It disables this proxy's
	// inter-guest isolation of host->VM broadcast/multicast traffic;
	// see allowedFromHostIPv4 in filter_host.go.
	allowDefaultAll bool

	enobufsEncountered bool

	logger *logging.Logger
}

// New builds a Proxy from cfg. It takes ownership of cfg.VMFd and of
// the host interface it opens; Close releases both.
func New(cfg Config) (*Proxy, error) {
	vm, err := NewVMIface(cfg.VMFd)
	if err != nil {
		return nil, err
	}

	rules := NewRuleTable(cfg.AllowCIDRs, cfg.BlockCIDRs)

	host, err := NewLinuxHostIface(cfg.HostIfaceName, cfg.NATTableName, rules.AllowDefaultAll)
	if err != nil {
		_ = vm.Close()
		return nil, err
	}

	poller, err := NewPoller(vm.Fd(), host.Fd())
	if err != nil {
		_ = vm.Close()
		_ = host.Finalize()
		return nil, err
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Proxy{
		vm:              vm,
		host:            host,
		poller:          poller,
		vmMAC:           cfg.VMMacAddress,
		rules:           rules,
		allowDefaultAll: rules.AllowDefaultAll,
		snooper:         &DhcpSnooper{},
		forwarder:       NewPortForwarder(cfg.ExposedPorts),
		metrics:         NewMetrics(reg),
		logger:          logging.WithComponent("proxy"),
	}, nil
}

// Close tears down the poller, host interface, and VM fd, in that order.
func (p *Proxy) Close() error {
	_ = p.poller.Close()
	_ = p.host.Finalize()
	return p.vm.Close()
}

// Run executes the pump loop: arm the poller, then repeatedly wait,
// drain whichever sides are readable, check for an interrupt, and on
// an idle wait tick the port forwarder. Run returns nil on a clean
// interrupt and a non-nil error on any unrecoverable I/O failure.
func (p *Proxy) Run() error {
	if err := p.poller.Arm(); err != nil {
		return err
	}

	buf := make([]byte, p.host.MaxPacketSize())

	for {
		vmReadable, hostReadable, interrupt, err := p.poller.Wait()
		if err != nil {
			return err
		}

		if vmReadable {
			if err := p.drainVM(buf); err != nil {
				return err
			}
		}
		if hostReadable {
			if err := p.drainHost(buf); err != nil {
				return err
			}
		}

		if interrupt {
			p.logger.Info("received interrupt, shutting down")
			return nil
		}

		if !vmReadable && !hostReadable {
			p.forwarder.Tick(instrumentedHostNAT{host: p.host, metrics: p.metrics}, p.snooper.Lease())
			p.metrics.observeLease(p.snooper.Lease())
			p.metrics.observePortForwarder(p.forwarder)
		}

		if err := p.poller.Rearm(); err != nil {
			return err
		}
	}
}

// drainVM reads every pending frame from the VM, applies the VM->host
// filter, and forwards permitted frames to the host interface. It
// returns once the VM fd reports EAGAIN.
func (p *Proxy) drainVM(buf []byte) error {
	for {
		n, err := p.vm.Read(buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return vfcerrors.Wrap(err, vfcerrors.KindVmIOFailed, "failed to read from VM")
		}

		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback); err != nil {
			p.metrics.framesDropped.WithLabelValues(directionVMToHost).Inc()
			continue
		}

		if !p.allowedFromVM(&eth) {
			p.metrics.framesDropped.WithLabelValues(directionVMToHost).Inc()
			continue
		}

		if _, err := p.host.Write(buf[:n]); err != nil {
			return vfcerrors.Wrap(err, vfcerrors.KindHostIOFailed, "failed to write to host interface")
		}
		p.metrics.framesForwarded.WithLabelValues(directionVMToHost).Inc()
	}
}

// drainHost reads every pending frame from the host interface, applies
// the host->VM filter, snoops DHCP replies addressed to the VM, and
// forwards permitted frames to the VM. It returns once the host
// interface reports ErrHostReadNothing. A VM write that fails with
// ENOBUFS is swallowed and counted rather than treated as fatal, since
// it reflects the VM's own network stack applying back-pressure.
func (p *Proxy) drainHost(buf []byte) error {
	for {
		n, err := p.host.Read(buf)
		if err != nil {
			if errors.Is(err, ErrHostReadNothing) {
				return nil
			}
			return vfcerrors.Wrap(err, vfcerrors.KindHostIOFailed, "failed to read from host interface")
		}

		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback); err != nil {
			p.metrics.framesDropped.WithLabelValues(directionHostToVM).Inc()
			continue
		}

		if !p.allowedFromHost(&eth) {
			p.metrics.framesDropped.WithLabelValues(directionHostToVM).Inc()
			continue
		}

		if macEqual(eth.DstMAC, p.vmMAC) {
			p.snoopDHCP(&eth)
		}

		if _, err := p.vm.Write(buf[:n]); err != nil {
			if errors.Is(err, unix.ENOBUFS) {
				if !p.enobufsEncountered {
					p.enobufsEncountered = true
					p.logger.Warn("VM is not draining its socket, dropping frames")
				}
				p.metrics.vmWriteENOBUFS.Inc()
				continue
			}
			return vfcerrors.Wrap(err, vfcerrors.KindVmIOFailed, "failed to write to VM")
		}
		p.metrics.framesForwarded.WithLabelValues(directionHostToVM).Inc()
	}
}
