// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionVMToHost = "vm_to_host"
	directionHostToVM = "host_to_vm"
)

// Metrics holds the prometheus instrumentation for a running Proxy:
// frame flow per direction, lease state, and port-forwarding health.
type Metrics struct {
	framesForwarded      *prometheus.CounterVec
	framesDropped        *prometheus.CounterVec
	vmWriteENOBUFS       prometheus.Counter
	leaseValid           prometheus.Gauge
	portForwardMutations prometheus.Counter
	portForwardFailed    prometheus.Gauge
}

// NewMetrics builds and registers a Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmfence",
			Name:      "frames_forwarded_total",
			Help:      "Ethernet frames forwarded, by direction.",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmfence",
			Name:      "frames_dropped_total",
			Help:      "Ethernet frames dropped by the directional filters, by direction.",
		}, []string{"direction"}),
		vmWriteENOBUFS: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmfence",
			Name:      "vm_write_enobufs_total",
			Help:      "Frames dropped because the VM fd returned ENOBUFS.",
		}),
		leaseValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmfence",
			Name:      "lease_valid",
			Help:      "1 if the snooped DHCP lease is currently valid, 0 otherwise.",
		}),
		portForwardMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmfence",
			Name:      "port_forward_mutations_total",
			Help:      "Successful nftables add/remove calls issued by the port forwarder.",
		}),
		portForwardFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmfence",
			Name:      "port_forward_failed",
			Help:      "1 if port-forwarding reconciliation has latched off after a failure.",
		}),
	}

	reg.MustRegister(
		m.framesForwarded,
		m.framesDropped,
		m.vmWriteENOBUFS,
		m.leaseValid,
		m.portForwardMutations,
		m.portForwardFailed,
	)
	return m
}

// instrumentedHostNAT counts every successful nftables mutation the
// port forwarder issues through host.
type instrumentedHostNAT struct {
	host    HostNAT
	metrics *Metrics
}

func (i instrumentedHostNAT) PortForwardingAddRule(external uint16, target net.IP, internal uint16) error {
	if err := i.host.PortForwardingAddRule(external, target, internal); err != nil {
		return err
	}
	i.metrics.portForwardMutations.Inc()
	return nil
}

func (i instrumentedHostNAT) PortForwardingRemoveRule(external uint16) error {
	if err := i.host.PortForwardingRemoveRule(external); err != nil {
		return err
	}
	i.metrics.portForwardMutations.Inc()
	return nil
}

func (m *Metrics) observeLease(lease *Lease) {
	if lease != nil && lease.Valid() {
		m.leaseValid.Set(1)
	} else {
		m.leaseValid.Set(0)
	}
}

func (m *Metrics) observePortForwarder(pf *PortForwarder) {
	if pf.Failed() {
		m.portForwardFailed.Set(1)
	} else {
		m.portForwardFailed.Set(0)
	}
}
