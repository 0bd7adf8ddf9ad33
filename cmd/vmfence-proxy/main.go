// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"flag"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/vmfence/internal/brand"
	"grimm.is/vmfence/internal/logging"
	"grimm.is/vmfence/internal/proxy"
)

// repeatedFlag collects every occurrence of a repeatable CLI flag.
type repeatedFlag []string

func (r *repeatedFlag) String() string     { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error { *r = append(*r, v); return nil }

func main() {
	flags := flag.NewFlagSet("vmfence-proxy", flag.ExitOnError)

	vmFd := flags.Int("vm-fd", -1, "File descriptor connected to the VM's network stack")
	vmMacAddress := flags.String("vm-mac-address", "", "MAC address of the VM's network interface")
	vmNetType := flags.String("vm-net-type", "bridged", "VM network type (informational only)")
	bootpdLeaseTime := flags.Duration("bootpd-lease-time", 0, "DHCP lease time hint (no-op on this platform)")
	dropUser := flags.String("user", "", "unimplemented: privilege drop is not supported")
	dropGroup := flags.String("group", "", "unimplemented: privilege drop is not supported")
	hostIface := flags.String("host-iface", "", "Name of the host network interface to bind the proxy's host side to")
	natTable := flags.String("nat-table", brand.LowerName, "Name of the nftables table used for port-forwarding rules")
	metricsAddr := flags.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")

	var allow, block, exposedPorts repeatedFlag
	flags.Var(&allow, "allow", "CIDR to allow egress to (repeatable)")
	flags.Var(&block, "block", "CIDR to block egress to, overrides an equally-specific allow (repeatable)")
	flags.Var(&exposedPorts, "exposed-port", "EXTERNAL:INTERNAL port forwarding rule (repeatable)")

	_ = flags.Parse(os.Args[1:])

	logCfg := logging.DefaultConfig()
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg).WithComponent("vmfence-proxy")
	logging.SetDefault(logger)

	if *dropUser != "" || *dropGroup != "" {
		logging.Warn("privilege drop is not implemented, continuing under the current user")
	}
	if *bootpdLeaseTime != 0 {
		logging.Warn("--bootpd-lease-time has no effect on this platform", "value", bootpdLeaseTime.String())
	}

	if *vmFd < 0 {
		logging.Error("--vm-fd is required")
		os.Exit(2)
	}
	vmMAC, err := net.ParseMAC(*vmMacAddress)
	if err != nil {
		logging.Error("invalid --vm-mac-address", "error", err)
		os.Exit(2)
	}
	if *hostIface == "" {
		logging.Error("--host-iface is required")
		os.Exit(2)
	}

	allowPrefixes, err := parsePrefixes(allow)
	if err != nil {
		logging.Error("invalid --allow CIDR", "error", err)
		os.Exit(2)
	}
	blockPrefixes, err := parsePrefixes(block)
	if err != nil {
		logging.Error("invalid --block CIDR", "error", err)
		os.Exit(2)
	}

	ports := make([]proxy.ExposedPort, 0, len(exposedPorts))
	for _, spec := range exposedPorts {
		p, err := proxy.ParseExposedPort(spec)
		if err != nil {
			logging.Error("invalid --exposed-port", "error", err)
			os.Exit(2)
		}
		ports = append(ports, p)
	}

	logging.Info("starting "+brand.Name, "vm_net_type", *vmNetType, "host_iface", *hostIface, "vm_mac", vmMAC.String())

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logging.Error("metrics server failed", "error", err)
			}
		}()
		logging.Info("serving metrics", "addr", *metricsAddr)
	}

	p, err := proxy.New(proxy.Config{
		VMFd:          *vmFd,
		VMMacAddress:  vmMAC,
		HostIfaceName: *hostIface,
		NATTableName:  *natTable,
		AllowCIDRs:    allowPrefixes,
		BlockCIDRs:    blockPrefixes,
		ExposedPorts:  ports,
		Registerer:    registry,
	})
	if err != nil {
		logging.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	if err := p.Run(); err != nil {
		logging.Error("proxy exited with error", "error", err)
		os.Exit(1)
	}

	logging.Info("proxy exited cleanly")
}

func parsePrefixes(specs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(specs))
	for _, s := range specs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}
