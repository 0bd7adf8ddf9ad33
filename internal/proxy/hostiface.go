// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"grimm.is/vmfence/internal/brand"
	vfcerrors "grimm.is/vmfence/internal/errors"
	"grimm.is/vmfence/internal/logging"
)

// ErrHostReadNothing is the loop-termination sentinel for
// HostIface.Read: the drain loop stops here, never on an errno.
var ErrHostReadNothing = errors.New("vmfence: host interface has nothing to read")

// HostIface wraps the host-side virtual network interface: Ethernet
// I/O, a wake descriptor fed whenever a frame becomes available, the
// gateway IP and max packet size captured at init, and NAT
// port-forwarding mutation.
type HostIface interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Fd() int
	GatewayIP() net.IP
	MaxPacketSize() int
	PortForwardingAddRule(external uint16, target net.IP, internal uint16) error
	PortForwardingRemoveRule(external uint16) error
	Finalize() error
}

// linuxHostIface implements HostIface over an AF_PACKET raw socket
// bound to a Linux bridge/tap interface, plus google/nftables for
// DNAT rule programming.
//
// The single-threaded pump requires at-most-one in-flight producer of
// frames. A reader goroutine fills that role: it hands one frame at a time
// into a capacity-1 channel, writes a byte to the wake pipe, and then
// blocks on the release channel until Read drains the frame and
// releases it. The release channel holds one token so that a release
// issued before the goroutine reaches its wait is not lost.
type linuxHostIface struct {
	conn          *packet.Conn
	ifi           *net.Interface
	gatewayIP     net.IP
	maxPacketSize int

	wakeR, wakeW *os.File
	frames       chan []byte
	release      chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup

	nft      *nftables.Conn
	nftTable *nftables.Table
	nftChain *nftables.Chain

	finalizeOnce sync.Once
}

// NewLinuxHostIface opens a raw socket on ifaceName, resolves its
// first IPv4 address as the gateway IP, and prepares an nftables
// table/chain for port-forwarding DNAT rules. allowDefaultAll, true
// when the Allow set contains 0.0.0.0/0, disables inter-guest
// isolation of host->VM broadcast/multicast traffic for the lifetime
// of the proxy; it is decided once here at init time and enforced
// per-frame in filter_host.go.
func NewLinuxHostIface(ifaceName, natTableName string, allowDefaultAll bool) (*linuxHostIface, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, vfcerrors.Wrapf(err, vfcerrors.KindVmnetFailed, "failed to resolve host interface %q", ifaceName)
	}

	gatewayIP, err := firstIPv4(ifi)
	if err != nil {
		return nil, err
	}

	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, vfcerrors.Wrap(err, vfcerrors.KindVmnetFailed, "failed to open raw socket on host interface")
	}

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		_ = conn.Close()
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to create host wake pipe")
	}
	if err := unix.SetNonblock(int(wakeR.Fd()), true); err != nil {
		_ = conn.Close()
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to set host wake pipe non-blocking")
	}

	nft, err := nftables.New()
	if err != nil {
		_ = conn.Close()
		return nil, vfcerrors.Wrap(err, vfcerrors.KindVmnetFailed, "failed to open nftables connection")
	}

	h := &linuxHostIface{
		conn:          conn,
		ifi:           ifi,
		gatewayIP:     gatewayIP,
		maxPacketSize: ifi.MTU + 14,
		wakeR:         wakeR,
		wakeW:         wakeW,
		frames:        make(chan []byte, 1),
		release:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		nft:           nft,
	}

	if err := h.setupNATTable(natTableName); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.WithComponent("host-iface").Info("host interface initialized",
		"iface", ifaceName, "gateway", gatewayIP, "isolation_disabled", allowDefaultAll)

	h.wg.Add(1)
	go h.pump()

	return h, nil
}

func firstIPv4(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, vfcerrors.Wrap(err, vfcerrors.KindVmnetUnexpected, "failed to read host interface addresses")
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, vfcerrors.New(vfcerrors.KindVmnetUnexpected, "host interface has no IPv4 gateway address")
}

func (h *linuxHostIface) setupNATTable(name string) error {
	if name == "" {
		name = brand.LowerName
	}

	h.nftTable = h.nft.AddTable(&nftables.Table{Name: name, Family: nftables.TableFamilyIPv4})
	h.nftChain = h.nft.AddChain(&nftables.Chain{
		Name:     "vmfence_dnat",
		Table:    h.nftTable,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})

	if err := h.nft.Flush(); err != nil {
		return vfcerrors.Wrap(err, vfcerrors.KindVmnetFailed, "failed to create port-forwarding nftables table")
	}
	return nil
}

// pump reads frames off the raw socket one at a time, handing each to
// Read through the capacity-1 channel and blocking until it is
// consumed.
func (h *linuxHostIface) pump() {
	defer h.wg.Done()
	buf := make([]byte, h.maxPacketSize)

	for {
		n, _, err := h.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-h.stop:
				return
			default:
				continue
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		select {
		case h.frames <- frame:
		case <-h.stop:
			return
		}

		if _, err := h.wakeW.Write([]byte{0}); err != nil {
			return
		}

		select {
		case <-h.release:
		case <-h.stop:
			return
		}
	}
}

// Read returns the next buffered frame, or ErrHostReadNothing once
// the single in-flight frame has been drained, at which point any
// reader goroutine blocked in the rendezvous is released to pick up
// the next one.
func (h *linuxHostIface) Read(buf []byte) (int, error) {
	var discard [64]byte
	_, _ = unix.Read(int(h.wakeR.Fd()), discard[:])

	select {
	case frame := <-h.frames:
		return copy(buf, frame), nil
	default:
		select {
		case h.release <- struct{}{}:
		default:
		}
		return 0, ErrHostReadNothing
	}
}

// Write sends one Ethernet frame out the raw socket.
func (h *linuxHostIface) Write(buf []byte) (int, error) {
	return h.conn.WriteTo(buf, &packet.Addr{HardwareAddr: h.ifi.HardwareAddr})
}

// Fd returns the wake pipe's read end for registration with the poller.
func (h *linuxHostIface) Fd() int {
	return int(h.wakeR.Fd())
}

func (h *linuxHostIface) GatewayIP() net.IP { return h.gatewayIP }
func (h *linuxHostIface) MaxPacketSize() int { return h.maxPacketSize }

// PortForwardingAddRule programs a DNAT rule on the host interface
// for both TCP and UDP, redirecting external->target:internal.
func (h *linuxHostIface) PortForwardingAddRule(external uint16, target net.IP, internal uint16) error {
	ip4 := target.To4()
	if ip4 == nil {
		return vfcerrors.Errorf(vfcerrors.KindVmnetFailed, "port forward target %s is not an IPv4 address", target)
	}

	for _, l4proto := range []uint8{unix.IPPROTO_TCP, unix.IPPROTO_UDP} {
		exprs := []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{l4proto}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(external)},
			&expr.Immediate{Register: 1, Data: ip4},
			&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(internal)},
			&expr.NAT{
				Type:        expr.NATTypeDestNAT,
				Family:      unix.NFPROTO_IPV4,
				RegAddrMin:  1,
				RegProtoMin: 2,
			},
		}

		h.nft.AddRule(&nftables.Rule{
			Table:    h.nftTable,
			Chain:    h.nftChain,
			Exprs:    exprs,
			UserData: portForwardComment(external, l4proto),
		})
	}

	if err := h.nft.Flush(); err != nil {
		return vfcerrors.Wrapf(err, vfcerrors.KindVmnetFailed, "failed to add port-forwarding rule for port %d", external)
	}
	return nil
}

// PortForwardingRemoveRule removes the DNAT rules previously added for external.
func (h *linuxHostIface) PortForwardingRemoveRule(external uint16) error {
	rules, err := h.nft.GetRules(h.nftTable, h.nftChain)
	if err != nil {
		return vfcerrors.Wrap(err, vfcerrors.KindVmnetFailed, "failed to list port-forwarding rules")
	}

	for _, l4proto := range []uint8{unix.IPPROTO_TCP, unix.IPPROTO_UDP} {
		comment := portForwardComment(external, l4proto)
		for _, rule := range rules {
			if string(rule.UserData) == string(comment) {
				if err := h.nft.DelRule(rule); err != nil {
					return vfcerrors.Wrapf(err, vfcerrors.KindVmnetFailed, "failed to remove port-forwarding rule for port %d", external)
				}
			}
		}
	}

	if err := h.nft.Flush(); err != nil {
		return vfcerrors.Wrapf(err, vfcerrors.KindVmnetFailed, "failed to flush removal of port-forwarding rule for port %d", external)
	}
	return nil
}

func portForwardComment(external uint16, l4proto uint8) []byte {
	return []byte(fmt.Sprintf("vmfence_fwd_%d_%d", external, l4proto))
}

// Finalize idempotently tears down the pump goroutine, the raw
// socket, and the wake pipe. It must be called before the process
// exits; it does not remove the nftables table so that in-flight
// connections through existing DNAT rules are not abruptly reset.
func (h *linuxHostIface) Finalize() error {
	h.finalizeOnce.Do(func() {
		close(h.stop)
		select {
		case h.release <- struct{}{}:
		default:
		}
		_ = h.conn.Close()
		h.wg.Wait()
		_ = h.wakeR.Close()
		_ = h.wakeW.Close()
	})
	return nil
}
