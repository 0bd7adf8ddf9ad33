// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	vfcerrors "grimm.is/vmfence/internal/errors"
)

const pollTimeoutMillis = 100

// Poller is the readiness multiplexer: a level-triggered epoll wait
// over the VM fd, the host's wake fd, and the read end of a self-pipe
// fed by a SIGINT handler. Level-triggered interests stay armed
// across waits, so Rearm is a no-op; it exists so the pump's
// arm/wait/rearm shape stays explicit at the call site.
type Poller struct {
	epfd       int
	vmFd       int
	hostFd     int
	interruptR *os.File
	interruptW *os.File
	sigCh      chan os.Signal
	events     []unix.EpollEvent
}

// NewPoller creates a Poller over vmFd and hostFd. SIGINT is routed
// through signal.Notify into the self-pipe so that the pump observes
// the delivery as fd readiness instead of the default interrupt
// action tearing the process down mid-frame.
func NewPoller(vmFd, hostFd int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to create epoll instance")
	}

	r, w, err := os.Pipe()
	if err != nil {
		unix.Close(epfd)
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to create interrupt pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		unix.Close(epfd)
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to set interrupt pipe non-blocking")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		if _, ok := <-sigCh; ok {
			_, _ = w.Write([]byte{0})
		}
	}()

	return &Poller{
		epfd:       epfd,
		vmFd:       vmFd,
		hostFd:     hostFd,
		interruptR: r,
		interruptW: w,
		sigCh:      sigCh,
		events:     make([]unix.EpollEvent, 3),
	}, nil
}

// Arm registers all three readiness sources. Must be called once
// before the first Wait.
func (p *Poller) Arm() error {
	for _, fd := range []int{p.vmFd, p.hostFd, int(p.interruptR.Fd())} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return vfcerrors.Wrap(err, vfcerrors.KindPollFailed, "failed to register fd with epoll")
		}
	}
	return nil
}

// Rearm is a no-op under level-triggered epoll; see the type doc.
func (p *Poller) Rearm() error {
	return nil
}

// Wait blocks up to 100ms for readiness and reports which of the
// three sources fired.
func (p *Poller) Wait() (vmReadable, hostReadable, interrupt bool, err error) {
	n, werr := unix.EpollWait(p.epfd, p.events, pollTimeoutMillis)
	if werr != nil {
		if werr == unix.EINTR {
			return false, false, false, nil
		}
		return false, false, false, vfcerrors.Wrap(werr, vfcerrors.KindPollFailed, "epoll_wait failed")
	}

	interruptFd := int32(p.interruptR.Fd())
	for i := 0; i < n; i++ {
		switch p.events[i].Fd {
		case int32(p.vmFd):
			vmReadable = true
		case int32(p.hostFd):
			hostReadable = true
		case interruptFd:
			interrupt = true
			var discard [8]byte
			_, _ = unix.Read(int(interruptFd), discard[:])
		}
	}
	return vmReadable, hostReadable, interrupt, nil
}

// Close releases the epoll instance and the self-pipe, and stops
// forwarding SIGINT to it.
func (p *Poller) Close() error {
	signal.Stop(p.sigCh)
	close(p.sigCh)
	_ = p.interruptR.Close()
	_ = p.interruptW.Close()
	return unix.Close(p.epfd)
}
