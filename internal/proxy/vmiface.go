// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"golang.org/x/sys/unix"

	vfcerrors "grimm.is/vmfence/internal/errors"
)

// VMIface is a non-blocking datagram endpoint bound to a file
// descriptor inherited from the parent process, carrying raw Ethernet
// frames to and from the VM's network stack.
type VMIface struct {
	fd int
}

// NewVMIface takes ownership of fd and sets it non-blocking.
func NewVMIface(fd int) (*VMIface, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, vfcerrors.Wrap(err, vfcerrors.KindInitFailed, "failed to set VM fd non-blocking")
	}
	return &VMIface{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for registration with
// the readiness multiplexer.
func (v *VMIface) Fd() int {
	return v.fd
}

// Read reads one Ethernet frame into buf. Returns unix.EAGAIN when
// there is nothing left to read; callers drain in a loop until they
// see it.
func (v *VMIface) Read(buf []byte) (int, error) {
	return unix.Read(v.fd, buf)
}

// Write writes one Ethernet frame. May fail with unix.ENOBUFS under
// VM back-pressure.
func (v *VMIface) Write(buf []byte) (int, error) {
	return unix.Write(v.fd, buf)
}

// Close releases the underlying file descriptor.
func (v *VMIface) Close() error {
	return unix.Close(v.fd)
}
