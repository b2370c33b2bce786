//go:build linux

package devices

import (
	"context"
	"errors"
	"syscall"
)

// netlinkKobjectUEvent is the netlink protocol for kernel object events.
const netlinkKobjectUEvent = 15

// HotplugMonitor listens for capture device events on the kernel uevent
// netlink socket.
type HotplugMonitor struct {
	fd int
}

// NewHotplugMonitor opens the netlink socket.
func NewHotplugMonitor() (*HotplugMonitor, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM|syscall.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}
	addr := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Groups: 1}
	if err := syscall.Bind(fd, addr); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	// Bounded reads so Run notices cancellation.
	tv := syscall.Timeval{Sec: 1}
	if err := syscall.SetsockoptTimeval(fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	return &HotplugMonitor{fd: fd}, nil
}

// Run calls handle for every capture device added or removed until ctx
// ends or the socket fails. It closes the socket on return.
func (m *HotplugMonitor) Run(ctx context.Context, handle func(Hotplug)) error {
	defer syscall.Close(m.fd)

	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, _, err := syscall.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if ev, ok := parseUEvent(buf[:n]); ok {
			handle(ev)
		}
	}
}
