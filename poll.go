// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package parallelrpc

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// sockDescriptor extracts the OS file descriptor backing conn. The
// descriptor stays valid only while conn is open; callers must not close it.
func sockDescriptor(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("connection type %T exposes no descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// pollWait waits until at least one descriptor is readable or has an error
// condition, returning the ready subset. timeout < 0 waits without bound;
// timeout == 0 probes without blocking.
func pollWait(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		ready := make([]int, 0, n)
		for _, p := range pfds {
			if p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				ready = append(ready, int(p.Fd))
			}
		}
		return ready, nil
	}
}

// pollProbe reports whether fd is readable or errored right now.
func pollProbe(fd int) (bool, error) {
	ready, err := pollWait([]int{fd}, 0)
	if err != nil {
		return false, err
	}
	return len(ready) > 0, nil
}
