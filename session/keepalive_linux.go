//go:build linux

package session

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func setKeepAlive(conn *net.TCPConn, keepAlive KeepAlive) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		opts := []struct {
			name  string
			opt   int
			value int
		}{
			{"idle", unix.TCP_KEEPIDLE, seconds(keepAlive.Idle)},
			{"interval", unix.TCP_KEEPINTVL, seconds(keepAlive.Interval)},
			{"count", unix.TCP_KEEPCNT, keepAlive.Count},
		}
		for _, o := range opts {
			if o.value <= 0 {
				continue
			}
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, o.opt, o.value); err != nil {
				sockErr = fmt.Errorf("set keepalive %v: %w", o.name, err)
				return
			}
		}
	}); err != nil {
		return err
	}
	return sockErr
}

// seconds rounds up, because the kernel only accepts whole seconds.
func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
