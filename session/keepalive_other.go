//go:build !linux

package session

import (
	"net"
)

func setKeepAlive(conn *net.TCPConn, keepAlive KeepAlive) error {
	return conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAlive.Idle,
		Interval: keepAlive.Interval,
		Count:    keepAlive.Count,
	})
}
