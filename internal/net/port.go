package net

import (
	"fmt"
	"net"
)

// ListenEphemeral listens on an OS-assigned TCP port of host and returns the listener with its port.
func ListenEphemeral(host string) (net.Listener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("resolving %s:0: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
