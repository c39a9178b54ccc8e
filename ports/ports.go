// Package ports hands out ephemeral localhost ports by binding to port
// 0 and reading back the kernel's choice. The socket is released before
// returning, so another process can grab the port in the window before
// the engine binds it; callers absorb that with a retry.
package ports

import (
	"fmt"
	"net"
)

// TCP reserves and returns a free TCP port on 127.0.0.1.
func TCP() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe tcp port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// UDP reserves and returns a free UDP port on 127.0.0.1.
func UDP() (int, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe udp port: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}
