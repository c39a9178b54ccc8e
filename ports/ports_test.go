package ports

import (
	"net"
	"strconv"
	"testing"
)

func TestTCP(t *testing.T) {
	port, err := TCP()
	if err != nil {
		t.Fatalf("TCP failed: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}

	// The socket must be released: binding the port again succeeds.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port %d not released: %v", port, err)
	}
	ln.Close()
}

func TestUDP(t *testing.T) {
	port, err := UDP()
	if err != nil {
		t.Fatalf("UDP failed: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}

	conn, err := net.ListenPacket("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port %d not released: %v", port, err)
	}
	conn.Close()
}
