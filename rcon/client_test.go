package rcon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"
)

// startStub runs a minimal console endpoint. Auth requests get the
// engine's real sequence: an empty command response echoing the request
// id, then the auth verdict. Command packets are handed to onCommand
// with a serialized reply function.
func startStub(t *testing.T, password string, onCommand func(reply func(Packet), pkt Packet)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveStubConn(conn, password, onCommand)
		}
	}()
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func serveStubConn(conn net.Conn, password string, onCommand func(reply func(Packet), pkt Packet)) {
	defer conn.Close()
	var writeMu sync.Mutex
	reply := func(p Packet) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = Encode(conn, p)
	}
	for {
		pkt, err := Decode(conn)
		if err != nil {
			return
		}
		if pkt.Kind == KindAuth {
			reply(Packet{ID: pkt.ID, Kind: KindCommandResponse})
			if string(pkt.Body) == password {
				reply(Packet{ID: pkt.ID, Kind: KindAuthResponse})
			} else {
				reply(Packet{ID: AuthFailedID, Kind: KindAuthResponse})
			}
			continue
		}
		onCommand(reply, pkt)
	}
}

func echoCommand(reply func(Packet), pkt Packet) {
	reply(Packet{ID: pkt.ID, Kind: KindCommandResponse, Body: append([]byte("echo:"), pkt.Body...)})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectSkipsPreAuthEcho(t *testing.T) {
	host, port := startStub(t, "secret", echoCommand)
	client := NewClient(host, port, "secret", nil)
	defer client.Close()

	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got, err := client.Send(testCtx(t), "ping")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got != "echo:ping" {
		t.Errorf("response mismatch: got %q, want %q", got, "echo:ping")
	}
}

func TestConnectWrongPassword(t *testing.T) {
	host, port := startStub(t, "secret", echoCommand)
	client := NewClient(host, port, "wrong", nil)

	err := client.Connect(testCtx(t))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}

	// The failed connect must leave the client fully closed.
	if _, err := client.Send(testCtx(t), "ping"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after failed Connect: expected ErrClosed, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close after failed Connect: %v", err)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	host, port := startStub(t, "secret", echoCommand)
	client := NewClient(host, port, "secret", nil)
	defer client.Close()

	for i := 0; i < 3; i++ {
		if err := client.Connect(testCtx(t)); err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
		if _, err := client.Send(testCtx(t), "ping"); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		if err := client.Close(); err != nil {
			t.Fatalf("Close %d failed: %v", i, err)
		}
	}
}

func TestConcurrentSends(t *testing.T) {
	// Replies are delayed by random amounts from separate goroutines,
	// so they come back in arbitrary order and only id routing can
	// match them up.
	host, port := startStub(t, "secret", func(reply func(Packet), pkt Packet) {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			echoCommand(reply, pkt)
		}()
	})
	client := NewClient(host, port, "secret", nil)
	defer client.Close()
	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	const calls = 50
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			command := fmt.Sprintf("command-%d", i)
			got, err := client.Send(testCtx(t), command)
			if err != nil {
				errs <- fmt.Errorf("Send %d: %v", i, err)
				return
			}
			if want := "echo:" + command; got != want {
				errs <- fmt.Errorf("Send %d: got %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUntrackedResponseIgnored(t *testing.T) {
	host, port := startStub(t, "secret", func(reply func(Packet), pkt Packet) {
		// A stray response first; the real one must still arrive.
		reply(Packet{ID: pkt.ID + 1000, Kind: KindCommandResponse, Body: []byte("stray")})
		echoCommand(reply, pkt)
	})
	client := NewClient(host, port, "secret", nil)
	defer client.Close()
	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got, err := client.Send(testCtx(t), "ping")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got != "echo:ping" {
		t.Errorf("response mismatch: got %q, want %q", got, "echo:ping")
	}
}

func TestSendTimeoutReleasesRequest(t *testing.T) {
	var mu sync.Mutex
	silent := true
	host, port := startStub(t, "secret", func(reply func(Packet), pkt Packet) {
		mu.Lock()
		drop := silent
		silent = false
		mu.Unlock()
		if drop {
			return // swallow the first command
		}
		echoCommand(reply, pkt)
	})
	client := NewClient(host, port, "secret", nil)
	defer client.Close()
	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Send(ctx, "swallowed"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	// The timed-out slot is gone; the connection keeps working.
	got, err := client.Send(testCtx(t), "after")
	if err != nil {
		t.Fatalf("Send after timeout failed: %v", err)
	}
	if got != "echo:after" {
		t.Errorf("response mismatch: got %q, want %q", got, "echo:after")
	}
}

func TestCloseResolvesPending(t *testing.T) {
	host, port := startStub(t, "secret", func(reply func(Packet), pkt Packet) {
		// Never answer: the request stays pending until Close.
	})
	client := NewClient(host, port, "secret", nil)
	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		_, err := client.Send(testCtx(t), "stuck")
		sendErr <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the request register

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-sendErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after Close")
	}
}

func TestSpontaneousAuthRejectionPoisonsConnection(t *testing.T) {
	host, port := startStub(t, "secret", func(reply func(Packet), pkt Packet) {
		// An auth rejection with no auth request in flight: the stream
		// state is indefensible and every caller must learn that.
		reply(Packet{ID: AuthFailedID, Kind: KindAuthResponse})
	})
	client := NewClient(host, port, "secret", nil)
	defer client.Close()
	if err := client.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := client.Send(testCtx(t), "ping"); !errors.Is(err, ErrProtocolDefect) {
		t.Fatalf("expected ErrProtocolDefect, got %v", err)
	}
}

func TestRequestIDsWrap(t *testing.T) {
	// No connection needed: fabricate the connected state and exercise
	// the id counter directly.
	client := NewClient("127.0.0.1", 0, "", nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client.conn = a
	client.pending = make(map[int32]*pendingCall)
	client.nextID = MaxID - 1

	// The counter hands out every non-negative id including MaxID, then
	// restarts at 0.
	want := []int32{MaxID - 1, MaxID, 0, 1}
	for i, expect := range want {
		id, _, _, err := client.register(false)
		if err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
		if id != expect {
			t.Errorf("allocation %d: got id %d, want %d", i, id, expect)
		}
	}
}

func TestRequestIDsUniqueUnderConcurrency(t *testing.T) {
	client := NewClient("127.0.0.1", 0, "", nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client.conn = a
	client.pending = make(map[int32]*pendingCall)

	const n = 200
	ids := make(chan int32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, _, err := client.register(false)
			if err != nil {
				t.Errorf("register failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int32]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate request id %d", id)
		}
		seen[id] = true
	}
}
