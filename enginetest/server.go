// Package enginetest provides a stand-in for the simulation engine:
// the same console protocol, call envelope, and observable launch
// surface, with none of the engine. NewServer runs it in-process for
// protocol and bridge tests; Main runs it as a subprocess behind the
// supervisor's full launch path.
package enginetest

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"simrig/rcon"
	"simrig/rpc"
)

// Server is one fake engine endpoint.
type Server struct {
	password string
	ln       net.Listener
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	conns     map[net.Conn]struct{}
	tick      int64
	stepGrain int64
	stepDelay time.Duration
	overshoot int64
	saveHook  func(name string)
	world     *world

	wg sync.WaitGroup
}

// NewServer starts a fake engine on an ephemeral localhost port.
func NewServer(password string) (*Server, error) {
	return listen("127.0.0.1:0", password)
}

func listen(addr, password string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		password:  password,
		ln:        ln,
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
		stepGrain: 64,
		stepDelay: 2 * time.Millisecond,
		world:     newWorld(),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the address the console listens on.
func (s *Server) Host() string { return "127.0.0.1" }

// Port returns the console port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Addr returns host:port of the console listener.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// Tick returns the absolute simulation clock.
func (s *Server) Tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// SetTick positions the absolute clock; call before clients attach.
func (s *Server) SetTick(tick int64) {
	s.mu.Lock()
	s.tick = tick
	s.mu.Unlock()
}

// SetStepPacing controls how a step advances toward its target: grain
// ticks per increment, one increment per delay. Slower pacing lets
// pollers observe intermediate clock values.
func (s *Server) SetStepPacing(grain int64, delay time.Duration) {
	s.mu.Lock()
	s.stepGrain = grain
	s.stepDelay = delay
	s.mu.Unlock()
}

// SetStepOvershoot makes every step run extra ticks past its target,
// the defect a stepping client must detect.
func (s *Server) SetStepOvershoot(extra int64) {
	s.mu.Lock()
	s.overshoot = extra
	s.mu.Unlock()
}

// SetSaveHook installs the handler invoked with the snapshot name when
// a save command arrives.
func (s *Server) SetSaveHook(hook func(name string)) {
	s.mu.Lock()
	s.saveHook = hook
	s.mu.Unlock()
}

// Close stops the listener, drops every connection, and waits for all
// server goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn is the engine side of the protocol: a single frame reader,
// one goroutine per command, responses serialized by a per-connection
// write mutex. The auth sequence mirrors the real engine: an empty
// command response echoing the request id, then the verdict, with the
// reserved id on rejection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var writeMu sync.Mutex
	reply := func(p rcon.Packet) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = rcon.Encode(conn, p)
	}

	authed := false
	for {
		pkt, err := rcon.Decode(conn)
		if err != nil {
			return
		}

		if pkt.Kind == rcon.KindAuth {
			reply(rcon.Packet{ID: pkt.ID, Kind: rcon.KindCommandResponse})
			if string(pkt.Body) == s.password {
				authed = true
				reply(rcon.Packet{ID: pkt.ID, Kind: rcon.KindAuthResponse})
			} else {
				reply(rcon.Packet{ID: rcon.AuthFailedID, Kind: rcon.KindAuthResponse})
			}
			continue
		}
		if !authed {
			return
		}

		id, command := pkt.ID, string(pkt.Body)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			body := s.handleCommand(command)
			reply(rcon.Packet{ID: id, Kind: rcon.KindCommandResponse, Body: []byte(body)})
		}()
	}
}

func (s *Server) handleCommand(command string) string {
	if command == rpc.TickCommand {
		return strconv.FormatInt(s.Tick(), 10)
	}
	if name, ok := rpc.ParseSaveCommand(command); ok {
		s.mu.Lock()
		hook := s.saveHook
		s.mu.Unlock()
		if hook != nil {
			hook(name)
		}
		return ""
	}
	if req, ok := rpc.ParseCallCommand(command); ok {
		raw, err := json.Marshal(s.handleCall(req))
		if err != nil {
			return `{"error":{"code":3,"message":"response not serializable"}}`
		}
		return string(raw)
	}
	return ""
}

// beginStep advances the clock toward target in paced increments from a
// background goroutine, so pollers see the clock move rather than jump.
func (s *Server) beginStep(ticks int64) {
	s.mu.Lock()
	target := s.tick + ticks + s.overshoot
	grain, delay := s.stepGrain, s.stepDelay
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}
			s.mu.Lock()
			if s.closed || s.tick >= target {
				s.mu.Unlock()
				return
			}
			step := target - s.tick
			if step > grain {
				step = grain
			}
			s.tick += step
			s.mu.Unlock()
		}
	}()
}
