package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrAuthFailed is returned by Connect when the engine rejects the
	// password. It is never transient for a given endpoint.
	ErrAuthFailed = errors.New("console authentication failed")

	// ErrClosed resolves requests that were in flight when the client
	// was deliberately closed.
	ErrClosed = errors.New("console client closed")

	// ErrProtocolDefect marks a stream state the protocol does not
	// allow. The connection is poisoned and must be re-established.
	ErrProtocolDefect = errors.New("console protocol defect")
)

type result struct {
	pkt Packet
	err error
}

// pendingCall is one in-flight request. done has capacity 1 and receives
// exactly one value: whoever removes the call from the pending table owns
// the delivery.
type pendingCall struct {
	auth bool
	done chan result
}

// Client is a console protocol client. A single background reader routes
// responses to concurrent senders by request id, so any number of
// goroutines may issue commands over the one TCP connection.
//
//	goroutine A ── Send(id=7) ──┐
//	goroutine B ── Send(id=8) ──┼──→ single conn ──→ engine
//	goroutine C ── Send(id=9) ──┘
//
//	readLoop: response(id=8) → pending[8] → goroutine B wakes up
type Client struct {
	host     string
	port     int
	password string
	log      *zap.Logger

	// Serializes frame writes; concurrent Encode calls on one
	// connection would interleave bytes from different frames.
	sending sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	nextID     int32
	pending    map[int32]*pendingCall
	closing    bool
	readerDone chan struct{}
}

// NewClient returns an unconnected client. A nil logger disables logging.
func NewClient(host string, port int, password string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{host: host, port: port, password: password, log: log}
}

// Connect dials the console, starts the reader, and authenticates. Any
// failure leaves the client fully closed; a later Connect on the same
// client starts over with a fresh connection, id counter, and pending
// table. The engine answers the auth request with an empty command echo
// before the real auth response; the reader skips that echo.
func (c *Client) Connect(ctx context.Context) error {
	// Tear down whatever a previous Connect left behind.
	_ = c.Close()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return fmt.Errorf("dial console: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.nextID = 0
	c.pending = make(map[int32]*pendingCall)
	c.readerDone = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	if _, err := c.roundTrip(ctx, KindAuth, []byte(c.password), true); err != nil {
		_ = c.Close()
		return fmt.Errorf("authenticate console: %w", err)
	}
	return nil
}

// Send issues one console command and returns the response body.
// Safe for concurrent use; responses are matched by request id, not
// arrival order.
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	pkt, err := c.roundTrip(ctx, KindCommand, []byte(command), false)
	if err != nil {
		return "", err
	}
	return string(pkt.Body), nil
}

// Close shuts the connection down and resolves every pending request
// with ErrClosed. It is idempotent and safe to call on a client that
// never connected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	c.conn = nil
	c.closing = conn != nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	// The reader exits on the closed socket and resolves all pending
	// requests before signalling.
	<-done
	if errors.Is(err, net.ErrClosed) {
		// Reader already closed the socket after a connection failure.
		err = nil
	}
	return err
}

// roundTrip registers a pending slot, writes one frame, and waits for the
// reader to deliver the matching response. Registration happens before
// the write so the reader can never see a response it has no slot for.
func (c *Client) roundTrip(ctx context.Context, kind Kind, body []byte, auth bool) (Packet, error) {
	id, call, conn, err := c.register(auth)
	if err != nil {
		return Packet{}, err
	}

	c.sending.Lock()
	err = Encode(conn, Packet{ID: id, Kind: kind, Body: body})
	c.sending.Unlock()
	if err != nil {
		c.deregister(id)
		return Packet{}, fmt.Errorf("write console frame: %w", err)
	}

	select {
	case res := <-call.done:
		return res.pkt, res.err
	case <-ctx.Done():
		// A response racing in after deregistration parks in the
		// buffered channel and is dropped with the call.
		c.deregister(id)
		return Packet{}, fmt.Errorf("await console response for request %d: %w", id, ctx.Err())
	}
}

func (c *Client) register(auth bool) (int32, *pendingCall, net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closing {
		return 0, nil, nil, ErrClosed
	}
	id := c.nextID
	if c.nextID == MaxID {
		c.nextID = 0
	} else {
		c.nextID++
	}
	call := &pendingCall{auth: auth, done: make(chan result, 1)}
	c.pending[id] = call
	return id, call, c.conn, nil
}

func (c *Client) deregister(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the sole reader of the connection. TCP is a byte stream;
// frame boundaries only survive with exactly one sequential reader.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()
	for {
		pkt, err := Decode(conn)
		if err != nil {
			c.failAll(err)
			return
		}

		if pkt.Kind == KindAuthResponse && pkt.ID == AuthFailedID {
			if !c.rejectPendingAuth() {
				c.failAll(fmt.Errorf("%w: auth rejection without a single pending auth request", ErrProtocolDefect))
				return
			}
			continue
		}

		c.dispatch(pkt)
	}
}

// dispatch routes one response to its pending call. A command response
// whose id matches a pending auth request is the engine's spurious
// pre-auth echo and leaves the request pending.
func (c *Client) dispatch(pkt Packet) {
	c.mu.Lock()
	call, ok := c.pending[pkt.ID]
	if ok && call.auth && pkt.Kind == KindCommandResponse {
		c.mu.Unlock()
		return
	}
	if ok {
		delete(c.pending, pkt.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("console response for untracked request id", zap.Int32("id", pkt.ID))
		return
	}
	call.done <- result{pkt: pkt}
}

// rejectPendingAuth resolves the single pending auth request with
// ErrAuthFailed. The engine signals rejection with the reserved id, so
// there must be exactly one candidate; anything else is a defect and the
// caller poisons the connection.
func (c *Client) rejectPendingAuth() bool {
	c.mu.Lock()
	var id int32
	var call *pendingCall
	matches := 0
	for pid, p := range c.pending {
		if p.auth {
			id, call, matches = pid, p, matches+1
		}
	}
	if matches != 1 {
		c.mu.Unlock()
		c.log.Error("auth rejection did not match one pending auth request",
			zap.Int("matches", matches))
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	call.done <- result{err: ErrAuthFailed}
	return true
}

// failAll resolves every pending request and empties the table. After a
// deliberate Close the terminal error is ErrClosed; otherwise the read
// error that broke the connection is propagated.
func (c *Client) failAll(readErr error) {
	c.mu.Lock()
	deliberate := c.closing
	calls := c.pending
	c.pending = make(map[int32]*pendingCall)
	c.mu.Unlock()

	var err error
	if deliberate {
		err = ErrClosed
		c.log.Debug("console reader stopped", zap.Int("aborted", len(calls)))
	} else {
		err = fmt.Errorf("console connection lost: %w", readErr)
		c.log.Error("console connection lost",
			zap.Error(readErr), zap.Int("aborted", len(calls)))
	}
	for _, call := range calls {
		call.done <- result{err: err}
	}
}
