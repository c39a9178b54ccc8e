package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"simrig/gateway"
	"simrig/loadbalance"
	"simrig/ops"
	"simrig/registry"
)

type connFlags struct {
	gateway string
	etcd    string
	timeout time.Duration
}

func (c *connFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.gateway, "gateway", "", "gateway address (ws://host:port)")
	fs.StringVar(&c.etcd, "etcd", "", "etcd endpoints for gateway discovery (comma-separated)")
	fs.DurationVar(&c.timeout, "timeout", 2*time.Minute, "overall budget for the invocation")
}

func (c *connFlags) validate() error {
	switch {
	case c.gateway == "" && c.etcd == "":
		return errors.New("one of -gateway and -etcd is required")
	case c.gateway != "" && c.etcd != "":
		return errors.New("-gateway and -etcd are mutually exclusive")
	case c.timeout <= 0:
		return errors.New("-timeout must be positive")
	}
	return nil
}

// perform resolves the gateway address, dials it and runs one operation.
func perform(ctx context.Context, conn connFlags, req ops.Request) (*ops.Response, error) {
	addr := conn.gateway
	if addr == "" {
		discovered, err := discoverGateway(ctx, conn.etcd)
		if err != nil {
			return nil, err
		}
		addr = discovered
	}

	target, err := wsTarget(addr)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", target, err)
	}
	defer ws.Close()

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
		ws.SetWriteDeadline(deadline)
	}

	req.ID = 1
	if err := ws.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}
	for {
		var resp ops.Response
		if err := ws.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("await %s response: %w", req.Op, err)
		}
		if resp.ID == req.ID {
			return &resp, nil
		}
	}
}

// discoverGateway asks etcd for registered gateways and picks one at
// random, spreading one-shot invocations when several are live.
func discoverGateway(ctx context.Context, endpoints string) (string, error) {
	reg, err := registry.NewEtcd(strings.Split(endpoints, ","))
	if err != nil {
		return "", fmt.Errorf("connect etcd: %w", err)
	}
	defer reg.Close()

	instances, err := reg.Discover(ctx, gateway.ServiceName)
	if err != nil {
		return "", fmt.Errorf("discover gateway: %w", err)
	}
	balancer := &loadbalance.Random{}
	picked, err := balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("no gateway registered in etcd: %w", err)
	}
	return picked.Addr, nil
}

// wsTarget normalizes an address into a dialable websocket URL: the scheme
// defaults to ws and the path to /ws.
func wsTarget(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("bad gateway address %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("bad gateway address %q: scheme must be ws or wss", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
