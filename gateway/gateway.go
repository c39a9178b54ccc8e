// Package gateway serves engine sessions over WebSocket.
//
// Request processing pipeline:
//
//	/ws upgrade → serveConn (single goroutine reads frames)
//	  → for each frame: go serveOp (parallel processing)
//	    → middleware chain → op handler → response written under a
//	      per-connection write mutex
//
// The gateway owns every instance it launches: sessions are created by
// the create op, addressed by id afterwards, and torn down either by
// the close op or by Shutdown.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"simrig/engine"
	"simrig/middleware"
	"simrig/registry"
	"simrig/session"
)

const (
	// ServiceName is the name gateways register under.
	ServiceName = "gateway"

	registryTTL      = 10 // seconds
	defaultOpTimeout = 2 * time.Minute
)

// Instance is the gateway's view of a launched engine.
// *engine.Instance satisfies it; tests substitute fakes.
type Instance interface {
	Session() *session.Session
	Save(ctx context.Context, dst string) error
	Close() error
	WorkDir() string
	GamePort() int
	ConsolePort() int
	ConsolePassword() string
}

// Launcher starts one engine instance.
type Launcher func(ctx context.Context, cfg engine.Config) (Instance, error)

func launchEngine(ctx context.Context, cfg engine.Config) (Instance, error) {
	return engine.Launch(ctx, cfg)
}

// Config describes one gateway.
type Config struct {
	// Engine is the launch template; each create op copies it and fills
	// in the request's world snapshot.
	Engine engine.Config

	// Launcher overrides how instances are started. Nil launches real
	// engine processes.
	Launcher Launcher

	// Registry is where the gateway announces itself. Nil skips
	// registration.
	Registry  registry.Registry
	Advertise string

	// OpTimeout bounds each op; zero means the default.
	OpTimeout time.Duration

	// OpsPerSecond throttles admission when positive.
	OpsPerSecond float64
	Burst        int

	Logger *zap.Logger
}

// Gateway is one WebSocket session service.
type Gateway struct {
	cfg      Config
	log      *zap.Logger
	launch   Launcher
	handler  middleware.Handler
	upgrader websocket.Upgrader

	httpSrv *http.Server
	ln      net.Listener

	regCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]Instance
	conns    map[*websocket.Conn]struct{}

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New builds a gateway. The middleware chain is assembled once here,
// not per frame.
func New(cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	launch := cfg.Launcher
	if launch == nil {
		launch = launchEngine
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	g := &Gateway{
		cfg:    cfg,
		log:    log,
		launch: launch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]Instance),
		conns:    make(map[*websocket.Conn]struct{}),
	}

	middlewares := []middleware.Middleware{middleware.Logging(log)}
	if cfg.OpsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		middlewares = append(middlewares, middleware.RateLimit(rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), burst)))
	}
	middlewares = append(middlewares, middleware.Timeout(cfg.OpTimeout))
	g.handler = middleware.Chain(middlewares...)(g.dispatch)
	return g
}

// Start binds address and serves until Shutdown. It returns once the
// listener is up; serve errors after that are logged.
func (g *Gateway) Start(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", address, err)
	}
	g.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	mux.HandleFunc("/healthz", g.serveHealth)
	g.httpSrv = &http.Server{Handler: mux}

	if g.cfg.Registry != nil {
		// The registration lease is kept alive until Shutdown cancels
		// this context.
		regCtx, cancel := context.WithCancel(context.Background())
		g.regCancel = cancel
		instance := registry.Instance{Name: ServiceName, Addr: g.advertiseAddr()}
		if err := g.cfg.Registry.Register(regCtx, instance, registryTTL); err != nil {
			cancel()
			ln.Close()
			return fmt.Errorf("register gateway: %w", err)
		}
		g.log.Info("gateway registered", zap.String("addr", instance.Addr))
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpSrv.Serve(ln); err != nil && !g.shutdown.Load() {
			g.log.Error("gateway serve failed", zap.Error(err))
		}
	}()
	g.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address.
func (g *Gateway) Addr() string {
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func (g *Gateway) advertiseAddr() string {
	if g.cfg.Advertise != "" {
		return g.cfg.Advertise
	}
	return g.Addr()
}

// Shutdown deregisters, drops every connection, closes every live
// session, and waits for in-flight work within ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	if g.cfg.Registry != nil {
		instance := registry.Instance{Name: ServiceName, Addr: g.advertiseAddr()}
		if err := g.cfg.Registry.Deregister(ctx, instance); err != nil {
			g.log.Warn("deregister failed", zap.Error(err))
		}
	}
	if g.regCancel != nil {
		g.regCancel()
	}
	// http.Server stops tracking a connection once it is hijacked for
	// the upgrade, so Close only reaches the listener and plain HTTP
	// requests; live WebSocket connections are closed individually.
	if g.httpSrv != nil {
		_ = g.httpSrv.Close()
	}

	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]Instance)
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	for id, inst := range sessions {
		if err := inst.Close(); err != nil {
			g.log.Warn("session close failed during shutdown",
				zap.String("session", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: in-flight ops did not finish: %w", ctx.Err())
	}
}

// addSession stores a launched instance under a fresh id.
func (g *Gateway) addSession(inst Instance) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.sessions[id] = inst
	g.mu.Unlock()
	return id, nil
}

func (g *Gateway) lookupSession(id string) (Instance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok := g.sessions[id]
	return inst, ok
}

func (g *Gateway) removeSession(id string) (Instance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok := g.sessions[id]
	if ok {
		delete(g.sessions, id)
	}
	return inst, ok
}

func (g *Gateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// trackConn registers an upgraded connection for teardown, refusing it
// when shutdown already started.
func (g *Gateway) trackConn(conn *websocket.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown.Load() {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) untrackConn(conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

func newSessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("mint session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
