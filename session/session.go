// Package session layers a typed call surface over the engine console.
// Calls ride the rpc envelope inside console commands; simulated time
// advances only through Step, which drives the engine and then polls the
// clock until it lands exactly on the requested tick.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"simrig/rcon"
	"simrig/rpc"
)

const stepPollInterval = 50 * time.Millisecond

var (
	// ErrUnexpectedNull is returned when a call produces a null result
	// but the reply type cannot represent one.
	ErrUnexpectedNull = errors.New("call returned null for a non-null reply type")

	// ErrTickOvershoot means the simulation clock moved past a step
	// target. Time advanced without authorization; the session's
	// bookkeeping no longer describes the engine and cannot recover.
	ErrTickOvershoot = errors.New("simulation clock passed the step target")
)

// CallError is a failure reported by the control extension itself, as
// opposed to a transport failure. Use errors.As to inspect it.
type CallError struct {
	Method  string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Session drives one engine instance through its console client.
type Session struct {
	console *rcon.Client
	log     *zap.Logger
	poll    *rate.Limiter

	mu          sync.Mutex
	initialTick int64
	curTick     int64
	targetTick  int64
}

// New wraps an authenticated console client. initialTick is the absolute
// engine clock observed at attach time; every tick this package reports
// is relative to it.
func New(console *rcon.Client, initialTick int64, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		console:     console,
		log:         log,
		poll:        rate.NewLimiter(rate.Every(stepPollInterval), 1),
		initialTick: initialTick,
		curTick:     initialTick,
		targetTick:  initialTick,
	}
}

// QueryTick reads the engine's absolute simulation clock with one raw
// console command.
func QueryTick(ctx context.Context, console *rcon.Client) (int64, error) {
	body, err := console.Send(ctx, rpc.TickCommand)
	if err != nil {
		return 0, fmt.Errorf("query clock: %w", err)
	}
	tick, err := strconv.ParseInt(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse clock response %q: %w", body, err)
	}
	return tick, nil
}

// CallRaw invokes method on the control extension and returns the raw
// result, nil for a null result. A payload that cannot be embedded in a
// console command fails with rpc.ErrUnsupportedPayload before anything
// is sent.
func (s *Session) CallRaw(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	command, err := rpc.CallCommand(rpc.Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	body, err := s.console.Send(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	var resp rpc.Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("call %s: defective response %q: %w", method, body, err)
	}
	if resp.Error != nil {
		return nil, &CallError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Null() {
		return nil, nil
	}
	return resp.Result, nil
}

// Call invokes method and decodes the result into reply.
//
// A nil reply discards the result. Otherwise reply must be a pointer; a
// null result is only legal when the pointed-to type can hold one
// (pointer or interface kinds), in which case reply is left zero. Null
// into anything else is ErrUnexpectedNull.
func (s *Session) Call(ctx context.Context, method string, params []any, reply any) error {
	raw, err := s.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if raw == nil {
		if !nullAssignable(reply) {
			return fmt.Errorf("call %s: %w", method, ErrUnexpectedNull)
		}
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("call %s: decode result %s: %w", method, raw, err)
	}
	return nil
}

// nullAssignable reports whether the pointed-to reply type can represent
// a null result. Only pointer and interface kinds qualify; a null map or
// slice result is a contract violation, not an empty collection.
func nullAssignable(reply any) bool {
	t := reflect.TypeOf(reply)
	if t == nil || t.Kind() != reflect.Pointer {
		return false
	}
	switch t.Elem().Kind() {
	case reflect.Pointer, reflect.Interface:
		return true
	default:
		return false
	}
}

// CurrentTick returns the simulation clock relative to session start.
func (s *Session) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curTick - s.initialTick
}

// Step advances the simulation by exactly ticks and blocks until the
// engine's clock reaches the target. The clock is polled at a fixed
// pace; observing a tick beyond the target returns ErrTickOvershoot.
// Steps are serialized by contract; interleaved callers get whatever
// combined target their additions produced.
func (s *Session) Step(ctx context.Context, ticks int64) error {
	if ticks < 0 {
		return fmt.Errorf("step by %d ticks: negative", ticks)
	}

	s.mu.Lock()
	s.targetTick += ticks
	target := s.targetTick
	s.mu.Unlock()

	if err := s.Call(ctx, "step", []any{ticks}, nil); err != nil {
		return err
	}

	for {
		if err := s.poll.Wait(ctx); err != nil {
			return fmt.Errorf("step to tick %d: %w", target, err)
		}
		tick, err := QueryTick(ctx, s.console)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.curTick = tick
		s.mu.Unlock()

		switch {
		case tick == target:
			return nil
		case tick > target:
			return fmt.Errorf("clock at %d with target %d: %w", tick, target, ErrTickOvershoot)
		}
	}
}
