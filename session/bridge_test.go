package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"simrig/enginetest"
	"simrig/rcon"
	"simrig/rpc"
	"simrig/session"
)

const testPassword = "hunter2"

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestSession attaches a session to a fresh fake engine.
func newTestSession(t *testing.T) (*enginetest.Server, *session.Session) {
	t.Helper()
	srv, err := enginetest.NewServer(testPassword)
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	console := rcon.NewClient(srv.Host(), srv.Port(), testPassword, zaptest.NewLogger(t))
	if err := console.Connect(testCtx(t)); err != nil {
		t.Fatalf("connect console: %v", err)
	}
	t.Cleanup(func() { console.Close() })

	tick, err := session.QueryTick(testCtx(t), console)
	if err != nil {
		t.Fatalf("query initial tick: %v", err)
	}
	return srv, session.New(console, tick, zaptest.NewLogger(t))
}

func TestCallEcho(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	var text string
	if err := sess.Call(ctx, "test_echo", []any{"ping"}, &text); err != nil {
		t.Fatalf("echo string: %v", err)
	}
	if text != "ping" {
		t.Errorf("echoed %q, want %q", text, "ping")
	}

	var fields map[string]int
	if err := sess.Call(ctx, "test_echo", []any{map[string]int{"a": 1, "b": 2}}, &fields); err != nil {
		t.Fatalf("echo object: %v", err)
	}
	if fields["a"] != 1 || fields["b"] != 2 {
		t.Errorf("echoed %v, want map[a:1 b:2]", fields)
	}
}

func TestCallRaw(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	raw, err := sess.CallRaw(ctx, "test_echo", []any{map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("raw echo: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode raw result %s: %v", raw, err)
	}
	if decoded["k"] != "v" {
		t.Errorf("raw result = %s", raw)
	}

	raw, err = sess.CallRaw(ctx, "test_nil", nil)
	if err != nil {
		t.Fatalf("raw null call: %v", err)
	}
	if raw != nil {
		t.Errorf("raw = %s, want nil for a null result", raw)
	}
}

func TestCallReportsEngineError(t *testing.T) {
	_, sess := newTestSession(t)

	err := sess.Call(testCtx(t), "test_error", nil, nil)
	var callErr *session.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("got %v, want a CallError", err)
	}
	if callErr.Method != "test_error" || callErr.Code != 2 {
		t.Errorf("CallError = %+v, want method test_error code 2", callErr)
	}
	if callErr.Message != "test_error always fails" {
		t.Errorf("message = %q", callErr.Message)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	_, sess := newTestSession(t)

	err := sess.Call(testCtx(t), "no_such_method", nil, nil)
	var callErr *session.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("got %v, want a CallError", err)
	}
	if callErr.Code != 1 {
		t.Errorf("code = %d, want 1", callErr.Code)
	}
}

func TestCallNullResult(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	if err := sess.Call(ctx, "test_nil", nil, nil); err != nil {
		t.Fatalf("nil reply should accept a null result: %v", err)
	}

	var entity *session.Entity
	if err := sess.Call(ctx, "test_nil", nil, &entity); err != nil {
		t.Fatalf("pointer reply should accept a null result: %v", err)
	}
	if entity != nil {
		t.Errorf("entity = %+v, want nil", entity)
	}

	var anything any
	if err := sess.Call(ctx, "test_nil", nil, &anything); err != nil {
		t.Fatalf("interface reply should accept a null result: %v", err)
	}

	var count int
	if err := sess.Call(ctx, "test_nil", nil, &count); !errors.Is(err, session.ErrUnexpectedNull) {
		t.Errorf("int reply: got %v, want ErrUnexpectedNull", err)
	}
	var contents map[string]int
	if err := sess.Call(ctx, "test_nil", nil, &contents); !errors.Is(err, session.ErrUnexpectedNull) {
		t.Errorf("map reply: got %v, want ErrUnexpectedNull", err)
	}
}

func TestCallRejectsSingleQuote(t *testing.T) {
	_, sess := newTestSession(t)

	err := sess.Call(testCtx(t), "test_echo", []any{"it's fine"}, nil)
	if !errors.Is(err, rpc.ErrUnsupportedPayload) {
		t.Fatalf("got %v, want ErrUnsupportedPayload", err)
	}
}

func TestQueryTickAbsolute(t *testing.T) {
	srv, err := enginetest.NewServer(testPassword)
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	defer srv.Close()
	srv.SetTick(123456)

	console := rcon.NewClient(srv.Host(), srv.Port(), testPassword, zaptest.NewLogger(t))
	if err := console.Connect(testCtx(t)); err != nil {
		t.Fatalf("connect console: %v", err)
	}
	defer console.Close()

	tick, err := session.QueryTick(testCtx(t), console)
	if err != nil {
		t.Fatalf("query tick: %v", err)
	}
	if tick != 123456 {
		t.Errorf("tick = %d, want 123456", tick)
	}
}

func TestStepLandsExactly(t *testing.T) {
	srv, sess := newTestSession(t)
	ctx := testCtx(t)

	if got := sess.CurrentTick(); got != 0 {
		t.Fatalf("fresh session at tick %d, want 0", got)
	}
	if err := sess.Step(ctx, 600); err != nil {
		t.Fatalf("step 600: %v", err)
	}
	if got := sess.CurrentTick(); got != 600 {
		t.Errorf("after step, tick = %d, want 600", got)
	}

	if err := sess.Step(ctx, 40); err != nil {
		t.Fatalf("step 40: %v", err)
	}
	if got := sess.CurrentTick(); got != 640 {
		t.Errorf("after second step, tick = %d, want 640", got)
	}
	if abs := srv.Tick(); abs != 640 {
		t.Errorf("engine clock at %d, want 640", abs)
	}
}

func TestStepZeroTicks(t *testing.T) {
	_, sess := newTestSession(t)

	if err := sess.Step(testCtx(t), 0); err != nil {
		t.Fatalf("step 0: %v", err)
	}
	if got := sess.CurrentTick(); got != 0 {
		t.Errorf("tick = %d, want 0", got)
	}
}

func TestStepNegativeTicks(t *testing.T) {
	_, sess := newTestSession(t)

	if err := sess.Step(testCtx(t), -5); err == nil {
		t.Fatal("negative step did not fail")
	}
}

func TestStepDetectsOvershoot(t *testing.T) {
	srv, sess := newTestSession(t)
	// One large increment so the clock lands past the target in a single
	// jump the poller cannot miss.
	srv.SetStepPacing(1<<20, time.Millisecond)
	srv.SetStepOvershoot(3)

	err := sess.Step(testCtx(t), 50)
	if !errors.Is(err, session.ErrTickOvershoot) {
		t.Fatalf("got %v, want ErrTickOvershoot", err)
	}
}

func TestCreateEntities(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	specs := []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
		{Name: "loader", Position: session.Position{X: 4, Y: 2}, Direction: session.East},
	}
	placed, err := sess.CreateEntities(ctx, specs)
	if err != nil {
		t.Fatalf("create entities: %v", err)
	}
	if len(placed) != 2 {
		t.Fatalf("placed %d results, want 2", len(placed))
	}
	if placed[0] == nil {
		t.Fatal("first placement failed")
	}
	if placed[0].UnitNumber == 0 {
		t.Error("first placement has no unit number")
	}
	if placed[0].Direction != session.North || placed[0].Force != "player" {
		t.Errorf("defaults not applied: %+v", placed[0])
	}
	if placed[1] == nil || placed[1].Direction != session.East {
		t.Errorf("second placement = %+v, want east-facing loader", placed[1])
	}

	// A second batch against the occupied tile reports the collision as
	// a nil slot, not an error.
	colliding, err := sess.CreateEntities(ctx, []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
	})
	if err != nil {
		t.Fatalf("colliding create: %v", err)
	}
	if colliding[0] != nil {
		t.Errorf("colliding placement succeeded: %+v", colliding[0])
	}
}

func TestFindEntities(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	specs := []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
		{Name: "loader", Position: session.Position{X: 4, Y: 2}},
		{Name: "beacon", Position: session.Position{X: 40, Y: 40}},
		{Name: "relay", Position: session.Position{X: 1, Y: 1}, Surface: "orbit"},
	}
	if _, err := sess.CreateEntities(ctx, specs); err != nil {
		t.Fatalf("create entities: %v", err)
	}

	found, err := sess.FindEntities(ctx, session.Position{X: 0, Y: 0}, session.Position{X: 10, Y: 10}, "")
	if err != nil {
		t.Fatalf("find entities: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("found %d entities in box, want 2: %+v", len(found), found)
	}

	orbit, err := sess.FindEntities(ctx, session.Position{X: 0, Y: 0}, session.Position{X: 10, Y: 10}, "orbit")
	if err != nil {
		t.Fatalf("find entities on orbit: %v", err)
	}
	if len(orbit) != 1 || orbit[0].Name != "relay" {
		t.Errorf("orbit search = %+v, want the relay", orbit)
	}

	empty, err := sess.FindEntities(ctx, session.Position{X: 100, Y: 100}, session.Position{X: 110, Y: 110}, "")
	if err != nil {
		t.Fatalf("find entities in empty box: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty box returned %+v", empty)
	}
}

func TestInsertItemsAndInventory(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := testCtx(t)

	placed, err := sess.CreateEntities(ctx, []session.EntitySpec{
		{Name: "storage-chest", Position: session.Position{X: 6, Y: 6}},
	})
	if err != nil || placed[0] == nil {
		t.Fatalf("create chest: placed=%v err=%v", placed, err)
	}
	chest := *placed[0]

	inserted, err := sess.InsertItems(ctx, chest, session.ItemStack{Name: "iron-plate", Count: 50})
	if err != nil {
		t.Fatalf("insert items: %v", err)
	}
	if inserted != 50 {
		t.Errorf("inserted %d, want 50", inserted)
	}
	if _, err := sess.InsertItems(ctx, chest, session.ItemStack{Name: "iron-plate", Count: 25}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	contents, err := sess.InventoryContents(ctx, chest)
	if err != nil {
		t.Fatalf("inventory contents: %v", err)
	}
	if contents["iron-plate"] != 75 {
		t.Errorf("contents = %v, want 75 iron-plate", contents)
	}

	_, err = sess.InsertItems(ctx, session.Entity{UnitNumber: 9999}, session.ItemStack{Name: "iron-plate", Count: 1})
	var callErr *session.CallError
	if !errors.As(err, &callErr) || callErr.Code != 2 {
		t.Errorf("insert into missing entity: got %v, want CallError code 2", err)
	}
}

func TestDestroyAllEntities(t *testing.T) {
	srv, sess := newTestSession(t)
	ctx := testCtx(t)

	_, err := sess.CreateEntities(ctx, []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
		{Name: "loader", Position: session.Position{X: 4, Y: 2}},
		{Name: "relay", Position: session.Position{X: 1, Y: 1}, Surface: "orbit"},
	})
	if err != nil {
		t.Fatalf("create entities: %v", err)
	}

	if err := sess.DestroyAllEntities(ctx, ""); err != nil {
		t.Fatalf("destroy all: %v", err)
	}
	remaining := srv.Entities()
	if len(remaining) != 1 || remaining[0].Surface != "orbit" {
		t.Errorf("remaining = %+v, want only the orbit relay", remaining)
	}

	// The cleared tile is free again.
	placed, err := sess.CreateEntities(ctx, []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
	})
	if err != nil || placed[0] == nil {
		t.Errorf("tile still occupied after destroy: placed=%v err=%v", placed, err)
	}
}

func TestCallAfterConsoleClose(t *testing.T) {
	srv, err := enginetest.NewServer(testPassword)
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	defer srv.Close()

	console := rcon.NewClient(srv.Host(), srv.Port(), testPassword, zaptest.NewLogger(t))
	ctx := testCtx(t)
	if err := console.Connect(ctx); err != nil {
		t.Fatalf("connect console: %v", err)
	}
	sess := session.New(console, 0, zaptest.NewLogger(t))

	if err := sess.Call(ctx, "test_echo", []any{"warm"}, nil); err != nil {
		t.Fatalf("warm-up call: %v", err)
	}
	if err := console.Close(); err != nil {
		t.Fatalf("close console: %v", err)
	}
	if err := sess.Call(ctx, "test_echo", []any{"cold"}, nil); !errors.Is(err, rcon.ErrClosed) {
		t.Fatalf("call after close: got %v, want ErrClosed", err)
	}
}

func TestCreateEntitiesAbortsOnCallError(t *testing.T) {
	srv, err := enginetest.NewServer(testPassword)
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	defer srv.Close()

	console := rcon.NewClient(srv.Host(), srv.Port(), testPassword, zaptest.NewLogger(t))
	ctx := testCtx(t)
	if err := console.Connect(ctx); err != nil {
		t.Fatalf("connect console: %v", err)
	}
	sess := session.New(console, 0, zaptest.NewLogger(t))
	if err := console.Close(); err != nil {
		t.Fatalf("close console: %v", err)
	}

	placed, err := sess.CreateEntities(ctx, []session.EntitySpec{
		{Name: "assembler", Position: session.Position{X: 2, Y: 2}},
		{Name: "loader", Position: session.Position{X: 4, Y: 2}},
	})
	if !errors.Is(err, rcon.ErrClosed) {
		t.Fatalf("create over a closed console: got %v, want ErrClosed", err)
	}
	if placed != nil {
		t.Errorf("partial result %v returned alongside the error", placed)
	}
}
