package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"simrig/ops"
)

func echoHandler(ctx context.Context, req *ops.Request) *ops.Response {
	return ops.Ok(req.ID, "done")
}

func slowHandler(ctx context.Context, req *ops.Request) *ops.Response {
	time.Sleep(200 * time.Millisecond)
	return ops.Ok(req.ID, "done")
}

func TestLogging(t *testing.T) {
	handler := Logging(zaptest.NewLogger(t))(echoHandler)

	resp := handler(context.Background(), &ops.Request{ID: 7, Op: ops.OpStep})
	if resp == nil || !resp.OK {
		t.Fatalf("response = %+v, want success", resp)
	}
	if resp.ID != 7 {
		t.Errorf("id = %d, want 7", resp.ID)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &ops.Request{ID: 1, Op: ops.OpList})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &ops.Request{ID: 2, Op: ops.OpStep})
	if resp.Error == nil || resp.Error.Kind != ops.KindTimeout {
		t.Fatalf("response = %+v, want a timeout error", resp)
	}
	if resp.ID != 2 {
		t.Errorf("timeout response id = %d, want 2", resp.ID)
	}
}

func TestTimeoutCancelsHandlerContext(t *testing.T) {
	canceled := make(chan struct{})
	handler := Timeout(50 * time.Millisecond)(func(ctx context.Context, req *ops.Request) *ops.Response {
		<-ctx.Done()
		close(canceled)
		return ops.Fail(req.ID, ops.KindInternal, ctx.Err().Error())
	})

	handler(context.Background(), &ops.Request{ID: 3, Op: ops.OpCall})
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler context never canceled")
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(rate.NewLimiter(1, 2))(echoHandler)
	req := &ops.Request{ID: 4, Op: ops.OpCall}

	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), req); resp.Error != nil {
			t.Fatalf("request %d should pass, got %+v", i, resp.Error)
		}
	}
	resp := handler(context.Background(), req)
	if resp.Error == nil || resp.Error.Kind != ops.KindBadRequest {
		t.Fatalf("third request = %+v, want a throttle rejection", resp)
	}
}

func TestChain(t *testing.T) {
	order := make([]string, 0, 4)
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *ops.Request) *ops.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("outer"), mark("inner"))(echoHandler)
	resp := handler(context.Background(), &ops.Request{ID: 5, Op: ops.OpList})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("invocation order = %v, want [outer inner]", order)
	}
}
