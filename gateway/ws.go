package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"simrig/ops"
)

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": g.sessionCount(),
	})
}

// serveWS runs one client connection: a single read loop, one goroutine
// per frame, responses serialized by a per-connection write mutex so
// slow ops never block the socket and frames never interleave.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if !g.trackConn(conn) {
		conn.Close()
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()
	defer g.untrackConn(conn)
	defer conn.Close()
	g.log.Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))

	var writeMu sync.Mutex
	write := func(resp *ops.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			g.log.Debug("response write failed", zap.Error(err))
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			g.log.Debug("client disconnected", zap.Error(err))
			return
		}

		var req ops.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			// Echo a bad_request when the frame at least carries an id;
			// otherwise there is nothing to address and the connection
			// is beyond repair.
			var probe struct {
				ID int64 `json:"id"`
			}
			if json.Unmarshal(payload, &probe) == nil {
				write(ops.Fail(probe.ID, ops.KindBadRequest, "malformed frame: "+err.Error()))
				continue
			}
			g.log.Warn("dropping undecodable client", zap.Error(err))
			return
		}

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			write(g.serveOp(&req))
		}()
	}
}
