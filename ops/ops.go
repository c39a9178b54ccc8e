// Package ops defines the gateway wire envelope: one JSON frame per
// operation over a WebSocket, multiplexed by a client-chosen id.
//
//   - On request:  Op selects the operation, the op-specific fields carry
//     its arguments, and ID tags the frame.
//   - On response: ID echoes the request, OK reports the outcome, and
//     exactly one of Result or Error is set.
package ops

import "encoding/json"

// Operation names accepted in Request.Op.
const (
	OpCreate = "create"
	OpClose  = "close"
	OpSave   = "save"
	OpCall   = "call"
	OpStep   = "step"
	OpInfo   = "info"
	OpList   = "list"
)

// Error kinds carried in ErrorInfo.Kind. They classify a failure well
// enough for a remote caller to pick a reaction without parsing message
// text.
const (
	KindAuthFailed         = "auth_failed"
	KindTimeout            = "timeout"
	KindRPCFailure         = "rpc_failure"
	KindSaveTimeout        = "save_timeout"
	KindLaunchExhausted    = "launch_exhausted"
	KindUnsupportedPayload = "unsupported_payload"
	KindUnexpectedNull     = "unexpected_null"
	KindTickOvershoot      = "tick_overshoot"
	KindBadRequest         = "bad_request"
	KindUnknownSession     = "unknown_session"
	KindInternal           = "internal"
)

// Request is one operation frame sent to the gateway.
type Request struct {
	ID      int64  `json:"id"`
	Op      string `json:"op"`
	Session string `json:"session,omitempty"`
	Save    string `json:"save,omitempty"`   // create: world snapshot path
	Dest    string `json:"dest,omitempty"`   // save: artifact destination
	Method  string `json:"method,omitempty"` // call
	Params  []any  `json:"params,omitempty"` // call
	Ticks   int64  `json:"ticks,omitempty"`  // step
}

// Response answers one Request, matched by ID.
type Response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes a failed operation.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionInfo is the result payload of the create and info ops.
type SessionInfo struct {
	Session         string `json:"session"`
	GamePort        int    `json:"game_port"`
	ConsolePort     int    `json:"console_port"`
	ConsolePassword string `json:"console_password"`
	WorkDir         string `json:"work_dir"`
	CurrentTick     int64  `json:"current_tick"`
}

// Ok builds a success response with result marshaled in. Marshal
// failures degrade to an internal error response.
func Ok(id int64, result any) *Response {
	if result == nil {
		return &Response{ID: id, OK: true}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Fail(id, KindInternal, "encode result: "+err.Error())
	}
	return &Response{ID: id, OK: true, Result: raw}
}

// Fail builds an error response.
func Fail(id int64, kind, message string) *Response {
	return &Response{ID: id, Error: &ErrorInfo{Kind: kind, Message: message}}
}
