// Package rpc defines the call envelope carried over the engine console
// and its embedding into console command text. Both sides of the wire
// (the session bridge and the engine test double) build on this package
// so the two cannot drift apart.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RemoteInterface is the name the control extension registers on the
// engine's scripting surface.
const RemoteInterface = "simrig"

// TickCommand reads the engine's absolute simulation clock.
const TickCommand = "/silent-command rcon.print(game.tick)"

// ErrUnsupportedPayload rejects a call whose serialized form cannot be
// embedded in a console command.
var ErrUnsupportedPayload = errors.New("call payload cannot be embedded in a console command")

// Request is one call to the control extension.
type Request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Error is the engine-reported failure inside a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is the extension's answer. Result keeps its raw encoding so a
// literal null stays distinguishable from an absent field; both count as
// a null result.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Null reports whether the response carries no result value.
func (r *Response) Null() bool {
	raw := bytes.TrimSpace(r.Result)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

const (
	callPrefix = "/silent-command rcon.print(remote.call('" + RemoteInterface + "', 'call', '"
	callSuffix = "'))"
	savePrefix = "/sc game.server_save('"
	saveSuffix = "')"
)

// CallCommand embeds req, serialized, in a console command. The JSON
// rides inside a single-quoted engine-side string literal, so a payload
// containing a single quote has no legal encoding and is rejected.
func CallCommand(req Request) (string, error) {
	if req.Params == nil {
		// The extension always receives an array, never null.
		req.Params = []any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}
	if bytes.ContainsRune(body, '\'') {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPayload, body)
	}
	return callPrefix + string(body) + callSuffix, nil
}

// ParseCallCommand recovers the request embedded by CallCommand.
// The second return is false for any other console command.
func ParseCallCommand(command string) (Request, bool) {
	if !strings.HasPrefix(command, callPrefix) || !strings.HasSuffix(command, callSuffix) {
		return Request{}, false
	}
	var req Request
	body := command[len(callPrefix) : len(command)-len(callSuffix)]
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return Request{}, false
	}
	return req, true
}

// SaveCommand asks the engine to snapshot the world under name.
func SaveCommand(name string) string {
	return savePrefix + name + saveSuffix
}

// ParseSaveCommand recovers the snapshot name from a save command.
func ParseSaveCommand(command string) (string, bool) {
	if !strings.HasPrefix(command, savePrefix) || !strings.HasSuffix(command, saveSuffix) {
		return "", false
	}
	return command[len(savePrefix) : len(command)-len(saveSuffix)], true
}
