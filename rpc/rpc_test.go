package rpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCallCommandRoundTrip(t *testing.T) {
	req := Request{Method: "create_entity", Params: []any{map[string]any{"name": "box"}}}

	command, err := CallCommand(req)
	if err != nil {
		t.Fatalf("CallCommand failed: %v", err)
	}

	parsed, ok := ParseCallCommand(command)
	if !ok {
		t.Fatalf("ParseCallCommand rejected its own encoding: %q", command)
	}
	if parsed.Method != req.Method {
		t.Errorf("method mismatch: got %q, want %q", parsed.Method, req.Method)
	}
	if len(parsed.Params) != 1 {
		t.Fatalf("params length mismatch: got %d, want 1", len(parsed.Params))
	}
}

func TestCallCommandRejectsSingleQuote(t *testing.T) {
	_, err := CallCommand(Request{Method: "echo", Params: []any{"it's broken"}})
	if !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload, got %v", err)
	}
}

func TestParseCallCommandRejectsOtherCommands(t *testing.T) {
	for _, command := range []string{
		TickCommand,
		SaveCommand("world"),
		"/help",
		"",
	} {
		if _, ok := ParseCallCommand(command); ok {
			t.Errorf("ParseCallCommand accepted %q", command)
		}
	}
}

func TestSaveCommandRoundTrip(t *testing.T) {
	command := SaveCommand("a1b2c3.zip")
	name, ok := ParseSaveCommand(command)
	if !ok {
		t.Fatalf("ParseSaveCommand rejected %q", command)
	}
	if name != "a1b2c3.zip" {
		t.Errorf("name mismatch: got %q, want %q", name, "a1b2c3.zip")
	}
}

func TestResponseNull(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"absent", `{}`, true},
		{"explicit null", `{"result":null}`, true},
		{"string", `{"result":"x"}`, false},
		{"zero number", `{"result":0}`, false},
		{"empty object", `{"result":{}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tc.body), &resp); err != nil {
				t.Fatalf("unmarshal %q failed: %v", tc.body, err)
			}
			if got := resp.Null(); got != tc.want {
				t.Errorf("Null() = %v, want %v for %s", got, tc.want, tc.body)
			}
		})
	}
}
