package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"simrig/ops"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	if err := writeSchema(outPath, buildSchema()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	request := reflector.Reflect(&ops.Request{})
	request.Version = ""
	request.Title = "Operation Request"
	request.Description = "One gateway operation, sent as a single websocket text frame."

	response := reflector.Reflect(&ops.Response{})
	response.Version = ""
	response.Title = "Operation Response"
	response.Description = "The outcome of one operation, matched to its request by id."

	info := reflector.Reflect(&ops.SessionInfo{})
	info.Version = ""
	info.Title = "Session Info"
	info.Description = "Connection details for a running engine session, returned by create, info and list."

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Simrig Gateway Wire Format",
		Description: "Frames exchanged over the gateway websocket endpoint.",
		OneOf: []*jsonschema.Schema{
			request,
			response,
		},
		Definitions: jsonschema.Definitions{
			"sessionInfo": info,
		},
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
