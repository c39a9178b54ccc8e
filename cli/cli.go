// Package cli implements the command-line driver for the gateway: one
// subcommand per operation, one websocket dial per invocation.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"simrig/ops"
)

const usage = `simrig drives simulation-engine sessions through a gateway.

Usage:
  simrig <command> [flags]

Commands:
  create   launch a session from a world snapshot (-save)
  close    tear a session down (-session)
  save     snapshot a session's world (-session -dest)
  call     invoke an engine method (-session -method [param...])
  step     advance the simulation clock (-session -ticks)
  info     print one session's connection details (-session)
  list     print every live session

Connection flags (every command):
  -gateway ws://host:port   dial this gateway directly
  -etcd host:port[,...]     discover a gateway through etcd
  -timeout duration         overall budget for the invocation (default 2m)

Exactly one of -gateway and -etcd is required.
`

// Run parses argv, performs one gateway operation and reports the outcome.
// The returned code is the process exit code: 0 on success, 1 when the
// operation failed, 2 on a usage error.
func Run(argv []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, argv, stdout, stderr)
}

func RunContext(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	command, rest := argv[0], argv[1:]

	build, ok := commands[command]
	if !ok {
		if command == "-h" || command == "help" || command == "-help" || command == "--help" {
			fmt.Fprint(stdout, usage)
			return 0
		}
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fmt.Fprint(stderr, usage)
		return 2
	}

	fs := flag.NewFlagSet("simrig "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var conn connFlags
	conn.register(fs)

	req, err := build(fs, rest)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := conn.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()

	resp, err := perform(ctx, conn, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintf(stderr, "%s: %s: %s\n", command, resp.Error.Kind, resp.Error.Message)
		return 1
	}
	printResult(stdout, resp.Result)
	return 0
}

// commands maps each subcommand to its request builder. Builders register
// their own flags on fs and parse args, so -h prints per-command defaults.
var commands = map[string]func(fs *flag.FlagSet, args []string) (ops.Request, error){
	"create": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		save := fs.String("save", "", "world snapshot to boot from (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *save == "" {
			return ops.Request{}, errors.New("create: -save is required")
		}
		return ops.Request{Op: ops.OpCreate, Save: *save}, nil
	},
	"close": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		session := fs.String("session", "", "session id (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *session == "" {
			return ops.Request{}, errors.New("close: -session is required")
		}
		return ops.Request{Op: ops.OpClose, Session: *session}, nil
	},
	"save": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		session := fs.String("session", "", "session id (required)")
		dest := fs.String("dest", "", "artifact destination path (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *session == "" || *dest == "" {
			return ops.Request{}, errors.New("save: -session and -dest are required")
		}
		return ops.Request{Op: ops.OpSave, Session: *session, Dest: *dest}, nil
	},
	"call": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		session := fs.String("session", "", "session id (required)")
		method := fs.String("method", "", "engine method name (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *session == "" || *method == "" {
			return ops.Request{}, errors.New("call: -session and -method are required")
		}
		params, err := parseParams(fs.Args())
		if err != nil {
			return ops.Request{}, err
		}
		return ops.Request{Op: ops.OpCall, Session: *session, Method: *method, Params: params}, nil
	},
	"step": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		session := fs.String("session", "", "session id (required)")
		ticks := fs.Int64("ticks", 0, "number of ticks to advance (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *session == "" {
			return ops.Request{}, errors.New("step: -session is required")
		}
		if *ticks <= 0 {
			return ops.Request{}, errors.New("step: -ticks must be positive")
		}
		return ops.Request{Op: ops.OpStep, Session: *session, Ticks: *ticks}, nil
	},
	"info": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		session := fs.String("session", "", "session id (required)")
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		if *session == "" {
			return ops.Request{}, errors.New("info: -session is required")
		}
		return ops.Request{Op: ops.OpInfo, Session: *session}, nil
	},
	"list": func(fs *flag.FlagSet, args []string) (ops.Request, error) {
		if err := fs.Parse(args); err != nil {
			return ops.Request{}, err
		}
		return ops.Request{Op: ops.OpList}, nil
	},
}

// parseParams turns trailing arguments into call parameters. Each argument
// is taken as JSON when it parses, and as a bare string otherwise, so
// `call -method insert_items 42 '{"name":"coal"}'` does what it looks like.
func parseParams(args []string) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make([]any, 0, len(args))
	for _, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}
	return params, nil
}

// printResult writes the operation result as indented JSON, or "ok" when
// the operation carried none.
func printResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "ok")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	fmt.Fprintln(w, pretty.String())
}
