// Package engine supervises a headless simulation-engine process: it
// provisions an isolated working directory, spawns the binary, opens the
// console, and owns teardown. Each Instance is one engine process plus
// its console client and typed session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"simrig/ports"
	"simrig/rcon"
	"simrig/session"
)

const (
	// LogFileName is the engine's log inside the working directory.
	LogFileName = "engine-current.log"
	// SavesDir is where the engine reads and writes world snapshots,
	// relative to the working directory.
	SavesDir = "saves"
	// SaveFinishedMarker is the log line fragment the engine emits when
	// a snapshot is fully on disk.
	SaveFinishedMarker = "Saving finished"

	// InstallEnv names the engine installation root when Config does not.
	InstallEnv = "SIMRIG_ENGINE_PATH"

	worldFileName    = "world.zip"
	configFileName   = "config.ini"
	settingsFileName = "server-settings.json"
	modsDirName      = "mods"

	launchAttempts = 2
)

// Connect pacing. The engine needs to boot, load the world, and bind
// the console before the first attempt can succeed. Vars so tests can
// shorten the failure paths.
var (
	connectBudget         = 20 * time.Second
	connectAttemptTimeout = 2 * time.Second
	connectRetryDelay     = 250 * time.Millisecond
)

var (
	// ErrLaunchExhausted means every launch attempt ended in console
	// authentication failure.
	ErrLaunchExhausted = errors.New("engine launch attempts exhausted")

	// ErrSaveTimeout means the engine never logged the save-finished
	// marker within the budget.
	ErrSaveTimeout = errors.New("save did not finish within the budget")
)

// Config describes how to launch one engine instance.
type Config struct {
	// SavePath is the world snapshot the engine boots from. Required.
	SavePath string

	// InstallDir is the engine installation root. Empty falls back to
	// $SIMRIG_ENGINE_PATH, then ~/engine.
	InstallDir string

	// BinaryPath overrides InstallDir/bin/x64/engine.
	BinaryPath string

	// Debug dumps the engine log on launch failure and preserves the
	// working directory on Close.
	Debug bool

	Logger *zap.Logger
}

func (c Config) binary() (string, error) {
	if c.BinaryPath != "" {
		return c.BinaryPath, nil
	}
	dir := c.InstallDir
	if dir == "" {
		dir = os.Getenv(InstallEnv)
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate engine installation: %w", err)
		}
		dir = filepath.Join(home, "engine")
	}
	return filepath.Join(dir, "bin", "x64", "engine"), nil
}

// Instance is one running engine process.
type Instance struct {
	log         *zap.Logger
	dir         string
	cmd         *exec.Cmd
	kill        func() error
	gamePort    int
	consolePort int
	password    string
	console     *rcon.Client
	session     *session.Session
	debug       bool

	mu       sync.Mutex
	preserve bool
	closed   bool
}

// Launch starts an engine instance and connects to it. Console
// authentication failure means another process grabbed the allocated
// console port first, so the whole attempt (directory, ports, password)
// is discarded and rebuilt once; a second failure returns
// ErrLaunchExhausted. Other errors are never retried.
func Launch(ctx context.Context, cfg Config) (*Instance, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= launchAttempts; attempt++ {
		inst, err := launchOnce(ctx, cfg, log)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, rcon.ErrAuthFailed) {
			return nil, err
		}
		log.Warn("console rejected the instance password, relaunching",
			zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrLaunchExhausted, launchAttempts, lastErr)
}

func launchOnce(ctx context.Context, cfg Config, log *zap.Logger) (_ *Instance, err error) {
	dir, err := os.MkdirTemp("", "simrig-")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	var cmd *exec.Cmd
	defer func() {
		if err == nil {
			return
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		if cfg.Debug {
			dumpEngineLog(log, dir)
		}
		_ = os.RemoveAll(dir)
	}()

	if err := stage(dir, cfg.SavePath); err != nil {
		return nil, err
	}

	gamePort, err := ports.UDP()
	if err != nil {
		return nil, fmt.Errorf("allocate game port: %w", err)
	}
	consolePort, err := ports.TCP()
	if err != nil {
		return nil, fmt.Errorf("allocate console port: %w", err)
	}
	// The directory name is unique per instance, which is all the
	// console password has to be.
	password := filepath.Base(dir)

	bin, err := cfg.binary()
	if err != nil {
		return nil, err
	}

	cmd = exec.Command(bin,
		"--config", filepath.Join(dir, configFileName),
		"--mod-directory", filepath.Join(dir, modsDirName),
		"--bind", "127.0.0.1",
		"--port", strconv.Itoa(gamePort),
		"--rcon-bind", fmt.Sprintf("127.0.0.1:%d", consolePort),
		"--rcon-password", password,
		"--server-settings", filepath.Join(dir, settingsFileName),
		"--start-server", filepath.Join(dir, SavesDir, worldFileName),
	)
	cmd.Dir = dir
	// Stdin/Stdout/Stderr stay nil: the child talks to the null device
	// and we follow it through its log file instead.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", bin, err)
	}
	log.Info("engine starting",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", dir),
		zap.Int("game_port", gamePort),
		zap.Int("console_port", consolePort))

	console, err := openConsole(ctx, consolePort, password, log)
	if err != nil {
		return nil, err
	}

	tickCtx, cancel := context.WithTimeout(ctx, connectAttemptTimeout)
	initialTick, err := session.QueryTick(tickCtx, console)
	cancel()
	if err != nil {
		_ = console.Close()
		return nil, fmt.Errorf("read initial clock: %w", err)
	}
	log.Info("engine ready", zap.Int64("initial_tick", initialTick))

	return &Instance{
		log:         log,
		dir:         dir,
		cmd:         cmd,
		kill:        cmd.Process.Kill,
		gamePort:    gamePort,
		consolePort: consolePort,
		password:    password,
		console:     console,
		session:     session.New(console, initialTick, log),
		debug:       cfg.Debug,
	}, nil
}

// openConsole connects to the console within the boot budget. Refused
// connections and attempt timeouts just mean the engine is still
// booting; authentication failure is final and aborts immediately.
func openConsole(ctx context.Context, port int, password string, log *zap.Logger) (*rcon.Client, error) {
	client := rcon.NewClient("127.0.0.1", port, password, log)
	deadline := time.Now().Add(connectBudget)
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, connectAttemptTimeout)
		err := client.Connect(attemptCtx)
		cancel()
		if err == nil {
			return client, nil
		}
		if errors.Is(err, rcon.ErrAuthFailed) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect console: %w", ctx.Err())
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect console: engine not reachable within %s: %w", connectBudget, err)
		}
		time.Sleep(connectRetryDelay)
	}
}

// Session returns the typed call surface for this instance.
func (in *Instance) Session() *session.Session { return in.session }

// Console returns the raw console client.
func (in *Instance) Console() *rcon.Client { return in.console }

// WorkDir returns the instance's isolated working directory.
func (in *Instance) WorkDir() string { return in.dir }

// GamePort returns the UDP port the engine hosts the game on.
func (in *Instance) GamePort() int { return in.gamePort }

// ConsolePort returns the TCP port of the engine console.
func (in *Instance) ConsolePort() int { return in.consolePort }

// ConsolePassword returns the password for additional console clients.
func (in *Instance) ConsolePassword() string { return in.password }

// PreserveWorkDir keeps the working directory on Close, for post-mortem
// inspection after a failed experiment.
func (in *Instance) PreserveWorkDir() {
	in.mu.Lock()
	in.preserve = true
	in.mu.Unlock()
}

// Close shuts the instance down: console first, then the process, then
// the working directory. An engine that already exited on its own is an
// anomaly: the directory is preserved as evidence and the condition is
// returned rather than swallowed. Close is idempotent.
func (in *Instance) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	consoleErr := in.console.Close()

	exited := false
	if err := in.kill(); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			// Reap regardless: a child that died despite the failed
			// kill would otherwise linger as a zombie. The directory
			// stays for inspection.
			_ = in.cmd.Wait()
			in.log.Error("engine process kill failed, keeping working directory",
				zap.String("dir", in.dir), zap.Error(err))
			return errors.Join(consoleErr, fmt.Errorf("kill engine process: %w", err))
		}
		exited = true
	}
	_ = in.cmd.Wait() // killed-by-signal status is expected noise
	// A kill lands silently on a not-yet-reaped child, so the wait
	// status is what tells a normal kill from an engine that died on
	// its own: only the latter has a real exit.
	if state := in.cmd.ProcessState; state != nil && state.Exited() {
		exited = true
	}
	if exited {
		in.PreserveWorkDir()
		in.log.Error("engine process exited before shutdown, preserving working directory",
			zap.Int("pid", in.cmd.Process.Pid), zap.String("dir", in.dir))
		return errors.Join(consoleErr,
			fmt.Errorf("engine process %d exited before shutdown: %w",
				in.cmd.Process.Pid, os.ErrProcessDone))
	}

	in.mu.Lock()
	preserve := in.preserve
	in.mu.Unlock()
	if in.debug || preserve {
		in.log.Info("preserving working directory", zap.String("dir", in.dir))
		return consoleErr
	}
	if err := os.RemoveAll(in.dir); err != nil {
		return errors.Join(consoleErr, fmt.Errorf("remove working directory: %w", err))
	}
	return consoleErr
}

func dumpEngineLog(log *zap.Logger, dir string) {
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		log.Warn("engine log unavailable", zap.Error(err))
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		log.Debug("engine log", zap.String("line", line))
	}
}
