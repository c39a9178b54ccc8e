package enginetest

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"simrig/engine"
)

// Environment knobs for exercising supervisor failure paths.
const (
	// WrongPasswordEnv makes the console reject the configured password.
	WrongPasswordEnv = "SIMRIG_FAKE_WRONG_PASSWORD"
	// ExitEarlyEnv makes the process die right after parsing its flags.
	ExitEarlyEnv = "SIMRIG_FAKE_EXIT_EARLY"
	// NoSaveMarkerEnv makes saves write their artifact but never log the
	// finished marker.
	NoSaveMarkerEnv = "SIMRIG_FAKE_NO_SAVE_MARKER"
	// LifetimeEnv is a duration after which the process exits on its
	// own, as a crashing engine would.
	LifetimeEnv = "SIMRIG_FAKE_LIFETIME"
)

// Main runs the fake as if it were the engine binary: it accepts the
// launcher's command line, writes the engine log in the working
// directory, binds the game port, serves the console, and blocks until
// killed. It never returns.
func Main(args []string) {
	fs := flag.NewFlagSet("engine", flag.ExitOnError)
	var (
		config   = fs.String("config", "", "configuration file")
		modDir   = fs.String("mod-directory", "", "extension directory")
		bind     = fs.String("bind", "127.0.0.1", "game bind address")
		port     = fs.Int("port", 0, "game port")
		rconBind = fs.String("rcon-bind", "", "console listen address")
		rconPass = fs.String("rcon-password", "", "console password")
		settings = fs.String("server-settings", "", "settings file")
		world    = fs.String("start-server", "", "world snapshot to load")
	)
	_ = fs.Parse(args)

	log, err := openEngineLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.printf("Engine booting (config %s, settings %s)", *config, *settings)

	if os.Getenv(ExitEarlyEnv) != "" {
		log.printf("Fatal: refusing to start")
		os.Exit(1)
	}

	game, err := net.ListenPacket("udp", net.JoinHostPort(*bind, fmt.Sprint(*port)))
	if err != nil {
		log.printf("Fatal: game port: %v", err)
		os.Exit(1)
	}
	defer game.Close()
	log.printf("Loading world %s", *world)
	log.printf("Extensions from %s", *modDir)
	log.printf("Hosting game on %s", game.LocalAddr())

	password := *rconPass
	if os.Getenv(WrongPasswordEnv) != "" {
		password += "-not"
	}
	srv, err := listen(*rconBind, password)
	if err != nil {
		log.printf("Fatal: console: %v", err)
		os.Exit(1)
	}
	srv.SetSaveHook(func(name string) { completeSave(srv, log, name) })
	log.printf("Console available on %s", srv.Addr())

	if lifetime, err := time.ParseDuration(os.Getenv(LifetimeEnv)); err == nil && lifetime > 0 {
		go func() {
			time.Sleep(lifetime)
			log.printf("Engine shutting down")
			os.Exit(0)
		}()
	}

	select {}
}

// completeSave mimics the engine's asynchronous snapshot write: the
// artifact lands first, the log marker follows a beat later.
func completeSave(srv *Server, log *engineLog, name string) {
	path := filepath.Join(engine.SavesDir, name)
	if err := os.WriteFile(path, snapshotBytes(srv), 0o644); err != nil {
		log.printf("Save %s failed: %v", name, err)
		return
	}
	if os.Getenv(NoSaveMarkerEnv) != "" {
		return
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		log.printf("%s: %s", engine.SaveFinishedMarker, name)
	}()
}

func snapshotBytes(srv *Server) []byte {
	return fmt.Appendf(nil, "world snapshot at tick %d\n", srv.Tick())
}

// engineLog appends timestamped lines to the engine log in the working
// directory, whole lines only.
type engineLog struct {
	mu    sync.Mutex
	f     *os.File
	start time.Time
}

func openEngineLog() (*engineLog, error) {
	f, err := os.OpenFile(engine.LogFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &engineLog{f: f, start: time.Now()}, nil
}

func (l *engineLog) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := time.Since(l.start).Seconds()
	fmt.Fprintf(l.f, "%8.3f %s\n", elapsed, fmt.Sprintf(format, args...))
}
