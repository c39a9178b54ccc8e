package engine

import (
	"errors"
	"os"
	"os/exec"
	"testing"

	"go.uber.org/zap/zaptest"

	"simrig/rcon"
)

func TestCloseReapsAfterKillFailure(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}

	dir := t.TempDir()
	killErr := errors.New("operation not permitted")
	in := &Instance{
		log:     zaptest.NewLogger(t),
		dir:     dir,
		cmd:     cmd,
		kill:    func() error { return killErr },
		console: rcon.NewClient("127.0.0.1", 0, "", nil),
	}

	err := in.Close()
	if !errors.Is(err, killErr) {
		t.Fatalf("close: got %v, want the kill failure in the chain", err)
	}
	if in.cmd.ProcessState == nil {
		t.Error("child was not reaped")
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		t.Errorf("working directory was not kept for inspection: %v", statErr)
	}
	if err := in.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
