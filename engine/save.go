package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"simrig/rpc"
)

const savePollInterval = 100 * time.Millisecond

// saveBudget bounds how long Save waits for the finished marker. A var
// so tests can shorten the timeout path.
var saveBudget = 10 * time.Second

// Save snapshots the running world into dst. The console save command
// returns before the engine has finished writing, so completion is
// detected by tailing the engine log for the save-finished marker; the
// artifact is then moved out of the working directory.
func (in *Instance) Save(ctx context.Context, dst string) error {
	name, err := randomSaveName()
	if err != nil {
		return fmt.Errorf("name save artifact: %w", err)
	}

	logPath := filepath.Join(in.dir, LogFileName)
	offset, err := fileSize(logPath)
	if err != nil {
		return fmt.Errorf("open engine log: %w", err)
	}

	if _, err := in.console.Send(ctx, rpc.SaveCommand(name)); err != nil {
		return fmt.Errorf("issue save command: %w", err)
	}

	if err := awaitLogMarker(ctx, logPath, offset, SaveFinishedMarker); err != nil {
		return err
	}

	artifact := filepath.Join(in.dir, SavesDir, name)
	if err := moveFile(artifact, dst); err != nil {
		return fmt.Errorf("collect save artifact: %w", err)
	}
	in.log.Info("world saved", zap.String("dst", dst))
	return nil
}

// awaitLogMarker tails the log from offset until a complete line
// contains marker. Only complete lines count; a partially flushed line
// stays buffered until its newline arrives.
func awaitLogMarker(ctx context.Context, path string, offset int64, marker string) error {
	limiter := rate.NewLimiter(rate.Every(savePollInterval), 1)
	deadline := time.Now().Add(saveBudget)
	want := []byte(marker)
	var pending []byte

	for {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("await save marker: %w", err)
		}

		chunk, size, err := readFrom(path, offset)
		if err != nil {
			return fmt.Errorf("read engine log: %w", err)
		}
		offset = size
		pending = append(pending, chunk...)

		for {
			nl := bytes.IndexByte(pending, '\n')
			if nl < 0 {
				break
			}
			line := pending[:nl]
			pending = pending[nl+1:]
			if bytes.Contains(line, want) {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no %q in engine log after %s", ErrSaveTimeout, marker, saveBudget)
		}
	}
}

// readFrom returns the bytes appended to the file since offset and the
// new end offset.
func readFrom(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()
	if size <= offset {
		return nil, offset, nil
	}

	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	return buf, size, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func randomSaveName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]) + ".zip", nil
}
