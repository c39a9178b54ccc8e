package engine

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"simrig/rpc"
)

// Default settings document staged next to the binary's other inputs.
//
//go:embed server-settings.json
var defaultServerSettings []byte

// The control extension: the engine-side peer of the session bridge.
//
//go:embed extension
var extensionFS embed.FS

// stage materializes everything the engine reads from its working
// directory: the world snapshot, the path configuration, the settings
// document, and the control extension.
func stage(dir, savePath string) error {
	if savePath == "" {
		return fmt.Errorf("engine: Config.SavePath is required")
	}

	if err := os.MkdirAll(filepath.Join(dir, SavesDir), 0o755); err != nil {
		return fmt.Errorf("stage saves directory: %w", err)
	}
	if err := copyFile(savePath, filepath.Join(dir, SavesDir, worldFileName)); err != nil {
		return fmt.Errorf("stage world snapshot: %w", err)
	}

	// read-data resolves relative to the engine executable so one
	// installation serves many instances; write-data pins all mutable
	// state (log, saves, script output) inside this directory.
	config := "[path]\nread-data=__PATH__executable__/../../data\nwrite-data=" + dir + "\n"
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(config), 0o644); err != nil {
		return fmt.Errorf("stage config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, settingsFileName), defaultServerSettings, 0o644); err != nil {
		return fmt.Errorf("stage server settings: %w", err)
	}

	if err := writeExtension(filepath.Join(dir, modsDirName)); err != nil {
		return fmt.Errorf("stage control extension: %w", err)
	}
	return nil
}

// writeExtension unpacks the embedded extension under
// mods/<interface-name>/, the directory layout the engine's mod loader
// expects.
func writeExtension(modsDir string) error {
	root := filepath.Join(modsDir, rpc.RemoteInterface)
	return fs.WalkDir(extensionFS, "extension", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, "extension"), "/")
		target := filepath.Join(root, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := extensionFS.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile copies src to dst and removes src. A plain rename breaks
// across filesystems, and the working directory usually sits on tmpfs.
func moveFile(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
