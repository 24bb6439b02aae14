package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mquinn/prepflow/internal/defaults"
)

// runInit initializes a prepflow working directory: the staging and
// evidence subdirectories plus an example config. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing prepflow workspace in %s\n", dir)

	for _, sub := range []string{"staging", "evidence"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config holds API keys, so it gets owner-only permissions.
	configPath := filepath.Join(dir, "prepflow.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit prepflow.yaml and set your Anthropic and Brave API keys.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, perm)
}
