package generate

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed scripts/*.py
var scriptsFS embed.FS

// Wrapper script names, relative to the materialized scripts directory.
const (
	ScriptGenerate = "mflux_generate.py"
	ScriptDownload = "model_download.py"
	ScriptWhoami   = "hf_whoami.py"
)

// MaterializeScripts writes the embedded wrapper scripts into dir so the
// interpreter can be pointed at stable on-disk paths. Existing files are
// overwritten, which keeps the scripts in sync across daemon upgrades.
func MaterializeScripts(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create scripts dir: %w", err)
	}

	entries, err := scriptsFS.ReadDir("scripts")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		data, err := scriptsFS.ReadFile("scripts/" + entry.Name())
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(dst, data, 0755); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
	}
	return nil
}
