package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// EnsureGitignore makes sure a .gitignore listing the sensitive files
// exists in the config dir. Idempotent: missing entries are appended,
// present ones left alone.
func EnsureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")

	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	} else if !os.IsNotExist(err) {
		return err
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range config.GitignoreEntries {
		if !present[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	out := existing
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += strings.Join(missing, "\n") + "\n"

	return renameio.WriteFile(path, []byte(out), 0o600)
}
