package pty

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindCommand resolves the coding-assistant CLI binary. An explicit path is
// validated as-is; otherwise the name is looked up on PATH and then in the
// usual install locations.
func FindCommand(explicit, name string) (string, error) {
	if explicit != "" {
		if err := checkExecutable(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	if found, err := exec.LookPath(name); err == nil {
		return found, nil
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", name),
		filepath.Join(home, ".npm-global", "bin", name),
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	}
	for _, p := range candidates {
		if checkExecutable(p) == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("command %q not found on PATH or in known install locations", name)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not an executable file", path)
	}
	return nil
}
