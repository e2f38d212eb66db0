package tftp

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// ConfigArgs reads configFile (if it exists) and returns the argv-style
// words obtained by shell-word-splitting every non-comment, non-blank
// line, in order. The returned words are parsed by the same
// getoptions.GetOpt definition used for os.Args, so config and CLI share
// one option table instead of two.
func ConfigArgs(configFile string) ([]string, error) {
	f, err := os.Open(configFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", configFile, err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineWords, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", configFile, err)
		}
		words = append(words, lineWords...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFile, err)
	}
	return words, nil
}

// DefaultConfigPath returns the per-user config file path for name (e.g.
// "drop.conf" or "dropd.conf") in the "drop" subdirectory of
// os.UserConfigDir().
func DefaultConfigPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "drop", name), nil
}
