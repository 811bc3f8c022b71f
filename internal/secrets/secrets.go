// Package secrets loads operator secrets from individual files on
// disk, enforcing that none are world-readable or world-writable
// (spec §22.2, §5.4 step 2). A secrets directory laid out insecurely
// must halt startup rather than silently load the value anyway.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Required lists every secret key PolyEdge expects to find as its own
// file under the secrets directory.
var Required = []string{
	"LOCAL_STATE_SECRET",
	"TELEGRAM_BOT_TOKEN",
	"OPENROUTER_API_KEY",
	"POLYMARKET_API_KEY",
}

// ErrInsecure is returned when a required secret is missing, empty, or
// stored with unsafe file permissions.
var ErrInsecure = errors.New("secrets: validation failed")

const (
	worldReadable = 0o004
	worldWritable = 0o002
)

func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&worldReadable != 0 {
		return fmt.Errorf("%w: %s is world-readable (mode %o), run: chmod o-r %s", ErrInsecure, path, mode, path)
	}
	if mode&worldWritable != 0 {
		return fmt.Errorf("%w: %s is world-writable (mode %o), run: chmod o-w %s", ErrInsecure, path, mode, path)
	}
	return nil
}

// Load reads every key in Required from its own file under secretDir,
// enforcing file permissions and non-empty contents. Any failure
// accumulates into a single wrapped ErrInsecure naming every problem
// found, rather than stopping at the first one — an operator fixing
// secrets wants the whole list in one pass.
func Load(secretDir string) (map[string]string, error) {
	info, err := os.Stat(secretDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: secrets directory does not exist: %s", ErrInsecure, secretDir)
	}

	out := make(map[string]string, len(Required))
	var problems []string

	for _, name := range Required {
		path := filepath.Join(secretDir, name)
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			problems = append(problems, fmt.Sprintf("missing required secret file: %s", path))
			continue
		}

		if err := checkPermissions(path); err != nil {
			problems = append(problems, err.Error())
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("read %s: %v", path, err))
			continue
		}

		value := strings.TrimSpace(string(data))
		if value == "" {
			problems = append(problems, fmt.Sprintf("secret file is empty: %s", path))
			continue
		}

		out[name] = value
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w:\n  %s", ErrInsecure, strings.Join(problems, "\n  "))
	}
	return out, nil
}
