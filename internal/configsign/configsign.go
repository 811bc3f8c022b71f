// Package configsign implements HMAC-signed config manifests (spec
// §22, §5.4 step 1): every deployment ships a manifest.json recording
// a SHA-256 hash of each tracked config file plus an HMAC-SHA256
// signature over those hashes, keyed by an operator secret. Startup
// must halt on any mismatch — a tampered config file must never
// silently take effect.
package configsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ManifestFiles are the config files every manifest must track.
var ManifestFiles = []string{
	"config.yaml",
	"evidence_sources.json",
	"injection_patterns.json",
	"model_pricing.json",
}

// ErrTamper is returned by Verify for any manifest mismatch — a
// missing file, a missing hash entry, a hash mismatch, or a bad
// signature. Callers must treat it as a startup blocker.
var ErrTamper = errors.New("configsign: manifest verification failed")

// Manifest is the on-disk signed manifest shape.
type Manifest struct {
	SchemaVersion string            `json:"schema_version"`
	FileHashes    map[string]string `json:"file_hashes"`
	Signature     string            `json:"signature"`
}

const schemaVersion = "polyedge.manifest.v1"

// FileHash returns the SHA-256 hex digest of a file's contents.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalHashes(configDir string) (map[string]string, error) {
	hashes := make(map[string]string, len(ManifestFiles))
	for _, name := range ManifestFiles {
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: required config file missing: %s", ErrTamper, path)
		}
		hash, err := FileHash(path)
		if err != nil {
			return nil, err
		}
		hashes[name] = hash
	}
	return hashes, nil
}

func computeSignature(hashes map[string]string, operatorKey string) string {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	canonical := ""
	for i, name := range names {
		if i > 0 {
			canonical += "\n"
		}
		canonical += name + "=" + hashes[name]
	}

	mac := hmac.New(sha256.New, []byte(operatorKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateManifest hashes every tracked file under configDir, signs
// the result with operatorKey, and writes manifest.json into
// configDir.
func GenerateManifest(configDir, operatorKey string) (Manifest, error) {
	hashes, err := canonicalHashes(configDir)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		SchemaVersion: schemaVersion,
		FileHashes:    hashes,
		Signature:     computeSignature(hashes, operatorKey),
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(configDir, "manifest.json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

// Verify loads manifest.json from configDir, recomputes every tracked
// file's hash, and checks both the individual hashes and the overall
// HMAC signature against operatorKey. Any mismatch returns ErrTamper.
func Verify(configDir, operatorKey string) error {
	path := filepath.Join(configDir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: manifest not found: %s", ErrTamper, path)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("%w: manifest is not valid json: %v", ErrTamper, err)
	}
	if manifest.FileHashes == nil || manifest.Signature == "" {
		return fmt.Errorf("%w: manifest missing required fields", ErrTamper)
	}

	current, err := canonicalHashes(configDir)
	if err != nil {
		return err
	}

	for _, name := range ManifestFiles {
		stored, ok := manifest.FileHashes[name]
		if !ok {
			return fmt.Errorf("%w: manifest missing hash for %s", ErrTamper, name)
		}
		if stored != current[name] {
			return fmt.Errorf("%w: hash mismatch for %s", ErrTamper, name)
		}
	}

	expected := computeSignature(current, operatorKey)
	if !hmac.Equal([]byte(manifest.Signature), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", ErrTamper)
	}
	return nil
}
