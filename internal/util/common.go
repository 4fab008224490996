package util

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Upper bounds for outbound calls made while serving a request.
const (
	DefaultFetchTimeout = 5 * time.Second
	StoreTimeout        = 3 * time.Second
	ShortTimeout        = 2 * time.Second
)

// ResolvePath makes a config-relative path usable. Absolute paths win over
// base; an empty rel stays empty so callers can treat it as "unset".
func ResolvePath(base, rel string) string {
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes v as indented JSON, readable by the owner only. Parent
// directories are created.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Fingerprint returns a short stable digest of an identity for log lines.
// Public keys are long and we don't want them verbatim in logs.
func Fingerprint(identity string) string {
	if identity == "" {
		return "-"
	}
	sum := blake2b.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:6])
}
