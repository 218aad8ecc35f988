package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// tokenFile is the persisted shape of the token store. Entries are
// SHA-256 hex digests; legacy files may contain raw tokens, which are
// hashed on load.
type tokenFile struct {
	Tokens []string `json:"tokens"`
}

// loadLocked reads the token file once and caches it. A missing,
// unreadable, or corrupt file is treated as "no tokens yet" so a broken
// store degrades to a fresh pairing-required state instead of failing.
func (g *Guard) loadLocked() {
	if g.loaded {
		return
	}
	g.loaded = true
	if g.cfg.TokenFile == "" {
		return
	}
	b, err := os.ReadFile(g.cfg.TokenFile)
	if err != nil {
		return
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return
	}
	migrated := false
	for _, t := range tf.Tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if isHexDigest(t) {
			g.hashes[strings.ToLower(t)] = struct{}{}
		} else {
			// legacy raw token stored in plaintext
			g.hashes[hashToken(t)] = struct{}{}
			migrated = true
		}
	}
	if migrated {
		_ = g.saveLocked()
	}
}

// saveLocked writes the hash set atomically (tmp file + rename, 0600).
func (g *Guard) saveLocked() error {
	if g.cfg.TokenFile == "" {
		return nil
	}
	tf := tokenFile{Tokens: make([]string, 0, len(g.hashes))}
	for h := range g.hashes {
		tf.Tokens = append(tf.Tokens, h)
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(g.cfg.TokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, g.cfg.TokenFile)
}

// isHexDigest reports whether s looks like a SHA-256 hex digest.
func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
