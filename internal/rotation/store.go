// Package rotation implements the auth-profile rotation coordinator
// (spec §4.6): cooldown bookkeeping, smart profile selection, soft
// cookie swap, canary validation, and the depletion guard.
//
// Grounded on original_source/browser_utils/auth_rotation.py and
// original_source/api_utils/utils_ext/{cooldown_manager,usage_tracker}.py.
package rotation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// FileProfileStore is the default gateway.ProfileStore backed by the
// on-disk layout spec §3/§6 describes: profile JSON documents under
// active/saved/emergency directories, a cooldown JSON file, and a flat
// usage-ledger JSON file.
type FileProfileStore struct {
	CooldownPath string
	UsagePath    string

	mu sync.Mutex // serializes cooldown/usage file writes (spec §5)
}

// NewFileProfileStore returns a store rooted at the given config dir,
// matching the original's config/cooldown_status.json and
// config/profile_usage.json layout.
func NewFileProfileStore(configDir string) *FileProfileStore {
	return &FileProfileStore{
		CooldownPath: filepath.Join(configDir, "cooldown_status.json"),
		UsagePath:    filepath.Join(configDir, "profile_usage.json"),
	}
}

// ListProfiles globs *.json files across the given directories.
func (s *FileProfileStore) ListProfiles(dirs []string) ([]string, error) {
	var out []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		entries, err := filepath.Glob(filepath.Join(d, "*.json"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			abs, err := filepath.Abs(e)
			if err != nil {
				abs = e
			}
			out = append(out, abs)
		}
	}
	return out, nil
}

// ReadCookies loads one profile document from disk.
func (s *FileProfileStore) ReadCookies(path string) (*gateway.ProfileDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc gateway.ProfileDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("corrupt profile %s: %w", path, err)
	}
	return &doc, nil
}

// WriteCookies persists a profile document to disk.
func (s *FileProfileStore) WriteCookies(path string, doc *gateway.ProfileDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// cooldownFile is the on-disk shape: profile path -> either a bare
// ISO-8601 string (legacy, global-only) or a map of modelKey -> ISO-8601
// (nested).
// json.RawMessage lets us sniff which shape we received.
type cooldownFile map[string]json.RawMessage

// LoadCooldowns reads the cooldown file, accepting both legacy (single
// timestamp) and nested ({model: timestamp}) entries per profile, and
// drops a redundant "default" key when model-specific entries already
// exist for the same profile (spec §9 backward-compat note; supplemented
// feature #6 in SPEC_FULL.md).
func (s *FileProfileStore) LoadCooldowns() (map[string]gateway.CooldownEntry, error) {
	b, err := os.ReadFile(s.CooldownPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]gateway.CooldownEntry{}, nil
		}
		return nil, err
	}
	var raw cooldownFile
	if err := json.Unmarshal(b, &raw); err != nil {
		return map[string]gateway.CooldownEntry{}, nil
	}

	out := make(map[string]gateway.CooldownEntry, len(raw))
	for profile, val := range raw {
		var asString string
		if err := json.Unmarshal(val, &asString); err == nil {
			ts, err := time.Parse(time.RFC3339, asString)
			if err != nil {
				continue
			}
			out[profile] = gateway.CooldownEntry{
				ModelExpiry: map[string]time.Time{"global": ts},
				IsLegacy:    true,
			}
			continue
		}

		var asMap map[string]string
		if err := json.Unmarshal(val, &asMap); err != nil {
			continue
		}
		expiry := make(map[string]time.Time, len(asMap))
		for model, ts := range asMap {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				continue
			}
			expiry[model] = t
		}
		hasSpecific := false
		for model := range expiry {
			if model != "default" {
				hasSpecific = true
				break
			}
		}
		if hasSpecific {
			delete(expiry, "default")
		}
		if len(expiry) > 0 {
			out[profile] = gateway.CooldownEntry{ModelExpiry: expiry}
		}
	}
	return out, nil
}

// SaveCooldowns writes the full cooldown map, preserving the nested
// shape for multi-key entries and the legacy shape only for pure-legacy
// single-global entries, so writers never silently downgrade a nested
// entry back to flat (spec §9).
func (s *FileProfileStore) SaveCooldowns(state map[string]gateway.CooldownEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(cooldownFile, len(state))
	for profile, entry := range state {
		if entry.IsLegacy && len(entry.ModelExpiry) == 1 {
			if ts, ok := entry.ModelExpiry["global"]; ok {
				b, _ := json.Marshal(ts.UTC().Format(time.RFC3339))
				out[profile] = b
				continue
			}
		}
		serializable := make(map[string]string, len(entry.ModelExpiry))
		for model, ts := range entry.ModelExpiry {
			serializable[model] = ts.UTC().Format(time.RFC3339)
		}
		b, err := json.Marshal(serializable)
		if err != nil {
			continue
		}
		out[profile] = b
	}

	if err := os.MkdirAll(filepath.Dir(s.CooldownPath), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.CooldownPath, b, 0o644)
}

// usageFile is profile_abs_path -> accumulated total tokens (spec §6).
type usageFile map[string]int64

func (s *FileProfileStore) loadUsageLocked() usageFile {
	b, err := os.ReadFile(s.UsagePath)
	if err != nil {
		return usageFile{}
	}
	var data usageFile
	if err := json.Unmarshal(b, &data); err != nil {
		return usageFile{}
	}
	return data
}

func (s *FileProfileStore) saveUsageLocked(data usageFile) error {
	if err := os.MkdirAll(filepath.Dir(s.UsagePath), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.UsagePath, b, 0o644)
}

// GetUsage returns accumulated tokens for a profile, falling back to a
// basename match if the exact path has moved between pool directories
// (SPEC_FULL.md supplemented feature #5).
func (s *FileProfileStore) GetUsage(path string) (int64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	s.mu.Lock()
	data := s.loadUsageLocked()
	s.mu.Unlock()

	if v, ok := data[abs]; ok {
		return v, nil
	}
	base := filepath.Base(abs)
	for k, v := range data {
		if filepath.Base(k) == base {
			return v, nil
		}
	}
	return 0, nil
}

// IncUsage adds n tokens to a profile's accumulated usage, migrating any
// existing entry found under a different (moved) path by basename match.
func (s *FileProfileStore) IncUsage(path string, n int64) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.loadUsageLocked()
	target := abs
	if _, ok := data[abs]; !ok {
		base := filepath.Base(abs)
		for k, v := range data {
			if filepath.Base(k) == base {
				delete(data, k)
				data[abs] = v
				break
			}
		}
	}
	data[target] += n
	return s.saveUsageLocked(data)
}
