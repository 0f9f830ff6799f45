// Package storage — storage.go
//
// File-backed storage for script definitions.
//
// Layout:
//
//	<scripts_dir>/<script_id>.json
//	    one file per script, containing a JSON-encoded model.Script
//	    (ScriptDefinition + runtime bookkeeping)
//
// Writes are atomic: save writes to "<id>.json.tmp" in the same directory
// and renames it over "<id>.json", so a crash mid-write never leaves a
// truncated file for the next load to choke on.
//
// Consistency model:
//   - Single process owns this directory; concurrent external writers to
//     the same file are not supported.
//   - The in-memory map is the source of truth between reloads; ReloadMerge
//     only pulls in files that are newer than the in-memory record's last
//     command-path touch, so a periodic reload can never clobber a script
//     that was just deployed through AddScript.
//
// Failure modes:
//   - A malformed script file is skipped with a logged error; it does not
//     abort loading the rest of the directory.
//   - Disk full on save: the error is returned to the caller (the command
//     path), the in-memory record is left unchanged.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/suderra/edge-agent/internal/model"
)

// DefaultScriptsDir is the default directory scripts are read from and
// written to.
const DefaultScriptsDir = "/etc/edge-agent/scripts"

// Store is the in-memory script table, backed by one JSON file per script
// under ScriptsDir. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	scriptsDir string
	scripts    map[string]model.Script
	log        *zap.Logger
}

// Open creates the scripts directory if needed and loads every script file
// already present.
func Open(scriptsDir string, log *zap.Logger) (*Store, error) {
	if scriptsDir == "" {
		scriptsDir = DefaultScriptsDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(scriptsDir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create scripts dir %q: %w", scriptsDir, err)
	}

	s := &Store{
		scriptsDir: scriptsDir,
		scripts:    make(map[string]model.Script),
		log:        log,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.scriptsDir, id+".json")
}

// loadAll reads every script file (*.json, *.yaml, *.yml) in the scripts
// directory into memory.
// Called once at startup; ReloadMerge is the periodic equivalent.
func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.scriptsDir)
	if err != nil {
		return fmt.Errorf("storage: read scripts dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !isScriptFile(e.Name()) {
			continue
		}
		full := filepath.Join(s.scriptsDir, e.Name())
		sc, err := loadScriptFile(full)
		if err != nil {
			s.log.Error("skipping unreadable script file", zap.String("file", full), zap.Error(err))
			continue
		}
		s.scripts[sc.Definition.ID] = sc
	}
	return nil
}

// isScriptFile reports whether a directory entry is a script definition
// file (spec.md §4.6 / §6: "*.json"/"*.yaml", one file per script).
func isScriptFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// loadScriptFile parses a script file in either JSON or YAML, detected by
// extension, into a runtime record.
func loadScriptFile(path string) (model.Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Script{}, fmt.Errorf("read %q: %w", path, err)
	}
	var sc model.Script
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return model.Script{}, fmt.Errorf("parse %q: %w", path, err)
		}
		return sc, nil
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return model.Script{}, fmt.Errorf("parse %q: %w", path, err)
	}
	return sc, nil
}

// save atomically writes one script's JSON to disk: write a temp file in
// the same directory, then rename over the final path.
func (s *Store) save(sc model.Script) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal script %q: %w", sc.Definition.ID, err)
	}
	final := s.path(sc.Definition.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename %q -> %q: %w", tmp, final, err)
	}
	return nil
}

// AddScript stores a new or updated script definition, touched now by the
// command path.
func (s *Store) AddScript(def model.ScriptDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sc, existed := s.scripts[def.ID]
	if existed {
		sc.Definition = def
		sc.UpdatedAt = now
		if def.Enabled && sc.Status == model.StatusPaused {
			sc.Status = model.StatusActive
		}
		if !def.Enabled {
			sc.Status = model.StatusPaused
		}
	} else {
		sc = model.NewScript(def)
	}
	sc.TouchedAt = now

	if err := s.save(sc); err != nil {
		return err
	}
	s.scripts[def.ID] = sc
	return nil
}

// Get returns a copy of the named script and whether it exists.
func (s *Store) Get(id string) (model.Script, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	return sc, ok
}

// GetAll returns every script, sorted by id for deterministic listing.
func (s *Store) GetAll() []model.Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.ID < out[j].Definition.ID })
	return out
}

// GetActive returns every script currently in the active status.
func (s *Store) GetActive() []model.Script {
	all := s.GetAll()
	out := all[:0:0]
	for _, sc := range all {
		if sc.Status == model.StatusActive {
			out = append(out, sc)
		}
	}
	return out
}

// Count returns the number of stored scripts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scripts)
}

// Delete removes a script's file and in-memory record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scripts[id]; !ok {
		return fmt.Errorf("storage: script %q not found", id)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %q: %w", id, err)
	}
	delete(s.scripts, id)
	return nil
}

// Enable marks a script active and persists it. Trigger state is left
// alone: storage doesn't own it, and the enable path does not call
// trigger.Manager.ResetScript.
func (s *Store) Enable(id string) error {
	return s.setStatus(id, model.StatusActive, true)
}

// Disable marks a script paused and persists it.
func (s *Store) Disable(id string) error {
	return s.setStatus(id, model.StatusPaused, false)
}

func (s *Store) setStatus(id string, status model.ScriptStatus, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return fmt.Errorf("storage: script %q not found", id)
	}
	sc.Status = status
	sc.Definition.Enabled = enabled
	sc.UpdatedAt = time.Now().UTC()
	sc.TouchedAt = sc.UpdatedAt
	if err := s.save(sc); err != nil {
		return err
	}
	s.scripts[id] = sc
	return nil
}

// UpdateResult records the outcome of an execution against a script's
// runtime bookkeeping: last run time, last result summary, and the
// consecutive-error streak. Crossing model.ErrorThreshold moves the script
// to StatusError, sticky-disabling it until an operator re-enables it.
func (s *Store) UpdateResult(id string, result model.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return fmt.Errorf("storage: script %q not found", id)
	}

	now := time.Now().UTC()
	sc.LastRun = &now
	sc.UpdatedAt = now

	if result.Success {
		sc.ErrorCount = 0
		sc.LastResult = fmt.Sprintf("ok: %d/%d actions", result.ActionsExecuted-result.ActionsFailed, result.ActionsExecuted)
		if sc.Status != model.StatusPaused {
			sc.Status = model.StatusActive
		}
	} else {
		sc.ErrorCount++
		sc.LastResult = fmt.Sprintf("failed: %d/%d actions ok", result.ActionsExecuted-result.ActionsFailed, result.ActionsExecuted)
		if sc.ErrorCount >= model.ErrorThreshold {
			sc.Status = model.StatusError
		}
	}

	if err := s.save(sc); err != nil {
		return err
	}
	s.scripts[id] = sc
	return nil
}

// ReloadMerge re-scans the scripts directory and merges in files that are
// newer than the in-memory record's TouchedAt, without ever overwriting an
// in-memory record the command path touched more recently than the file's
// mtime. This resolves the periodic-reload-vs-command-deploy race: a
// command-path AddScript always wins over a stale on-disk copy until the
// next write actually lands.
func (s *Store) ReloadMerge() (added, updated int, err error) {
	entries, readErr := os.ReadDir(s.scriptsDir)
	if readErr != nil {
		return 0, 0, fmt.Errorf("storage: reload read dir: %w", readErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !isScriptFile(e.Name()) {
			continue
		}
		full := filepath.Join(s.scriptsDir, e.Name())
		info, statErr := e.Info()
		if statErr != nil {
			continue
		}

		id := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".json"), ".yaml"), ".yml")
		existing, have := s.scripts[id]

		if have && !info.ModTime().After(existing.TouchedAt) {
			continue
		}

		sc, loadErr := loadScriptFile(full)
		if loadErr != nil {
			s.log.Error("reload: skipping unreadable script file", zap.String("file", full), zap.Error(loadErr))
			continue
		}
		sc.TouchedAt = info.ModTime()

		if have {
			updated++
		} else {
			added++
		}
		s.scripts[id] = sc
	}
	return added, updated, nil
}
