// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOptions point the loader at the legacy store locations it can
// migrate from.
type LoadOptions struct {
	// LegacyFlatPath is the old flat `key -> string` JSON map.
	LegacyFlatPath string
	// LegacyDir is the oldest one-file-per-key directory.
	LegacyDir string
}

// Load reads the persisted store, migrating from either legacy format when
// the current file is missing. A corrupt current-format file is fatal.
func (s *Store) Load(opts LoadOptions) error {
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var data map[string]Entry
		if err := json.Unmarshal(b, &data); err != nil {
			return fmt.Errorf("corrupt kv store file %s: %w", s.path, err)
		}
		s.mu.Lock()
		s.data = data
		err = s.persistLocked() // sweep expired entries eagerly
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.log.Info().Int("keys", s.Count()).Str("event", "kvstore.load").Msg("loaded key-value pairs")
		return nil

	case !os.IsNotExist(err):
		return fmt.Errorf("read kv store file %s: %w", s.path, err)
	}

	if opts.LegacyFlatPath != "" {
		if _, statErr := os.Stat(opts.LegacyFlatPath); statErr == nil {
			return s.migrateFromFlat(opts.LegacyFlatPath)
		}
	}
	if opts.LegacyDir != "" {
		if _, statErr := os.Stat(opts.LegacyDir); statErr == nil {
			return s.migrateFromDir(opts.LegacyDir)
		}
	}

	s.log.Info().Str("event", "kvstore.load").Msg("no key-value pairs found in storage")
	return nil
}

// migrateFromFlat rewrites the old flat `key -> string` map into the
// current format and renames the legacy file out of the way.
func (s *Store) migrateFromFlat(flatPath string) error {
	s.log.Info().Str("path", flatPath).Str("event", "kvstore.migrate").Msg("migrating key-value pairs from flat store")

	b, err := os.ReadFile(flatPath)
	if err != nil {
		return fmt.Errorf("read legacy flat store %s: %w", flatPath, err)
	}
	var flat map[string]string
	if err := json.Unmarshal(b, &flat); err != nil {
		return fmt.Errorf("corrupt legacy flat store %s: %w", flatPath, err)
	}

	s.mu.Lock()
	for key, value := range flat {
		s.data[sanitizeKey(key)] = Entry{Value: value, Created: s.now()}
	}
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.Rename(flatPath, flatPath+".old"); err != nil {
		return fmt.Errorf("rename legacy flat store: %w", err)
	}
	s.log.Info().Int("keys", len(flat)).Str("event", "kvstore.migrate").Msg("migrated key-value pairs")
	return nil
}

// migrateFromDir imports the one-file-per-key directory, removing each
// source file as it is absorbed.
func (s *Store) migrateFromDir(dir string) error {
	s.log.Info().Str("path", dir).Str("event", "kvstore.migrate").Msg("migrating key-value pairs from file-based store")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read legacy kv dir %s: %w", dir, err)
	}

	migrated := 0
	for _, de := range entries {
		if de.IsDir() || strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		full := filepath.Join(dir, de.Name())
		value, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read legacy kv file %s: %w", full, err)
		}
		if err := s.Set(de.Name(), string(value)); err != nil {
			return err
		}
		if err := os.Remove(full); err != nil {
			return fmt.Errorf("remove legacy kv file %s: %w", full, err)
		}
		migrated++
	}

	if migrated > 0 {
		s.log.Info().Int("keys", migrated).Str("event", "kvstore.migrate").Msg("migrated key-value pairs")
	} else {
		s.log.Info().Str("event", "kvstore.migrate").Msg("no key-value pairs found to migrate")
	}
	return nil
}
