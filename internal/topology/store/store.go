// Package store persists the topology document as a single JSON file.
//
// Writes are whole-document replaces: the new document is written to a temp
// file in the same directory, fsynced and renamed over the live file. The
// previous live file is kept as <path>.bak and used to roll back when the
// live document no longer parses or validates.
//
// The store does no locking. Callers must ensure a single writer.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("topology not found")
	ErrCorrupt  = errors.New("topology corrupt and no usable backup")
)

const backupSuffix = ".bak"

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string       { return s.path }
func (s *FileStore) BackupPath() string { return s.path + backupSuffix }

// Load reads the live document, rolling back to the backup when the live
// copy is unreadable.
func (s *FileStore) Load() (*model.Topology, error) {
	topo, err := readDocument(s.path)
	if err == nil {
		return topo, nil
	}
	liveMissing := errors.Is(err, fs.ErrNotExist)

	raw, berr := os.ReadFile(s.BackupPath())
	var backup *model.Topology
	if berr == nil {
		backup, berr = decode(raw)
	}
	if berr != nil {
		if liveMissing && errors.Is(berr, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).AnErr("backup_err", berr).Str("path", s.path).Msg("topology unreadable and backup unusable")
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	log.Warn().Err(err).Str("path", s.path).Msg("topology unreadable, rolling back to last-known-good")
	if werr := writeAtomic(s.path, raw); werr != nil {
		return nil, fmt.Errorf("failed to restore topology from backup: %w", werr)
	}
	return backup, nil
}

// Replace validates topo and atomically swaps it in as the live document.
func (s *FileStore) Replace(topo *model.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	if topo.Version == 0 {
		topo.Version = model.DocumentVersion
	}
	data, err := encode(topo)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create topology dir: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		if _, perr := decode(prev); perr == nil {
			if err := writeAtomic(s.BackupPath(), prev); err != nil {
				return fmt.Errorf("failed to write topology backup: %w", err)
			}
		} else {
			log.Warn().Err(perr).Msg("live topology invalid, keeping previous backup")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read live topology: %w", err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write topology: %w", err)
	}
	log.Debug().Str("path", s.path).Int("services", len(topo.Services)).Msg("topology replaced")
	return nil
}

// Update loads the document, applies fn and replaces it.
func (s *FileStore) Update(fn func(*model.Topology) error) error {
	topo, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(topo); err != nil {
		return err
	}
	return s.Replace(topo)
}

// RecordDeploy writes the terminal deploy status of hostname.
func (s *FileStore) RecordDeploy(hostname string, status model.DeployStatus) error {
	return s.Update(func(t *model.Topology) error {
		svc := t.Service(hostname)
		if svc == nil {
			return fmt.Errorf("service %s: %w", hostname, ErrNotFound)
		}
		st := status
		svc.Deploy = &st
		return nil
	})
}

// RecordHealth writes the last diagnosis of hostname.
func (s *FileStore) RecordHealth(hostname string, health model.HealthStatus) error {
	return s.Update(func(t *model.Topology) error {
		svc := t.Service(hostname)
		if svc == nil {
			return fmt.Errorf("service %s: %w", hostname, ErrNotFound)
		}
		h := health
		svc.Health = &h
		return nil
	})
}

func readDocument(path string) (*model.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*model.Topology, error) {
	var topo model.Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if topo.Pairs == nil {
		topo.Pairs = make(map[string]model.DeploymentPair)
	}
	if topo.Issues == nil {
		topo.Issues = []model.Issue{}
	}
	return &topo, nil
}

func encode(topo *model.Topology) ([]byte, error) {
	data, err := json.MarshalIndent(topo, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode topology: %w", err)
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
