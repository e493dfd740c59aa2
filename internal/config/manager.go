// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/mredag/eformLockerRoom-sub016/internal/log"
)

const backupKeep = 5

// Manager owns the in-memory configuration document. It is created once per
// process at the composition root and passed down explicitly; there is no
// global instance.
type Manager struct {
	mu      sync.RWMutex
	path    string
	doc     Document
	version int64

	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	reloadMu        sync.RWMutex
	reloadListeners []chan<- Document

	// OnUpdateError is invoked when a mutation is rolled back after failing
	// validation. Wired to the event log by the composition root.
	OnUpdateError func(reason string)
}

// NewManager loads the document from path and returns a ready manager.
// A missing file yields an empty valid document so first-boot provisioning
// can populate it.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: log.WithComponent("config"),
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		Normalize(&doc)
		if err := Validate(&doc); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		m.doc = doc
	case os.IsNotExist(err):
		m.logger.Warn().Str("event", "config.missing").Str("path", path).
			Msg("configuration file missing, starting empty")
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	m.version = 1
	return m, nil
}

// Current returns a deep copy of the document. Callers may inspect it
// freely; mutations go through Update.
func (m *Manager) Current() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Clone()
}

// Version returns the monotonically increasing config version.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Hash returns the config hash kiosks use to detect drift: a SHA-256 over
// the canonical JSON plus the version counter.
func (m *Manager) Hash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hashDoc(m.doc, m.version)
}

func hashDoc(doc Document, version int64) string {
	raw, _ := json.Marshal(doc)
	h := sha256.New()
	h.Write(raw)
	_, _ = fmt.Fprintf(h, ":%d", version)
	return hex.EncodeToString(h.Sum(nil))
}

// Update applies fn to a copy of the document, normalizes and auto-extends
// zones, rebalances coverage, validates, and persists atomically. On any
// failure the current document is preserved and the error returned.
func (m *Manager) Update(fn func(*Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.doc.Clone()
	if err := fn(&next); err != nil {
		return err
	}

	Normalize(&next)
	extended := AutoExtend(&next)
	Rebalance(&next)

	if err := Validate(&next); err != nil {
		m.logger.Error().Err(err).Str("event", "config.update_rejected").
			Msg("configuration update rolled back")
		if m.OnUpdateError != nil {
			m.OnUpdateError(err.Error())
		}
		return err
	}

	if err := m.persist(next); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	m.doc = next
	m.version++

	m.logger.Info().Str("event", "config.updated").
		Int64("version", m.version).
		Bool("zones_extended", extended).
		Msg("configuration committed")

	m.notifyListeners(next.Clone())
	return nil
}

// persist rotates backups then writes the new document with an atomic
// rename so readers never observe a torn file.
func (m *Manager) persist(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	m.rotateBackups()

	return renameio.WriteFile(m.path, raw, 0o644)
}

// rotateBackups shifts system.json.bak.N up the chain, keeping backupKeep
// generations, and snapshots the current file as .bak.1.
func (m *Manager) rotateBackups() {
	if _, err := os.Stat(m.path); err != nil {
		return
	}
	for i := backupKeep - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.bak.%d", m.path, i)
		dst := fmt.Sprintf("%s.bak.%d", m.path, i+1)
		_ = os.Rename(src, dst)
	}
	if raw, err := os.ReadFile(m.path); err == nil {
		_ = renameio.WriteFile(m.path+".bak.1", raw, 0o644)
	}
}

// Reload re-reads the document from disk, used when the file is edited out
// of band. Invalid content keeps the current document.
func (m *Manager) Reload(_ context.Context) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	Normalize(&doc)
	AutoExtend(&doc)
	Rebalance(&doc)
	if err := Validate(&doc); err != nil {
		m.logger.Error().Err(err).Str("event", "config.reload_rejected").
			Msg("on-disk configuration invalid, keeping current")
		return err
	}

	m.mu.Lock()
	m.doc = doc
	m.version++
	m.mu.Unlock()

	m.logger.Info().Str("event", "config.reloaded").Msg("configuration reloaded from disk")
	m.notifyListeners(doc.Clone())
	return nil
}

// StartWatcher watches the config file and reloads on external changes.
// Rapid write bursts are debounced.
func (m *Manager) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors and renameio replace the file node.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	m.logger.Info().Str("event", "config.watcher_started").Str("path", m.path).
		Msg("watching config file for changes")
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(ctx); err != nil {
						m.logger.Error().Err(err).Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// RegisterListener registers a channel to receive the new document after
// every committed update or reload. Delivery is non-blocking.
func (m *Manager) RegisterListener(ch chan<- Document) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.reloadListeners = append(m.reloadListeners, ch)
}

func (m *Manager) notifyListeners(doc Document) {
	m.reloadMu.RLock()
	defer m.reloadMu.RUnlock()
	for _, ch := range m.reloadListeners {
		select {
		case ch <- doc:
		default:
			m.logger.Warn().Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	out.Hardware.RelayCards = append([]RelayCard(nil), d.Hardware.RelayCards...)
	out.Zones = make([]Zone, len(d.Zones))
	for i, z := range d.Zones {
		zc := z
		zc.Ranges = append([]Range(nil), z.Ranges...)
		zc.RelayCards = append([]int(nil), z.RelayCards...)
		out.Zones[i] = zc
	}
	out.Lockers = make([]LockerOverride, len(d.Lockers))
	for i, l := range d.Lockers {
		lc := l
		if l.Enabled != nil {
			v := *l.Enabled
			lc.Enabled = &v
		}
		out.Lockers[i] = lc
	}
	return out
}
