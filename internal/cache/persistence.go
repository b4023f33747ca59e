package cache

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// snapshotSchemaVersion is bumped whenever the on-disk layout changes in a
// way that is not purely additive. Unknown future fields are ignored on
// load by virtue of gob's tolerant field matching.
const snapshotSchemaVersion = 1

// snapshotFile is the on-disk shape of a full process snapshot: every
// TenantState field enumerated in the data model, keyed by tenant ID. The
// vector index itself is never serialized; it is rebuilt from Rows on load.
type snapshotFile struct {
	SchemaVersion int
	SavedAt       time.Time
	Tenants       map[string]*domain.TenantState
}

// Persistence loads a snapshot on startup and saves it atomically (write
// temp file + rename) on a coalescing signal, on graceful shutdown, or on
// explicit operator command (§4.10).
type Persistence struct {
	path   string
	logger *slog.Logger

	saveSignal chan struct{}
	stop       chan struct{}
	done       chan struct{}
}

// NewPersistence builds a Persistence component writing snapshots to path.
func NewPersistence(path string, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{
		path:       path,
		logger:     logger,
		saveSignal: make(chan struct{}, 1), // coalescing: one pending save at a time
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SignalSnapshot requests a background save. Non-blocking: if a save is
// already pending, this is a no-op (coalesced), matching the trigger rule
// of §4.10(a).
func (p *Persistence) SignalSnapshot() {
	select {
	case p.saveSignal <- struct{}{}:
	default:
	}
}

// Run processes coalesced snapshot signals until Stop is called. It is
// meant to run in its own goroutine, off the request path (§5).
func (p *Persistence) Run(engine *Engine) {
	defer close(p.done)
	for {
		select {
		case <-p.saveSignal:
			if err := p.Save(engine); err != nil {
				p.logger.Warn("periodic snapshot save failed", "error", err)
			}
		case <-p.stop:
			return
		}
	}
}

// Stop halts Run and waits for it to exit.
func (p *Persistence) Stop() {
	close(p.stop)
	<-p.done
}

// Save takes a consistent, copy-on-read view of every tenant (holding each
// tenant's read lock only for the duration of the copy, per §5) and writes
// it atomically: to a temp file in the same directory, then renamed over
// the final path.
func (p *Persistence) Save(engine *Engine) error {
	snap := snapshotFile{
		SchemaVersion: snapshotSchemaVersion,
		SavedAt:       now(),
		Tenants:       make(map[string]*domain.TenantState),
	}

	for id, t := range engine.AllTenants() {
		t.State.Mu.RLock()
		snap.Tenants[id] = copyTenantState(t.State)
		t.State.Mu.RUnlock()
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return &domain.StorageError{Cause: fmt.Errorf("create temp snapshot: %w", err)}
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &domain.StorageError{Cause: fmt.Errorf("encode snapshot: %w", err)}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &domain.StorageError{Cause: fmt.Errorf("flush snapshot: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &domain.StorageError{Cause: fmt.Errorf("sync snapshot: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &domain.StorageError{Cause: fmt.Errorf("close snapshot: %w", err)}
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return &domain.StorageError{Cause: fmt.Errorf("rename snapshot: %w", err)}
	}

	p.logger.Info("snapshot saved", "tenants", len(snap.Tenants), "path", p.path)
	return nil
}

// Load reads the snapshot from disk and installs every tenant into engine,
// rebuilding each vector index from Rows in insertion order. A missing file
// is not an error: the engine simply starts empty. A malformed file is
// logged and also treated as starting empty, never a fatal startup error.
func (p *Persistence) Load(engine *Engine) error {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("no snapshot found, starting empty", "path", p.path)
			return nil
		}
		return &domain.StorageError{Cause: fmt.Errorf("open snapshot: %w", err)}
	}
	defer f.Close()

	var snap snapshotFile
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		p.logger.Warn("malformed snapshot, starting empty", "path", p.path, "error", err)
		return nil
	}

	for _, state := range snap.Tenants {
		engine.RestoreTenant(state)
	}
	p.logger.Info("snapshot loaded", "tenants", len(snap.Tenants))
	return nil
}

// copyTenantState deep-copies the fields that matter for a snapshot,
// avoiding any shared backing array with the live, still-mutable state.
func copyTenantState(s *domain.TenantState) *domain.TenantState {
	out := &domain.TenantState{
		TenantID:         s.TenantID,
		Dim:              s.Dim,
		Hits:             s.Hits,
		Misses:           s.Misses,
		SemanticHits:     s.SemanticHits,
		SimThreshold:     s.SimThreshold,
		Exact:            make(map[string]*domain.CacheEntry, len(s.Exact)),
		DomainThresholds: make(map[string]float64, len(s.DomainThresholds)),
	}

	rows := make([]*domain.CacheEntry, len(s.Rows))
	rowByPtr := make(map[*domain.CacheEntry]*domain.CacheEntry, len(s.Rows))
	for i, r := range s.Rows {
		cp := *r
		cp.Embedding = append([]float32(nil), r.Embedding...)
		rows[i] = &cp
		rowByPtr[r] = &cp
	}
	out.Rows = rows

	for k, v := range s.Exact {
		if cp, ok := rowByPtr[v]; ok {
			out.Exact[k] = cp
		}
	}
	for k, v := range s.DomainThresholds {
		out.DomainThresholds[k] = v
	}

	out.LatenciesMs = append([]float64(nil), s.LatenciesMs...)
	out.Events = append([]domain.CacheEvent(nil), s.Events...)

	return out
}
