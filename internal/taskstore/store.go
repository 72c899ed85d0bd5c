// Package taskstore persists the task history through a kv.Store so it
// survives restarts. The collection is a single JSON document kept newest-first
// and capped, and content snapshots are shed whenever they threaten the
// substrate's quota.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"aegiscdr/internal/kv"
	"aegiscdr/internal/models"
)

const (
	// HistoryKey is the substrate key holding the task history.
	HistoryKey = "aegis_file_history"
	// MaxRecords caps the persisted history.
	MaxRecords = 50
	// MaxPersistedContent is the largest content snapshot written to the substrate.
	MaxPersistedContent = 500_000
)

// Store is the persistent task history.
type Store struct {
	kv  kv.Store
	log *zap.Logger

	// mu serialises read-modify-write cycles on the shared history document.
	mu sync.Mutex
}

func New(store kv.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: store, log: log.Named("taskstore")}
}

// Load returns the persisted history newest-first. An empty or unreadable
// medium yields an empty slice.
func (s *Store) Load(ctx context.Context) []*models.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Get returns the persisted record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.TaskRecord, bool) {
	for _, rec := range s.Load(ctx) {
		if rec.ID == id {
			return rec, true
		}
	}
	return nil, false
}

// Save upserts rec by id: existing entries keep their position, new ones are
// prepended. The history is truncated to MaxRecords before writing.
func (s *Store) Save(ctx context.Context, rec *models.TaskRecord) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(ctx, s.loadLocked(ctx), rec.Clone())
}

// Update applies mutate to the latest persisted snapshot of id and writes it
// back. When the id is no longer persisted (evicted by the cap or cleared)
// mutate is applied to fallback instead. The written record is returned.
func (s *Store) Update(ctx context.Context, id string, fallback *models.TaskRecord, mutate func(*models.TaskRecord)) *models.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.loadLocked(ctx)
	var rec *models.TaskRecord
	for _, existing := range history {
		if existing.ID == id {
			rec = existing.Clone()
			break
		}
	}
	if rec == nil {
		if fallback == nil {
			return nil
		}
		rec = fallback.Clone()
		rec.ID = id
	}
	mutate(rec)
	s.saveLocked(ctx, history, rec.Clone())
	return rec
}

// Clear removes the whole history. Calling it on an empty store is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Remove(ctx, HistoryKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Store) loadLocked(ctx context.Context) []*models.TaskRecord {
	raw, err := s.kv.Get(ctx, HistoryKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.Error("failed to read file history", zap.Error(err))
		}
		return []*models.TaskRecord{}
	}
	var history []*models.TaskRecord
	if err := json.Unmarshal(raw, &history); err != nil {
		s.log.Error("failed to decode file history", zap.Error(err))
		return []*models.TaskRecord{}
	}
	out := history[:0]
	for _, rec := range history {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) saveLocked(ctx context.Context, history []*models.TaskRecord, rec *models.TaskRecord) {
	if len(rec.Content) > MaxPersistedContent {
		rec.Content = nil
	}

	idx := -1
	for i, existing := range history {
		if existing.ID == rec.ID {
			idx = i
			break
		}
	}
	var next []*models.TaskRecord
	if idx >= 0 {
		next = append([]*models.TaskRecord(nil), history...)
		next[idx] = rec
	} else {
		next = append([]*models.TaskRecord{rec}, history...)
	}
	if len(next) > MaxRecords {
		next = next[:MaxRecords]
	}

	err := s.write(ctx, next)
	if err == nil {
		return
	}
	s.log.Warn("storage quota exceeded, saving task without content data",
		zap.String("task_id", rec.ID), zap.Error(err))

	rec.Content = nil
	if err := s.write(ctx, next); err != nil {
		s.log.Error("critical storage failure, task update dropped",
			zap.String("task_id", rec.ID), zap.Error(err))
	}
}

func (s *Store) write(ctx context.Context, history []*models.TaskRecord) error {
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, HistoryKey, data)
}
