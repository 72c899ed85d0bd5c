// Package auditlog keeps the bounded, newest-first audit trail of the service
// and notifies registered observers after every mutation.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aegiscdr/internal/kv"
	"aegiscdr/internal/models"
)

const (
	// LogsKey is the substrate key holding the audit log.
	LogsKey = "aegis_sqlite_db_logs"
	// MaxEntries caps the collection; the oldest entries are dropped first.
	MaxEntries = 2000
)

// Store is the audit log. It is safe for concurrent use.
type Store struct {
	kv  kv.Store
	log *zap.Logger
	hub *hub

	mu  sync.Mutex
	now func() time.Time

	fanOut *fanOut
}

func New(store kv.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		kv:  store,
		log: log.Named("auditlog"),
		hub: newHub(),
		now: time.Now,
	}
}

// Append records a new entry at the head of the log and returns it.
func (s *Store) Append(ctx context.Context, module models.LogModule, level models.LogLevel, message string) models.LogEntry {
	entry := models.LogEntry{
		ID:      uuid.NewString(),
		Level:   level,
		Module:  module,
		Message: message,
	}

	s.mu.Lock()
	entry.Timestamp = s.now().Format(models.LogTimestampLayout)
	entries := s.loadLocked(ctx)
	entries = append([]models.LogEntry{entry}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	s.writeLocked(ctx, entries)
	s.mu.Unlock()

	s.notify(Notification{Kind: KindAppend, Entry: &entry})
	return entry
}

// Query returns the entries newest-first.
func (s *Store) Query(ctx context.Context) []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Clear empties the log. It is idempotent.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := s.kv.Set(ctx, LogsKey, []byte("[]"))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Notification{Kind: KindClear})
	return nil
}

// Subscribe registers an observer. Notifications are best effort: a slow
// observer misses updates and should re-read the log with Query.
func (s *Store) Subscribe() (<-chan Notification, func()) {
	return s.hub.subscribe()
}

func (s *Store) notify(n Notification) {
	s.hub.broadcast(n)
	s.mu.Lock()
	f := s.fanOut
	s.mu.Unlock()
	if f != nil {
		f.publish(n)
	}
}

func (s *Store) loadLocked(ctx context.Context) []models.LogEntry {
	raw, err := s.kv.Get(ctx, LogsKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.Error("failed to read audit log", zap.Error(err))
		}
		return []models.LogEntry{}
	}
	var entries []models.LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.log.Error("failed to decode audit log", zap.Error(err))
		return []models.LogEntry{}
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	return entries
}

func (s *Store) writeLocked(ctx context.Context, entries []models.LogEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		s.log.Error("failed to encode audit log", zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, LogsKey, data); err != nil {
		s.log.Error("failed to save audit log", zap.Int("entries", len(entries)), zap.Error(err))
	}
}
