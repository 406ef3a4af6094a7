package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"hubdeck/cli/internal/convstate"
)

// Store persists stream traffic and applied transitions to a local SQLite
// database, one file per hub profile.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&EventRecord{}, &TransitionRecord{}); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &Store{db: gdb}, nil
}

func (s *Store) AppendEvent(event convstate.ExecutionEvent) error {
	if s == nil || s.db == nil {
		return errors.New("journal store is not initialized")
	}
	payload := ""
	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err == nil {
			payload = string(raw)
		}
	}
	row := EventRecord{
		EventID:        event.EventID,
		ExecutionID:    event.ExecutionID,
		ConversationID: event.ConversationID,
		TraceID:        event.TraceID,
		Sequence:       event.Sequence,
		QueueIndex:     event.QueueIndex,
		EventType:      event.Type,
		Timestamp:      event.Timestamp,
		PayloadJSON:    payload,
		RecordedAt:     time.Now().UTC().Unix(),
	}
	return s.db.Create(&row).Error
}

func (s *Store) AppendTransition(conversationID string, event convstate.ExecutionEvent, result convstate.ApplyResult) error {
	if s == nil || s.db == nil {
		return errors.New("journal store is not initialized")
	}
	row := TransitionRecord{
		ConversationID: conversationID,
		ExecutionID:    event.ExecutionID,
		EventID:        event.EventID,
		EventType:      event.Type,
		PreviousState:  result.PreviousState,
		NextState:      result.NextState,
		RecordedAt:     time.Now().UTC().Unix(),
	}
	return s.db.Create(&row).Error
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(conversationID string, limit int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal store is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Order("id DESC").Limit(limit)
	if conversationID != "" {
		query = query.Where("conversation_id = ?", conversationID)
	}
	rows := make([]EventRecord, 0, limit)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TransitionCounts tallies recorded transitions by their resulting state.
func (s *Store) TransitionCounts(conversationID string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal store is not initialized")
	}
	type bucket struct {
		NextState string
		Total     int64
	}
	query := s.db.Model(&TransitionRecord{}).Select("next_state, COUNT(*) AS total").Group("next_state")
	if conversationID != "" {
		query = query.Where("conversation_id = ?", conversationID)
	}
	var buckets []bucket
	if err := query.Find(&buckets).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		counts[b.NextState] = b.Total
	}
	return counts, nil
}

func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return errors.New("journal store is not initialized")
	}
	if err := s.db.Where("1 = 1").Delete(&EventRecord{}).Error; err != nil {
		return err
	}
	return s.db.Where("1 = 1").Delete(&TransitionRecord{}).Error
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Recorder adapts the store to the coordinator's journal hook. Write
// failures are logged, never propagated; journaling must not stall the
// event path.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) RecordEvent(event convstate.ExecutionEvent) {
	if err := r.store.AppendEvent(event); err != nil {
		r.logger.Warn("journal event write failed", "event_id", event.EventID, "err", err)
	}
}

func (r *Recorder) RecordTransition(conversationID string, event convstate.ExecutionEvent, result convstate.ApplyResult) {
	if err := r.store.AppendTransition(conversationID, event, result); err != nil {
		r.logger.Warn("journal transition write failed", "event_id", event.EventID, "err", err)
	}
}
