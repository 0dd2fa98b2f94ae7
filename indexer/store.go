// Package indexer persists committed protocol events into a relational
// database so that off-chain tooling can query market, reserve and auction
// history without replaying state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"isolend/core/events"
	"isolend/core/types"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names.
var ErrUnsupportedDriver = errors.New("indexer: unsupported driver")

// EventRow is one committed event.
type EventRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	Module     string    `gorm:"index"`
	Pool       string    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	RecordedAt time.Time `gorm:"not null"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (EventRow) TableName() string { return "protocol_events" }

// Decode returns the row's attributes.
func (r EventRow) Decode() (map[string]string, error) {
	attrs := make(map[string]string)
	if r.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("indexer: decode %s: %w", r.ID, err)
	}
	return attrs, nil
}

// AutoMigrate creates or updates the indexer schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRow{})
}

// Store writes events to the database. It implements events.Emitter, so it
// can be attached to the state manager directly or through events.Multi.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	lastErr error
}

var _ events.Emitter = (*Store)(nil)

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	var last EventRow
	res := db.Order("sequence desc").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		s.seq = last.Sequence
	}
	return s, nil
}

func (s *Store) SetLogger(logger *slog.Logger) {
	if s == nil || logger == nil {
		return
	}
	s.logger = logger
}

// Emit records evt. Failures are logged and kept for Err, since emitters
// cannot fail the transaction that produced the event.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if err := s.Record(evt); err != nil {
		s.logger.Error("indexer: record event", "type", evt.EventType(), "error", err)
	}
}

// Record stores evt and returns any database error.
func (s *Store) Record(evt events.Event) error {
	attrs := map[string]string{}
	if raw, ok := evt.(*types.Event); ok && raw != nil && raw.Attributes != nil {
		attrs = raw.Attributes
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	eventType := evt.EventType()
	module := eventType
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		module = eventType[:i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row := EventRow{
		ID:         uuid.New(),
		Sequence:   s.seq + 1,
		Type:       eventType,
		Module:     module,
		Pool:       attrs["pool"],
		Attributes: string(payload),
		RecordedAt: s.now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.lastErr = err
		return err
	}
	s.seq = row.Sequence
	return nil
}

// Err returns the last error Emit swallowed.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type   string
	Module string
	Pool   string
	Limit  int
}

// List returns matching rows in commit order.
func (s *Store) List(filter Filter) ([]EventRow, error) {
	query := s.db.Model(&EventRow{}).Order("sequence asc")
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Module != "" {
		query = query.Where("module = ?", filter.Module)
	}
	if filter.Pool != "" {
		query = query.Where("pool = ?", filter.Pool)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []EventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns how many events of each type were recorded.
func (s *Store) Count() (map[string]int64, error) {
	var out []struct {
		Type  string
		Total int64
	}
	if err := s.db.Model(&EventRow{}).Select("type, count(*) as total").Group("type").Scan(&out).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(out))
	for _, row := range out {
		counts[row.Type] = row.Total
	}
	return counts, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
