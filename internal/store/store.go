package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"alarmsync/internal/models"
)

var (
	// ErrUnavailable is returned by every operation on a Store that was
	// never opened or has been closed.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("record not found")
)

// Store is the process-wide handle to the account/event/settings tables.
// It is created once at startup and injected into every component.
type Store struct {
	mu     sync.RWMutex
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database and migrates the schema.
func Open(log *slog.Logger, driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(log, db)
}

// New wraps an already-open gorm handle and migrates the schema.
func New(log *slog.Logger, db *gorm.DB) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log}, nil
}

// legacyAccountIndex keyed accounts on (user, email) before one address
// could be linked once per provider.
const legacyAccountIndex = "idx_accounts_user_email"

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.Event{},
		&models.AlarmSettings{},
	); err != nil {
		return err
	}
	if m := db.Migrator(); m.HasIndex(&models.Account{}, legacyAccountIndex) {
		return m.DropIndex(&models.Account{}, legacyAccountIndex)
	}
	return nil
}

// Close releases the connection pool. Later calls fail with ErrUnavailable.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Available reports whether the store can serve requests.
func (s *Store) Available() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil {
		return nil, ErrUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrUnavailable
	}
	return s.db.WithContext(ctx), nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
