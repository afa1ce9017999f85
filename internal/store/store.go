package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/crashlane-client/internal/round"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrNotFound = errors.New("not found")
var ErrUnknownDriver = errors.New("unknown store driver")

// SessionToken is the last token used for an instance, kept so a restarted
// client can resume without a new bootstrap.
type SessionToken struct {
	InstanceID string `gorm:"primaryKey;size:64"`
	Token      string `gorm:"size:512;not null"`
	UpdatedAt  time.Time
}

// RoundResult is one settled round as the player saw it.
type RoundResult struct {
	ID         uint   `gorm:"primaryKey"`
	InstanceID string `gorm:"size:64;not null;uniqueIndex:idx_round_results_instance_round"`
	RoundID    string `gorm:"size:64;not null;uniqueIndex:idx_round_results_instance_round"`
	Result     string `gorm:"size:256"`
	Stake      float64
	Payout     float64
	BetCount   int
	CreatedAt  time.Time
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects and migrates. sqlite is limited to one connection so an
// in-memory database is shared by every query.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&SessionToken{}, &RoundResult{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("store ready", zap.String("driver", driver))
	return &Store{db: db, log: log}, nil
}

func (s *Store) SaveToken(ctx context.Context, instanceID, token string) error {
	row := SessionToken{InstanceID: instanceID, Token: token}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) LoadToken(ctx context.Context, instanceID string) (string, error) {
	var row SessionToken
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return row.Token, nil
}

// SaveRound records a history entry. Recording the same round twice keeps
// the first row.
func (s *Store) SaveRound(ctx context.Context, instanceID string, e round.HistoryEntry) error {
	var stake float64
	for _, b := range e.Bets {
		stake += b.Amount
	}
	row := RoundResult{
		InstanceID: instanceID,
		RoundID:    e.RoundID,
		Result:     string(e.Result),
		Stake:      stake,
		Payout:     e.Payout,
		BetCount:   len(e.Bets),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save round %s: %w", e.RoundID, err)
	}
	return nil
}

// RecentRounds returns up to limit rounds, oldest first.
func (s *Store) RecentRounds(ctx context.Context, instanceID string, limit int) ([]RoundResult, error) {
	var rows []RoundResult
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	slices.Reverse(rows)
	return rows, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
