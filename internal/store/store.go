// Package store keeps a SQLite history of keeper runs.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Run struct {
	ID          uint   `gorm:"primaryKey"`
	Identity    string `gorm:"index"`
	ChainID     int64
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string `gorm:"index"` // running | ok | failed | canceled
	FinalPhase  string
	RoundsDone  int
	Error       string
	HoldingAddr string
}

type PhaseRecord struct {
	ID        uint `gorm:"primaryKey"`
	RunID     uint `gorm:"index"`
	FromPhase string
	ToPhase   string
	ElapsedMs int64
	Error     string
	CreatedAt time.Time
}

type RoundRecord struct {
	ID           uint `gorm:"primaryKey"`
	RunID        uint `gorm:"index"`
	Round        int
	StartedAt    time.Time
	ElapsedMs    int64
	FillErr      string
	LiquidateErr string
	ResolveErr   string
	SyncErr      string
}

const (
	StatusRunning  = "running"
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

type Store struct {
	db *gorm.DB
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&Run{}, &PhaseRecord{}, &RoundRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun inserts a running row and returns its id.
func (s *Store) StartRun(identity string, chainID int64, startedAt time.Time) (uint, error) {
	run := Run{Identity: identity, ChainID: chainID, StartedAt: startedAt, Status: StatusRunning}
	if err := s.db.Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(runID uint, status, finalPhase string, rounds int, holding string, runErr error, at time.Time) error {
	updates := map[string]any{
		"status":       status,
		"final_phase":  finalPhase,
		"rounds_done":  rounds,
		"holding_addr": holding,
		"finished_at":  at,
		"error":        "",
	}
	if runErr != nil {
		updates["error"] = runErr.Error()
	}
	res := s.db.Model(&Run{}).Where("id = ?", runID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: run %d: %w", runID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) RecordPhase(rec *PhaseRecord) error {
	return s.db.Create(rec).Error
}

func (s *Store) RecordRound(rec *RoundRecord) error {
	return s.db.Create(rec).Error
}

// GetRun returns nil when the run does not exist.
func (s *Store) GetRun(runID uint) (*Run, error) {
	var run Run
	err := s.db.First(&run, runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LastRun returns the most recent run for identity, or nil.
func (s *Store) LastRun(identity string) (*Run, error) {
	var run Run
	err := s.db.Where("identity = ?", identity).Order("id desc").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) Phases(runID uint) ([]PhaseRecord, error) {
	var out []PhaseRecord
	err := s.db.Where("run_id = ?", runID).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) Rounds(runID uint) ([]RoundRecord, error) {
	var out []RoundRecord
	err := s.db.Where("run_id = ?", runID).Order("round").Find(&out).Error
	return out, err
}
