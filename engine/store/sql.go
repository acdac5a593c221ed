package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/WessleyAI/wessley-collision/engine/domain"
)

// estimateRow is the relational shape of an estimate. Queryable fields are
// columns; the full estimate travels in Body as JSON.
type estimateRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	EventID    string `gorm:"index;size:64"`
	SessionID  string `gorm:"index;size:128"`
	ModelID    string `gorm:"size:128"`
	Status     string `gorm:"index;size:16"`
	Currency   string `gorm:"size:3"`
	GrandTotal int64
	CreatedAt  time.Time `gorm:"index"`
	ValidUntil time.Time
	Body       []byte
}

func (estimateRow) TableName() string { return "repair_estimates" }

func toRow(e domain.RepairEstimate) (estimateRow, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return estimateRow{}, fmt.Errorf("encode estimate %s: %w", e.ID, err)
	}
	return estimateRow{
		ID:         e.ID,
		EventID:    e.EventID,
		SessionID:  e.SessionID,
		ModelID:    e.Vehicle.ModelID,
		Status:     string(e.Status),
		Currency:   e.Currency,
		GrandTotal: int64(e.GrandTotal),
		CreatedAt:  e.CreatedAt,
		ValidUntil: e.ValidUntil,
		Body:       body,
	}, nil
}

func fromRow(r estimateRow) (domain.RepairEstimate, error) {
	var e domain.RepairEstimate
	if err := json.Unmarshal(r.Body, &e); err != nil {
		return e, fmt.Errorf("decode estimate %s: %w", r.ID, err)
	}
	e.Status = domain.EstimateStatus(r.Status)
	return e, nil
}

// SQL stores estimates through gorm on Postgres or SQLite.
type SQL struct {
	db *gorm.DB
}

// OpenSQL connects with driver "postgres" or "sqlite" and migrates the schema.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return NewSQL(db)
}

// NewSQL wraps an existing connection and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&estimateRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Create(ctx context.Context, e domain.RepairEstimate) (string, error) {
	if err := checkCreate(e); err != nil {
		return "", err
	}
	row, err := toRow(e)
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", ErrConflict
		}
		return "", err
	}
	return e.ID, nil
}

func (s *SQL) Get(ctx context.Context, id string) (domain.RepairEstimate, error) {
	var row estimateRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RepairEstimate{}, notFound(id)
	}
	if err != nil {
		return domain.RepairEstimate{}, err
	}
	return fromRow(row)
}

func (s *SQL) UpdateStatus(ctx context.Context, id string, status domain.EstimateStatus) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&estimateRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQL) List(ctx context.Context, f Filter) ([]domain.RepairEstimate, error) {
	q := s.db.WithContext(ctx).Order("created_at, id").Limit(f.limit())
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var rows []estimateRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RepairEstimate, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
