package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
)

type orderRecord struct {
	ID           string          `gorm:"primaryKey;size:64"`
	InputToken   string          `gorm:"size:64;not null"`
	OutputToken  string          `gorm:"size:64;not null"`
	Amount       decimal.Decimal `gorm:"type:numeric;not null"`
	Status       string          `gorm:"size:16;index;not null"`
	TxHash       string          `gorm:"size:128"`
	Logs         string          `gorm:"type:jsonb;not null"`
	RetryPending bool
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (orderRecord) TableName() string { return "orders" }

type failedJobRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	OrderID     string `gorm:"size:64;index;not null"`
	Attempt     int
	MaxAttempts int
	LastError   string
	EnqueuedAt  time.Time
	FailedAt    time.Time `gorm:"index"`
}

func (failedJobRecord) TableName() string { return "failed_jobs" }

// PostgresStore keeps orders in PostgreSQL through gorm. Updates lock the
// row (SELECT ... FOR UPDATE) for the duration of the mutation.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.AutoMigrate(&orderRecord{}, &failedJobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Create(ctx context.Context, o *order.Order) error {
	rec, err := toRecord(o)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", order.ErrDuplicate, o.ID)
	}
	return err
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*order.Order, error) {
	var rec orderRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return fromRecord(rec)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn order.Mutation) (*order.Order, error) {
	var out *order.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec orderRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err, id)
		}
		o, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}
		next, err := toRecord(o)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns up to limit orders, newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*order.Order, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []orderRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	orders := make([]*order.Order, 0, len(recs))
	for _, rec := range recs {
		o, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *PostgresStore) ArchiveFailed(ctx context.Context, job queue.Job) error {
	rec := failedJobRecord{
		ID:          job.ID,
		OrderID:     job.OrderID,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		EnqueuedAt:  job.EnqueuedAt,
		FailedAt:    job.FailedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// FailedJobs returns archived jobs, oldest first.
func (s *PostgresStore) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	q := s.db.WithContext(ctx).Order("failed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []failedJobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(recs))
	for _, r := range recs {
		jobs = append(jobs, queue.Job{
			ID:          r.ID,
			OrderID:     r.OrderID,
			Attempt:     r.Attempt,
			MaxAttempts: r.MaxAttempts,
			LastError:   r.LastError,
			EnqueuedAt:  r.EnqueuedAt,
			FailedAt:    r.FailedAt,
		})
	}
	return jobs, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return err
}

func toRecord(o *order.Order) (orderRecord, error) {
	logs, err := json.Marshal(o.Logs)
	if err != nil {
		return orderRecord{}, fmt.Errorf("failed to marshal logs: %w", err)
	}
	return orderRecord{
		ID:           o.ID,
		InputToken:   o.InputToken,
		OutputToken:  o.OutputToken,
		Amount:       o.Amount,
		Status:       string(o.Status),
		TxHash:       o.TxHash,
		Logs:         string(logs),
		RetryPending: o.RetryPending,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}, nil
}

func fromRecord(rec orderRecord) (*order.Order, error) {
	var logs []order.LogEntry
	if err := json.Unmarshal([]byte(rec.Logs), &logs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
	}
	return &order.Order{
		ID:           rec.ID,
		InputToken:   rec.InputToken,
		OutputToken:  rec.OutputToken,
		Amount:       rec.Amount,
		Status:       order.Status(rec.Status),
		TxHash:       rec.TxHash,
		Logs:         logs,
		RetryPending: rec.RetryPending,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

var (
	_ order.Store   = (*PostgresStore)(nil)
	_ queue.Archive = (*PostgresStore)(nil)
)
