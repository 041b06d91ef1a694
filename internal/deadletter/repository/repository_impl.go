package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ngandimoun/minato-payments/internal/deadletter/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, dl *domain.DeadLetter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO dead_letters (
			id, provider, provider_event_id, operation, payload, last_error,
			attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID,
		dl.Provider,
		dl.ProviderEventID,
		dl.Operation,
		dl.Payload,
		dl.LastError,
		dl.Attempts,
		dl.NextAttemptAt,
		dl.CreatedAt,
		dl.UpdatedAt,
	).Error
}

func (r *repo) DueBatch(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []domain.DeadLetter
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, operation, payload, last_error,
			attempts, next_attempt_at, resolved_at, created_at, updated_at
		 FROM dead_letters
		 WHERE resolved_at IS NULL
		   AND attempts < ?
		   AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?`,
		maxAttempts,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAttemptAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dead_letters
		 SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		lastError,
		nextAttemptAt,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE dead_letters
		 SET resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}
