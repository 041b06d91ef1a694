package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ngandimoun/minato-payments/internal/payment/domain"
	dbpkg "github.com/ngandimoun/minato-payments/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, provider_event_id, event_type, payload, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.Payload,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		if dbpkg.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.EventStatus, processedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		processedAt,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) FindByProviderEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return nil, nil
	}
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, status,
			processed_at, created_at, updated_at
		 FROM webhook_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
