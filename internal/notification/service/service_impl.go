package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/notification/domain"
	obsmetrics "github.com/ngandimoun/minato-payments/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("notification.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Notify(ctx context.Context, userID uuid.UUID, title, message string, severity domain.Severity, link string) error {
	title = strings.TrimSpace(title)
	if userID == uuid.Nil || title == "" {
		return domain.ErrInvalidRequest
	}
	if severity == "" {
		severity = domain.SeverityInfo
	}

	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, user_id, title, message, severity, link, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		userID,
		title,
		strings.TrimSpace(message),
		severity,
		strings.TrimSpace(link),
		time.Now().UTC(),
	).Error
	if err != nil {
		return err
	}

	s.obsMetrics.RecordNotification(ctx, string(severity))
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrInvalidRequest
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, user_id, title, message, severity, link, read_at, created_at
		 FROM notifications
		 WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	var items []domain.Notification
	if err := s.db.WithContext(ctx).Raw(query, userID, limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) MarkRead(ctx context.Context, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET read_at = ?
		 WHERE id = ? AND read_at IS NULL`,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
