package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/ngandimoun/minato-payments/internal/clock"
	"github.com/ngandimoun/minato-payments/internal/deadletter/domain"
	obsmetrics "github.com/ngandimoun/minato-payments/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Store {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("deadletter.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// Enqueue parks a failed reconciliation for the retry worker. The first
// attempt is scheduled after the base backoff rather than immediately; the
// condition that broke the branch rarely clears within seconds.
func (s *Service) Enqueue(ctx context.Context, providerEventID, operation string, payload []byte, cause error) error {
	now := s.clock.Now().UTC()
	dl := &domain.DeadLetter{
		ID:              s.genID.Generate(),
		Provider:        "stripe",
		ProviderEventID: providerEventID,
		Operation:       operation,
		Payload:         datatypes.JSON(payload),
		LastError:       cause.Error(),
		Attempts:        0,
		NextAttemptAt:   now.Add(BaseBackoff),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, s.db, dl); err != nil {
		return err
	}
	s.metrics.RecordDeadLetter(ctx, operation)
	s.log.Warn("reconciliation dead-lettered",
		zap.String("provider_event_id", providerEventID),
		zap.String("operation", operation),
		zap.Error(cause),
	)
	return nil
}
