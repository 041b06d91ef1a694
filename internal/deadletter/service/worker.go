package service

import (
	"context"
	"time"

	"github.com/ngandimoun/minato-payments/internal/clock"
	"github.com/ngandimoun/minato-payments/internal/config"
	"github.com/ngandimoun/minato-payments/internal/deadletter/domain"
	obsmetrics "github.com/ngandimoun/minato-payments/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// BaseBackoff seeds the retry schedule; each failure doubles the delay
	// up to MaxBackoff.
	BaseBackoff = time.Minute
	MaxBackoff  = 6 * time.Hour

	pollInterval = 30 * time.Second
	batchSize    = 20
)

type WorkerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Clock   clock.Clock
	Repo    domain.Repository
	Handler domain.Handler
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Worker drains due dead letters on a fixed poll interval.
type Worker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	handler     domain.Handler
	metrics     *obsmetrics.Metrics
	maxAttempts int
	done        chan struct{}
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:          p.DB,
		log:         p.Log.Named("deadletter.worker"),
		clock:       p.Clock,
		repo:        p.Repo,
		handler:     p.Handler,
		metrics:     p.Metrics,
		maxAttempts: p.Config.DeadLetterMaxAttempts,
		done:        make(chan struct{}),
	}
}

// Done closes once RunForever has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) RunForever(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("dead-letter sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce replays one batch of due rows. A replay error reschedules the row;
// it never aborts the sweep.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.clock.Now().UTC()
	batch, err := w.repo.DueBatch(ctx, w.db, now, w.maxAttempts, batchSize)
	if err != nil {
		return err
	}

	for i := range batch {
		dl := &batch[i]
		if err := w.handler.Replay(ctx, dl); err != nil {
			w.metrics.RecordDeadLetterRetry(ctx, "failure")
			attempt := dl.Attempts + 1
			if attempt >= w.maxAttempts {
				w.log.Error("dead letter exhausted retries, needs operator attention",
					zap.String("provider_event_id", dl.ProviderEventID),
					zap.String("operation", dl.Operation),
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
			}
			if markErr := w.repo.MarkFailed(ctx, w.db, dl.ID, err.Error(), now.Add(backoff(attempt))); markErr != nil {
				w.log.Warn("dead letter reschedule failed", zap.Error(markErr))
			}
			continue
		}

		w.metrics.RecordDeadLetterRetry(ctx, "success")
		if err := w.repo.Resolve(ctx, w.db, dl.ID, w.clock.Now().UTC()); err != nil {
			w.log.Warn("dead letter resolve failed", zap.Error(err))
			continue
		}
		w.log.Info("dead letter replayed",
			zap.String("provider_event_id", dl.ProviderEventID),
			zap.String("operation", dl.Operation),
			zap.Int("attempts", dl.Attempts+1),
		)
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}
