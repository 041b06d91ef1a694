package deadletter

import (
	"context"

	"github.com/ngandimoun/minato-payments/internal/deadletter/repository"
	"github.com/ngandimoun/minato-payments/internal/deadletter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("deadletter",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *service.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go worker.RunForever(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-worker.Done():
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
