package subscription

import (
	"github.com/ngandimoun/minato-payments/internal/subscription/repository"
	"github.com/ngandimoun/minato-payments/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
