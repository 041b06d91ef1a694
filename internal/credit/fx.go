package credit

import (
	"github.com/ngandimoun/minato-payments/internal/credit/repository"
	"github.com/ngandimoun/minato-payments/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
