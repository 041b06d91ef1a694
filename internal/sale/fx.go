package sale

import (
	"github.com/ngandimoun/minato-payments/internal/sale/repository"
	"github.com/ngandimoun/minato-payments/internal/sale/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sale.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
