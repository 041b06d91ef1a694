package payment

import (
	"github.com/ngandimoun/minato-payments/internal/payment/repository"
	"github.com/ngandimoun/minato-payments/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.AsService),
	fx.Provide(service.AsDeadLetterHandler),
)
