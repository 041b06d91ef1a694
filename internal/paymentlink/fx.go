package paymentlink

import (
	"github.com/ngandimoun/minato-payments/internal/paymentlink/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentlink.service",
	fx.Provide(service.NewService),
)
