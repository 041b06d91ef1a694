package user

import (
	"github.com/ngandimoun/minato-payments/internal/user/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("user",
	fx.Provide(repository.Provide),
)
